package assets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/talk-gateway/internal/audio/audiotest"
	"github.com/lexiqai/talk-gateway/internal/resilience"
)

func newTestFetcher(t *testing.T, opts FetcherOptions) (*Fetcher, *Store) {
	t.Helper()
	base := t.TempDir()
	store, err := NewStore(filepath.Join(base, "out"), base, 0, zerolog.Nop())
	require.NoError(t, err)
	return NewFetcher(store, opts, zerolog.Nop()), store
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, byte('.'), e.Name()[0], "leftover temp file %s", e.Name())
	}
}

func TestFetcher_Success(t *testing.T) {
	wav := audiotest.WAV(16000, 1, 16, make([]byte, 16000))
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/out/1.wav", r.URL.Path)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	asset, err := fetcher.Fetch(context.Background(), source.URL+"/out/1.wav", "1.wav")
	require.NoError(t, err)

	assert.Equal(t, "1.wav", asset.Name)
	assert.Equal(t, store.Path("1.wav"), asset.Path)
	assert.Equal(t, int64(len(wav)), asset.Size)
	assert.False(t, asset.FetchedAt.IsZero())

	data, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, wav, data)
	assertNoTempFiles(t, store.Dir())
}

func TestFetcher_NonSuccessStatus(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	_, err := fetcher.Fetch(context.Background(), source.URL+"/missing.wav", "missing.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, IsPersistence(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	assert.NoFileExists(t, store.Path("missing.wav"))
	assertNoTempFiles(t, store.Dir())
}

func TestFetcher_Unreachable(t *testing.T) {
	source := httptest.NewServer(http.NotFoundHandler())
	url := source.URL + "/gone.wav"
	source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	_, err := fetcher.Fetch(context.Background(), url, "gone.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpDownload, fe.Op)
	assert.NoFileExists(t, store.Path("gone.wav"))
}

func TestFetcher_TruncatedBodyNeverCommitted(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more than we send, then drop the connection
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		_, _ = w.Write([]byte("RIFF partial"))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	_, err := fetcher.Fetch(context.Background(), source.URL+"/cut.wav", "cut.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, IsPersistence(err))
	assert.NoFileExists(t, store.Path("cut.wav"))
	assertNoTempFiles(t, store.Dir())
}

func TestFetcher_PreviousAssetSurvivesFailedRefetch(t *testing.T) {
	var fail atomic.Bool
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("good"))
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	_, err := fetcher.Fetch(context.Background(), source.URL+"/1.wav", "1.wav")
	require.NoError(t, err)

	fail.Store(true)
	_, err = fetcher.Fetch(context.Background(), source.URL+"/1.wav", "1.wav")
	require.Error(t, err)

	data, err := os.ReadFile(store.Path("1.wav"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}

func TestFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer source.Close()
	defer close(release)

	fetcher, _ := newTestFetcher(t, FetcherOptions{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := fetcher.Fetch(context.Background(), source.URL+"/slow.wav", "slow.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetcher_PersistenceFailure(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})
	// Pulling the directory out from under the store makes temp creation fail
	require.NoError(t, os.RemoveAll(store.Dir()))

	_, err := fetcher.Fetch(context.Background(), source.URL+"/1.wav", "1.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.True(t, IsPersistence(err))
}

func TestFetcher_CoalescesIdenticalRequests(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write([]byte("shared"))
	}))
	defer source.Close()

	fetcher, _ := newTestFetcher(t, FetcherOptions{})
	url := source.URL + "/1.wav"

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Asset, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fetcher.Fetch(context.Background(), url, "1.wav")
		}(i)
	}

	// Let every caller join the in-flight download before releasing it
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "1.wav", results[i].Name)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_SerializesSameDestination(t *testing.T) {
	var active, maxActive atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer source.Close()

	fetcher, store := newTestFetcher(t, FetcherOptions{})

	var wg sync.WaitGroup
	for _, p := range []string{"/a/1.wav", "/b/1.wav", "/c/1.wav"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := fetcher.Fetch(context.Background(), source.URL+p, "1.wav")
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load(), "downloads to the same name must not overlap")
	data, err := os.ReadFile(store.Path("1.wav"))
	require.NoError(t, err)
	assert.Contains(t, []string{"/a/1.wav", "/b/1.wav", "/c/1.wav"}, string(data))
}

func TestFetcher_CircuitOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer source.Close()

	fetcher, _ := newTestFetcher(t, FetcherOptions{
		Breakers: resilience.NewBreakerSet("fetch", 2, time.Minute),
	})

	for i := 0; i < 2; i++ {
		_, err := fetcher.Fetch(context.Background(), source.URL+"/1.wav", "1.wav")
		require.Error(t, err)
	}

	_, err := fetcher.Fetch(context.Background(), source.URL+"/1.wav", "1.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach the source")
}

func TestFetcher_NotFoundDoesNotTripCircuit(t *testing.T) {
	source := httptest.NewServer(http.NotFoundHandler())
	defer source.Close()

	fetcher, _ := newTestFetcher(t, FetcherOptions{
		Breakers: resilience.NewBreakerSet("fetch", 1, time.Minute),
	})

	for i := 0; i < 3; i++ {
		_, err := fetcher.Fetch(context.Background(), source.URL+"/x.wav", "x.wav")
		require.Error(t, err)
		assert.False(t, errors.Is(err, resilience.ErrCircuitOpen))
	}
}

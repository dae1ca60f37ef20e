package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/talk-gateway/internal/audio"
	"github.com/lexiqai/talk-gateway/internal/observability"
	"github.com/lexiqai/talk-gateway/internal/resilience"
)

const defaultFetchTimeout = 30 * time.Second

var tracer = observability.Tracer("talk-gateway/assets")

// FetcherOptions configures a Fetcher. Zero values pick defaults.
type FetcherOptions struct {
	Timeout  time.Duration          // Upper bound for one download, including the body
	Breakers *resilience.BreakerSet // Per-host fast-fail; nil disables
	Client   *http.Client
}

// Fetcher downloads remote audio into a Store
type Fetcher struct {
	store    *Store
	client   *http.Client
	timeout  time.Duration
	breakers *resilience.BreakerSet
	logger   zerolog.Logger

	group singleflight.Group
	locks *keyedMutex
}

// NewFetcher creates a fetcher writing into store
func NewFetcher(store *Store, opts FetcherOptions, logger zerolog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Fetcher{
		store:    store,
		client:   opts.Client,
		timeout:  opts.Timeout,
		breakers: opts.Breakers,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
}

// Fetch downloads sourceURL and stores it as name. On success the returned
// asset is complete and closed on disk. Every error matches ErrFetchFailed.
//
// Concurrent calls with the same URL and name share one download. Calls for
// the same name but different URLs run one after another.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, name string) (*Asset, error) {
	key := name + "\n" + sourceURL
	v, err, shared := f.group.Do(key, func() (any, error) {
		// A shared download must not die with whichever caller started it
		return f.fetch(context.WithoutCancel(ctx), sourceURL, name)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		f.logger.Debug().Str("asset", name).Msg("Joined in-flight fetch")
	}
	return v.(*Asset), nil
}

func (f *Fetcher) fetch(ctx context.Context, sourceURL, name string) (*Asset, error) {
	unlock := f.locks.Lock(name)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "assets.Fetch", trace.WithAttributes(
		attribute.String("asset.name", name),
		attribute.String("asset.source", sourceURL),
	))

	logger := f.logger.With().Str("source", sourceURL).Str("asset", name).Logger()
	start := time.Now()

	var asset *Asset
	err := f.breakers.Call(hostOf(sourceURL), func() error {
		var err error
		asset, err = f.download(ctx, sourceURL, name)
		return err
	}, countsAgainstHost)
	elapsed := time.Since(start)

	if err != nil {
		status := OpDownload
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = "circuit_open"
			err = &FetchError{Op: OpDownload, URL: sourceURL, Err: err}
		} else if IsPersistence(err) {
			status = OpPersist
		}
		observability.RecordFetch(status, elapsed.Seconds(), 0)
		span.SetAttributes(attribute.String("fetch.status", status))
		observability.EndSpan(span, err)
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Asset fetch failed")
		return nil, err
	}

	observability.RecordFetch("success", elapsed.Seconds(), asset.Size)
	span.SetAttributes(attribute.Int64("asset.bytes", asset.Size))
	observability.EndSpan(span, nil)
	event := logger.Info().Int64("bytes", asset.Size).Dur("elapsed", elapsed)
	if format, perr := audio.ProbeFile(asset.Path); perr == nil {
		observability.RecordAssetDuration(format.Duration().Seconds())
		event = event.Uint32("sample_rate", format.SampleRate).
			Uint16("channels", format.Channels).
			Dur("duration", format.Duration())
	} else {
		logger.Debug().Err(perr).Msg("Asset is not a probeable WAV file")
	}
	event.Msg("Asset fetched")

	return asset, nil
}

func (f *Fetcher) download(ctx context.Context, sourceURL, name string) (*Asset, error) {
	downloadErr := func(err error) error {
		return &FetchError{Op: OpDownload, URL: sourceURL, Err: err}
	}
	persistErr := func(err error) error {
		return &FetchError{Op: OpPersist, URL: sourceURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, downloadErr(err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, downloadErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, downloadErr(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	tmp, err := f.store.CreateTemp()
	if err != nil {
		return nil, persistErr(err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := &trackingWriter{w: tmp}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if w.err != nil {
			return nil, persistErr(err)
		}
		return nil, downloadErr(fmt.Errorf("reading body after %d bytes: %w", n, err))
	}
	if err := tmp.Sync(); err != nil {
		return nil, persistErr(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, persistErr(err)
	}

	path, err := f.store.Commit(tmpPath, name)
	if err != nil {
		return nil, persistErr(err)
	}
	committed = true

	return &Asset{
		Name:      name,
		Path:      path,
		Source:    sourceURL,
		Size:      n,
		FetchedAt: time.Now(),
	}, nil
}

// trackingWriter remembers write errors so io.Copy failures can be blamed on
// the right side
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// countsAgainstHost trips the breaker on network failures and 5xx only;
// a 404 or a full local disk says nothing about the source host's health.
func countsAgainstHost(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != OpDownload {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

func hostOf(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL
	}
	return u.Host
}

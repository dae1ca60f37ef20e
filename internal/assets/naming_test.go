package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameFromURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		hint    string
		want    string
		wantErr bool
	}{
		{"basename of path", "http://127.0.0.1:8081/out/1.wav", "", "1.wav", false},
		{"query ignored", "https://tts.example/audio/abc.wav?token=x", "", "abc.wav", false},
		{"escaped path", "http://host/out/hello%20world.wav", "", "hello world.wav", false},
		{"hint wins", "http://host/out/1.wav", "greeting.wav", "greeting.wav", false},
		{"hint is reduced to basename", "http://host/out/1.wav", "../../etc/passwd", "passwd", false},
		{"windows hint separators", "http://host/out/1.wav", `..\..\x.wav`, "x.wav", false},
		{"no path", "http://host", "", "", true},
		{"trailing slash", "http://host/out/", "", "out", false},
		{"dot dot path", "http://host/..", "", "", true},
		{"hidden name", "http://host/.env", "", "", true},
		{"ftp scheme", "ftp://host/1.wav", "", "", true},
		{"no scheme", "out/1.wav", "", "", true},
		{"no host", "http:///1.wav", "", "", true},
		{"garbage", "://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NameFromURL(tt.url, tt.hint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package download

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVideoPage(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://youtube.com/shorts/abc123", true},
		{"https://youtu.be/dQw4w9WgXcQ", true},
		{"https://music.youtube.com/watch?v=abc", true},
		{"https://www.youtube.com/watch", false},
		{"https://www.youtube.com/playlist?list=PL123", false},
		{"https://youtu.be/", false},
		{"https://example.com/watch?v=abc", false},
		{"::not a url", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsVideoPage(tt.url), tt.url)
	}
}

func TestRouter(t *testing.T) {
	var used string
	named := func(name string) Transfer {
		return TransferFunc(func(context.Context, TransferRequest) (TransferResult, error) {
			used = name
			return TransferResult{}, nil
		})
	}

	r := NewRouter(named("http")).Handle(IsVideoPage, named("ytdlp"))

	_, err := r.Start(context.Background(), TransferRequest{URL: "https://youtu.be/abc"})
	require.NoError(t, err)
	assert.Equal(t, "ytdlp", used)

	_, err = r.Start(context.Background(), TransferRequest{URL: "https://example.com/file.zip"})
	require.NoError(t, err)
	assert.Equal(t, "http", used)
}

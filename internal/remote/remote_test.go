package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c := NewClient("https://example.com/base/")
	assert.Equal(t, "https://example.com/base", c.baseURL, "trailing slash trimmed")
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	assert.Equal(t, "pilotsync", c.userAgent)

	c = NewClient("https://example.com", WithTimeout(2*time.Second), WithUserAgent("pilotsync/1.0"))
	assert.Equal(t, 2*time.Second, c.httpClient.Timeout)
	assert.Equal(t, "pilotsync/1.0", c.userAgent)
}

func TestFetch(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/.claude/commands/00_plan.md":
			_, _ = w.Write([]byte("# Plan\n\nbody\n"))
		case "/.claude/.pilot-version":
			_, _ = w.Write([]byte("  2.1.5\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, WithUserAgent("pilotsync/test"))
	ctx := context.Background()

	body, err := c.Fetch(ctx, ".claude/commands/00_plan.md")
	require.NoError(t, err)
	assert.Equal(t, "# Plan\n\nbody\n", string(body))
	assert.Equal(t, "pilotsync/test", gotUA)

	v, err := c.FetchText(ctx, ".claude/.pilot-version")
	require.NoError(t, err)
	assert.Equal(t, "2.1.5", v)

	_, err = c.Fetch(ctx, "missing.md")
	assert.ErrorIs(t, err, ErrNetworkFailure)
}

func TestFetch_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	c := NewClient(server.URL, WithTimeout(20*time.Millisecond))
	_, err := c.Fetch(context.Background(), "slow.md")
	assert.ErrorIs(t, err, ErrNetworkFailure)
}

func TestFetch_TooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxFileSize+1)))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Fetch(context.Background(), "big.md")
	assert.ErrorContains(t, err, "exceeds")
}

func TestFetch_RejectsBadPaths(t *testing.T) {
	c := NewClient("https://example.com")
	for _, p := range []string{"a/../../etc/passwd", "", "/"} {
		_, err := c.Fetch(context.Background(), p)
		assert.Error(t, err, p)
	}
}

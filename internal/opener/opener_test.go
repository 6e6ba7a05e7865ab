package opener

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBrowserOpensHTTPURLs(t *testing.T) {
	var opened []string
	b := &Browser{open: func(u string) error {
		opened = append(opened, u)
		return nil
	}}

	require.NoError(t, b.OpenURL(context.Background(), "http://localhost:3000/"))
	require.NoError(t, b.OpenURL(context.Background(), "https://example.com/a?b=c"))
	require.Equal(t, []string{"http://localhost:3000/", "https://example.com/a?b=c"}, opened)
}

func TestBrowserRejectsOtherSchemes(t *testing.T) {
	b := &Browser{open: func(string) error {
		t.Fatal("open must not be called")
		return nil
	}}
	for _, u := range []string{"file:///etc/passwd", "javascript:alert(1)", "ftp://host/x"} {
		require.ErrorIs(t, b.OpenURL(context.Background(), u), ErrUnsupportedScheme, u)
	}
	require.Error(t, b.OpenURL(context.Background(), "http://"))
}

func TestBrowserWrapsOpenError(t *testing.T) {
	boom := errors.New("no display")
	b := &Browser{open: func(string) error { return boom }}
	require.ErrorIs(t, b.OpenURL(context.Background(), "http://localhost"), boom)
}

func TestBrowserHonoursCancelledContext(t *testing.T) {
	b := &Browser{open: func(string) error {
		t.Fatal("open must not be called")
		return nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.OpenURL(ctx, "http://localhost"), context.Canceled)
}

// Package opener opens URLs requested by agents in the host's browser.
package opener

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/pkg/browser"
)

var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// URLOpener opens a URL on the host.
type URLOpener interface {
	OpenURL(ctx context.Context, rawURL string) error
}

// Browser opens http and https URLs with the desktop's default browser.
type Browser struct {
	open func(string) error
}

func NewBrowser() *Browser {
	return &Browser{open: browser.OpenURL}
}

func (b *Browser) OpenURL(ctx context.Context, rawURL string) error {
	if err := Validate(rawURL); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.open(rawURL); err != nil {
		return fmt.Errorf("opening %s: %w", rawURL, err)
	}
	return nil
}

// Validate accepts absolute http and https URLs only.
func Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	return nil
}

// Nop ignores every request. Used when URL opening is disabled.
type Nop struct{}

func (Nop) OpenURL(context.Context, string) error { return nil }

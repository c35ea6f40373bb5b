// Package browser provides the driver facade over the external browser:
// launch or attach, page creation, CDP screencast plumbing, and input.
// The rest of the gateway depends only on the interfaces in this file so
// tests can substitute fakes.
package browser

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/types"
)

// ScreencastProfile holds the parameters of Page.startScreencast.
type ScreencastProfile struct {
	Quality       int
	MaxWidth      int
	MaxHeight     int
	EveryNthFrame int
}

// DefaultProfile is the standard streaming quality.
var DefaultProfile = ScreencastProfile{Quality: 60, MaxWidth: 1280, MaxHeight: 1024, EveryNthFrame: 2}

// DegradedProfile is used under memory pressure.
var DegradedProfile = ScreencastProfile{Quality: 30, MaxWidth: 1024, MaxHeight: 768, EveryNthFrame: 2}

// Frame is one screencast frame. Data is JPEG base64; SessionID is the
// CDP per-frame acknowledgement id.
type Frame struct {
	Data      string
	SessionID int
}

// WaitStrategy selects the navigation completion event.
type WaitStrategy int

const (
	// WaitNetworkIdle waits for the network to go idle (primary strategy).
	WaitNetworkIdle WaitStrategy = iota
	// WaitDOMContentLoaded waits only for DOMContentLoaded (fallback strategy).
	WaitDOMContentLoaded
)

// Driver launches or attaches to browsers.
type Driver interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one owned browser process or remote connection.
type Browser interface {
	// NewPage creates a page with the viewport set and stealth patches applied.
	NewPage(ctx context.Context, viewport types.Viewport) (Page, error)
	// Connected reports whether the CDP transport to the browser is alive.
	Connected() bool
	// OnDisconnect registers a callback fired once when the transport dies.
	OnDisconnect(fn func())
	Close() error
}

// Page is one owned browser page.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitStrategy) error
	// Eval evaluates code as a function body and returns the JSON-serialized result.
	Eval(ctx context.Context, code string) (string, error)
	Click(ctx context.Context, x, y float64) error
	Hover(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, deltaY float64) error
	Type(ctx context.Context, text string) error
	// Screenshot captures the page as JPEG and returns it base64-encoded.
	Screenshot(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	SetViewport(ctx context.Context, v types.Viewport) error
	// BlockCMPRequests aborts requests to consent-management providers.
	BlockCMPRequests(ctx context.Context) error
	// OnCrash registers a callback fired once if the page crashes.
	OnCrash(fn func())
	NewCDP(ctx context.Context) (CDPSession, error)
	Close() error
}

// CDPSession is the page-scoped CDP channel used for screencasting.
type CDPSession interface {
	// EnablePage issues Page.enable; required before screencast calls.
	EnablePage(ctx context.Context) error
	StartScreencast(ctx context.Context, p ScreencastProfile) error
	StopScreencast(ctx context.Context) error
	// Ack acknowledges one frame by its CDP session id.
	Ack(sessionID int) error
	// OnFrame registers the single consumer of screencast frames.
	OnFrame(fn func(Frame))
	Close() error
}

// blackPageURL presents a solid black frame before streaming starts,
// so the client never sees the default white flash.
const blackPageURL = `data:text/html,<html><body style="background:%23000;margin:0"></body></html>`

// BlackPageURL returns the inline page used as the initial navigation target.
func BlackPageURL() string {
	return blackPageURL
}

// NormalizeURL prepends https:// when the URL lacks a scheme.
func NormalizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	if !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}

// NavigateWithFallback tries the primary network-idle strategy, then falls
// back once to DOMContentLoaded with the shorter timeout. It returns the
// normalized URL that was navigated to.
func NavigateWithFallback(ctx context.Context, page Page, rawURL string, nav config.NavigationConfig) (string, error) {
	url := NormalizeURL(rawURL)

	primCtx, cancel := context.WithTimeout(ctx, nav.PrimaryTimeout)
	err := page.Navigate(primCtx, url, WaitNetworkIdle)
	cancel()
	if err == nil {
		return url, nil
	}

	log.Warn().
		Err(err).
		Str("url", url).
		Dur("fallback_timeout", nav.FallbackTimeout).
		Msg("Primary navigation strategy failed, falling back to domcontentloaded")

	fbCtx, cancel := context.WithTimeout(ctx, nav.FallbackTimeout)
	err = page.Navigate(fbCtx, url, WaitDOMContentLoaded)
	cancel()
	if err != nil {
		return url, &navError{url: url, err: err}
	}
	return url, nil
}

// navError surfaces the final failure after both strategies.
type navError struct {
	url string
	err error
}

func (e *navError) Error() string {
	return "navigation to " + e.url + " failed: " + e.err.Error()
}

func (e *navError) Unwrap() error {
	return types.ErrNavigationFailed
}

// typeDelay is the per-character pacing for keyboard input.
const typeDelay = 50 * time.Millisecond

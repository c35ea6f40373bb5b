package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/types"
	"github.com/glancehq/glance/pkg/version"
)

// RodDriver drives browsers through go-rod, either by launching a local
// process or by attaching to a remote CDP endpoint. The choice is
// configuration-driven; callers see the same Browser either way.
type RodDriver struct {
	cfg       *config.Config
	blocklist *CMPBlocklist
}

// NewRodDriver creates the production driver.
func NewRodDriver(cfg *config.Config, blocklist *CMPBlocklist) *RodDriver {
	return &RodDriver{cfg: cfg, blocklist: blocklist}
}

// Launch starts or attaches to a browser and wires disconnect detection.
func (d *RodDriver) Launch(ctx context.Context) (Browser, error) {
	var controlURL string
	if d.cfg.RemoteAttach() {
		controlURL = d.cfg.BrowserWSEndpoint
		log.Debug().Str("endpoint", controlURL).Msg("Attaching to remote browser")
	} else {
		l := d.createLauncher()
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrBrowserLaunchFailed, err)
		}
		controlURL = url
	}

	b := rod.New().Context(ctx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBrowserLaunchFailed, err)
	}

	if d.cfg.IgnoreCertErrors {
		log.Warn().Msg("Certificate validation disabled - MITM attacks possible")
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	rb := &rodBrowser{browser: b, driver: d}

	// The event stream closes when the CDP transport to the browser dies,
	// whether by crash, process exit, or network failure.
	go func() {
		for range b.Event() {
		}
		rb.markDisconnected()
	}()

	log.Debug().Str("url", controlURL).Msg("Browser ready")
	return rb, nil
}

// createLauncher configures a local Chrome launch with stealth defaults.
// Flags tuned for constrained container hosts and anti-detection.
func (d *RodDriver) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if d.cfg.BrowserPath != "" {
		l = l.Bin(d.cfg.BrowserPath)
	}

	if d.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container security flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Anti-detection: prevent navigator.webdriver = true and automation infobars
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// Prevent WebRTC from leaking the gateway's real IP
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Realistic browser behavior
	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("mute-audio")

	// Cap renderer old-space for container memory ceilings
	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync")

	if d.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	return l
}

// rodBrowser wraps one rod browser connection.
type rodBrowser struct {
	browser      *rod.Browser
	driver       *RodDriver
	disconnected atomic.Bool

	mu            sync.Mutex
	disconnectFns []func()
}

func (b *rodBrowser) markDisconnected() {
	if b.disconnected.Swap(true) {
		return
	}
	b.mu.Lock()
	fns := b.disconnectFns
	b.disconnectFns = nil
	b.mu.Unlock()

	log.Warn().Msg("Browser transport disconnected")
	for _, fn := range fns {
		fn()
	}
}

func (b *rodBrowser) Connected() bool {
	return !b.disconnected.Load()
}

func (b *rodBrowser) OnDisconnect(fn func()) {
	b.mu.Lock()
	if !b.disconnected.Load() {
		b.disconnectFns = append(b.disconnectFns, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// NewPage creates a page, sets the viewport, overrides the user agent,
// and applies the stealth init scripts.
func (b *rodBrowser) NewPage(ctx context.Context, viewport types.Viewport) (Page, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	p := &rodPage{page: page, browser: b, blocklist: b.driver.blocklist}

	if err := p.SetViewport(ctx, viewport); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent: version.UserAgent,
	}).Call(page.Context(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to override user agent")
	}

	// Community stealth bundle first, then the gateway's own patches.
	// Both run before any document in this page loads.
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{
		Source: stealth.JS,
	}).Call(page.Context(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to install stealth bundle")
	}
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{
		Source: initScript,
	}).Call(page.Context(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to install init script")
	}

	return p, nil
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

// rodPage wraps one rod page.
type rodPage struct {
	page      *rod.Page
	browser   *rodBrowser
	blocklist *CMPBlocklist
	closed    atomic.Bool
}

func (p *rodPage) Navigate(ctx context.Context, url string, strategy WaitStrategy) error {
	pg := p.page.Context(ctx)

	event := proto.PageLifecycleEventNameNetworkIdle
	if strategy == WaitDOMContentLoaded {
		event = proto.PageLifecycleEventNameDOMContentLoaded
	}

	wait := pg.WaitNavigation(event)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	wait()

	// WaitNavigation returns silently on context expiry; surface it.
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Eval evaluates code as a function body in page context.
func (p *rodPage) Eval(ctx context.Context, code string) (string, error) {
	obj, err := p.page.Context(ctx).Eval("() => {\n" + code + "\n}")
	if err != nil {
		return "", err
	}
	return obj.Value.JSON("", ""), nil
}

func (p *rodPage) Click(ctx context.Context, x, y float64) error {
	if err := p.Hover(ctx, x, y); err != nil {
		return err
	}
	pg := p.page.Context(ctx)
	if err := (proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}).Call(pg); err != nil {
		return err
	}
	return proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMouseReleased,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}.Call(pg)
}

func (p *rodPage) Hover(ctx context.Context, x, y float64) error {
	return proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    x,
		Y:    y,
	}.Call(p.page.Context(ctx))
}

// Scroll injects window.scrollBy rather than synthesizing wheel events;
// the injected variant is portable across remote browsers.
func (p *rodPage) Scroll(ctx context.Context, deltaY float64) error {
	_, err := p.page.Context(ctx).Eval(fmt.Sprintf("() => window.scrollBy(0, %v)", deltaY))
	return err
}

func (p *rodPage) Type(ctx context.Context, text string) error {
	pg := p.page.Context(ctx)
	for _, r := range text {
		if err := (proto.InputInsertText{Text: string(r)}).Call(pg); err != nil {
			return err
		}
		select {
		case <-time.After(typeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context) (string, error) {
	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(80),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) SetViewport(ctx context.Context, v types.Viewport) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

// BlockCMPRequests intercepts all requests and aborts those whose host
// matches the consent-management blocklist. Interception errors are
// swallowed so a broken interceptor can never block the page.
func (p *rodPage) BlockCMPRequests(ctx context.Context) error {
	pg := p.page.Context(ctx)

	err := proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{{URLPattern: "*"}},
	}.Call(pg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enable request interception")
		return nil
	}

	go pg.EachEvent(func(e *proto.FetchRequestPaused) {
		if p.blocklist != nil && p.blocklist.MatchesURL(e.Request.URL) {
			log.Debug().Str("url", e.Request.URL).Msg("Blocked consent-management request")
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(pg)
			return
		}
		_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(pg)
	})()

	return nil
}

func (p *rodPage) OnCrash(fn func()) {
	go p.page.EachEvent(func(e *proto.InspectorTargetCrashed) bool {
		log.Warn().Msg("Page crashed")
		fn()
		return true
	})()
}

func (p *rodPage) NewCDP(ctx context.Context) (CDPSession, error) {
	cdpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &rodCDP{page: p.page, ctx: cdpCtx, cancel: cancel}, nil
}

func (p *rodPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.page.Close()
}

// rodCDP is the page-scoped CDP channel used for screencasting. Closing
// it cancels the frame event loop without touching the page.
type rodCDP struct {
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc

	frameOnce sync.Once
}

func (c *rodCDP) EnablePage(ctx context.Context) error {
	return proto.PageEnable{}.Call(c.page.Context(ctx))
}

func (c *rodCDP) StartScreencast(ctx context.Context, p ScreencastProfile) error {
	return proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       gson.Int(p.Quality),
		MaxWidth:      gson.Int(p.MaxWidth),
		MaxHeight:     gson.Int(p.MaxHeight),
		EveryNthFrame: gson.Int(p.EveryNthFrame),
	}.Call(c.page.Context(ctx))
}

func (c *rodCDP) StopScreencast(ctx context.Context) error {
	return proto.PageStopScreencast{}.Call(c.page.Context(ctx))
}

func (c *rodCDP) Ack(sessionID int) error {
	return proto.PageScreencastFrameAck{SessionID: sessionID}.Call(c.page.Context(c.ctx))
}

// OnFrame starts the single frame consumer loop. Frames arrive already
// base64-decoded from the wire; re-encode for the client envelope.
func (c *rodCDP) OnFrame(fn func(Frame)) {
	c.frameOnce.Do(func() {
		pg := c.page.Context(c.ctx)
		go pg.EachEvent(func(e *proto.PageScreencastFrame) {
			fn(Frame{
				Data:      base64.StdEncoding.EncodeToString(e.Data),
				SessionID: e.SessionID,
			})
		})()
	})
}

func (c *rodCDP) Close() error {
	c.cancel()
	return nil
}

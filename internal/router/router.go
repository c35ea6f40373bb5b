// Package router dispatches decoded client commands to the session's
// page. Every handler is wrapped in the operation fabric and replies
// with an envelope; failures become recoverable error replies, never
// connection teardown.
package router

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/glancehq/glance/internal/browser"
	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/fabric"
	"github.com/glancehq/glance/internal/session"
	"github.com/glancehq/glance/internal/types"
)

// Input operation budgets. Pointer input is cheap and retried tightly;
// hover gets a single extra attempt since re-hovering is harmless.
const (
	inputTimeout  = 5 * time.Second
	inputBackoff  = 250 * time.Millisecond
	clickRetries  = 2
	hoverRetries  = 1
	scrollRetries = 1
)

// svgPattern strips inline SVG blocks from captured HTML. Vector icon
// markup dominates payload size without carrying page content.
var svgPattern = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)

// Sender delivers reply envelopes to one client.
type Sender interface {
	Send(v any) error
}

// Router dispatches inbound messages for all clients.
type Router struct {
	cfg     *config.Config
	manager *session.Manager
}

// NewRouter creates a router over the session manager.
func NewRouter(cfg *config.Config, manager *session.Manager) *Router {
	return &Router{cfg: cfg, manager: manager}
}

// Dispatch decodes one raw client message and runs its handler. Decode
// failures and handler errors are reported to the client as recoverable
// error envelopes.
func (r *Router) Dispatch(ctx context.Context, clientID string, raw []byte, ch Sender) {
	msg, err := types.DecodeInbound(raw)
	if err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Msg("Undecodable client message")
		r.reply(ch, clientID, types.ErrorReply(types.MsgError, err))
		return
	}

	if !msg.Known() {
		log.Debug().
			Str("client_id", clientID).
			Str("msg_type", msg.Type).
			Msg("Unknown message type")
		r.reply(ch, clientID, types.UnknownTypeReply(msg.Type))
		return
	}

	sess, err := r.manager.Get(clientID)
	if err != nil {
		r.reply(ch, clientID, types.ErrorReply(msg.Type, err))
		return
	}

	switch msg.Type {
	case types.MsgHeartbeat:
		r.reply(ch, clientID, &types.Reply{
			Type:      types.MsgHeartbeat,
			Timestamp: time.Now().UnixMilli(),
		})
	case types.MsgNavigate:
		r.handleNavigate(ctx, sess, msg, ch)
	case types.MsgClick:
		r.handleClick(ctx, sess, msg, ch)
	case types.MsgScroll:
		r.handleScroll(ctx, sess, msg, ch)
	case types.MsgHover:
		r.handleHover(ctx, sess, msg, ch)
	case types.MsgType:
		r.handleType(ctx, sess, msg, ch)
	case types.MsgEvaluate:
		r.handleEvaluate(ctx, sess, msg, ch)
	case types.MsgScreenshotAndHTML:
		r.handleScreenshotAndHTML(ctx, sess, msg, ch)
	case types.MsgSetViewport:
		r.handleSetViewport(ctx, sess, msg, ch)
	}
}

func (r *Router) reply(ch Sender, clientID string, v any) {
	if err := ch.Send(v); err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Msg("Reply send failed")
	}
}

// handleNavigate runs the two-strategy navigation under the retry
// fabric. Between attempts the page is parked on about:blank so a
// half-loaded document cannot poison the next try.
func (r *Router) handleNavigate(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(types.MsgNavigation, err))
		return
	}

	nav := r.cfg.Navigation
	attemptBudget := nav.PrimaryTimeout + nav.FallbackTimeout + 2*time.Second

	var finalURL string
	attempted := false
	err = fabric.WithRetry(ctx, fabric.RetryOptions{
		Retries: nav.Retries,
		Backoff: nav.Backoff,
		Timeout: attemptBudget,
		Label:   "navigate",
	}, func(opCtx context.Context) error {
		if attempted {
			resetCtx, cancel := context.WithTimeout(opCtx, 3*time.Second)
			if resetErr := pg.Navigate(resetCtx, "about:blank", browser.WaitDOMContentLoaded); resetErr != nil {
				log.Debug().Err(resetErr).Str("client_id", sess.ClientID).Msg("Pre-retry page reset failed")
			}
			cancel()
		}
		attempted = true

		url, navErr := browser.NavigateWithFallback(opCtx, pg, msg.URL, nav)
		finalURL = url
		return navErr
	})

	if err != nil {
		log.Warn().
			Err(err).
			Str("client_id", sess.ClientID).
			Str("url", msg.URL).
			Msg("Navigation failed")
		// Park the page so the screencast does not keep streaming a
		// half-loaded document after the error reply. Best effort.
		resetCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if resetErr := pg.Navigate(resetCtx, "about:blank", browser.WaitDOMContentLoaded); resetErr != nil {
			log.Debug().Err(resetErr).Str("client_id", sess.ClientID).Msg("Post-failure page reset failed")
		}
		cancel()
		r.reply(ch, sess.ClientID, types.ErrorReply(types.MsgNavigation, err))
		return
	}

	log.Info().
		Str("client_id", sess.ClientID).
		Str("url", finalURL).
		Msg("Navigation complete")
	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgNavigation,
		Status: types.StatusOK,
		URL:    finalURL,
	})
}

func (r *Router) handleClick(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	err = fabric.WithRetry(ctx, fabric.RetryOptions{
		Retries: clickRetries,
		Backoff: inputBackoff,
		Timeout: inputTimeout,
		Label:   "click",
	}, func(opCtx context.Context) error {
		return pg.Click(opCtx, msg.X, msg.Y)
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	x, y := msg.X, msg.Y
	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgClick,
		Status: types.StatusOK,
		X:      &x,
		Y:      &y,
	})
}

func (r *Router) handleScroll(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	err = fabric.WithRetry(ctx, fabric.RetryOptions{
		Retries: scrollRetries,
		Backoff: inputBackoff,
		Timeout: inputTimeout,
		Label:   "scroll",
	}, func(opCtx context.Context) error {
		return pg.Scroll(opCtx, msg.DeltaY)
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	deltaY := msg.DeltaY
	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgScroll,
		Status: types.StatusOK,
		DeltaY: &deltaY,
	})
}

func (r *Router) handleHover(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	err = fabric.WithRetry(ctx, fabric.RetryOptions{
		Retries: hoverRetries,
		Backoff: inputBackoff,
		Timeout: inputTimeout,
		Label:   "hover",
	}, func(opCtx context.Context) error {
		return pg.Hover(opCtx, msg.X, msg.Y)
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	x, y := msg.X, msg.Y
	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgHover,
		Status: types.StatusOK,
		X:      &x,
		Y:      &y,
	})
}

func (r *Router) handleType(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	// Per-character pacing makes long strings slow; scale the budget
	// with the text length instead of retrying a half-typed string.
	budget := r.cfg.Operations.DefaultTimeout + time.Duration(len(msg.Text))*100*time.Millisecond
	err = fabric.WithTimeout(ctx, budget, "type", func(opCtx context.Context) error {
		return pg.Type(opCtx, msg.Text)
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgType,
		Status: types.StatusOK,
	})
}

func (r *Router) handleEvaluate(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	var result string
	err = fabric.WithTimeout(ctx, r.cfg.Operations.DefaultTimeout, "evaluate", func(opCtx context.Context) error {
		var evalErr error
		result, evalErr = pg.Eval(opCtx, msg.Code)
		return evalErr
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgEvaluate,
		Status: types.StatusOK,
		Result: result,
	})
}

// handleScreenshotAndHTML captures a JPEG screenshot and the page HTML
// in parallel. Inline SVG markup is stripped from the HTML before it
// goes on the wire.
func (r *Router) handleScreenshotAndHTML(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	pg, err := sess.Page()
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(types.MsgScreenshotHTMLOut, err))
		return
	}

	var screenshot, html string
	err = fabric.WithTimeout(ctx, r.cfg.Operations.DefaultTimeout, "screenshot_and_html", func(opCtx context.Context) error {
		g, gCtx := errgroup.WithContext(opCtx)
		g.Go(func() error {
			var shotErr error
			screenshot, shotErr = pg.Screenshot(gCtx)
			return shotErr
		})
		g.Go(func() error {
			var htmlErr error
			html, htmlErr = pg.HTML(gCtx)
			return htmlErr
		})
		return g.Wait()
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(types.MsgScreenshotHTMLOut, err))
		return
	}

	r.reply(ch, sess.ClientID, &types.Reply{
		Type:       types.MsgScreenshotHTMLOut,
		Status:     types.StatusOK,
		Screenshot: screenshot,
		HTML:       svgPattern.ReplaceAllString(html, ""),
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (r *Router) handleSetViewport(ctx context.Context, sess *session.Session, msg *types.InboundMessage, ch Sender) {
	v := types.Viewport{Width: msg.Width, Height: msg.Height}
	if v.Width <= 0 || v.Height <= 0 {
		v = types.DefaultViewport
	}

	err := fabric.WithTimeout(ctx, r.cfg.Operations.DefaultTimeout, "set_viewport", func(opCtx context.Context) error {
		return r.manager.UpdateViewport(opCtx, sess.ClientID, v)
	})
	if err != nil {
		r.reply(ch, sess.ClientID, types.ErrorReply(msg.Type, err))
		return
	}

	r.reply(ch, sess.ClientID, &types.Reply{
		Type:   types.MsgViewportUpdated,
		Status: types.StatusOK,
		Width:  v.Width,
		Height: v.Height,
	})
}

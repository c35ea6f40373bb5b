// Package session owns the browser session lifecycle: creation with
// retries, health probing, recovery, viewport changes, screencast
// control, and idle sweeping. One session maps to one client.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/glancehq/glance/internal/browser"
	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/metrics"
	"github.com/glancehq/glance/internal/types"
)

// State is the session lifecycle state.
type State int

const (
	StateStarting State = iota
	StateHealthy
	StateDegraded
	StateRecovering
	StateTerminated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Notifier pushes server-initiated messages to the client. Satisfied by
// the gateway's client channel.
type Notifier interface {
	Send(v any) error
}

// Session is one client's browser session. The handles behind it are
// replaced atomically during recovery; callers hold the Session, never
// the raw browser objects.
type Session struct {
	ClientID string

	mu             sync.Mutex
	browser        browser.Browser
	page           browser.Page
	cdp            browser.CDPSession
	viewport       types.Viewport
	state          State
	healthFailures int
	lastActivity   time.Time
	screencastOn   bool
	profile        browser.ScreencastProfile
	onFrame        func(browser.Frame)
	notify         Notifier

	stopProbe chan struct{}
}

// Touch records client activity for idle sweeping.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Viewport returns the session's current viewport.
func (s *Session) Viewport() types.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Page returns the current page handle, or an error when the session is
// not in a usable state.
func (s *Session) Page() (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHealthy, StateDegraded, StateStarting:
		return s.page, nil
	case StateRecovering:
		return nil, types.ErrSessionUnhealthy
	default:
		return nil, types.ErrSessionUnavailable
	}
}

// Ack acknowledges one screencast frame on whichever CDP channel is
// current. The frame pump holds the Session, so acks keep working
// across recoveries.
func (s *Session) Ack(sessionID int) error {
	s.mu.Lock()
	cdp := s.cdp
	s.mu.Unlock()
	if cdp == nil {
		return types.ErrCDPChannelBroken
	}
	return cdp.Ack(sessionID)
}

// handles returns the current browser objects for closing.
func (s *Session) handles() (browser.Browser, browser.Page, browser.CDPSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser, s.page, s.cdp
}

// Manager owns all sessions. It is safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	driver browser.Driver

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a session manager over the given driver.
func NewManager(cfg *config.Config, driver browser.Driver) *Manager {
	return &Manager{
		cfg:      cfg,
		driver:   driver,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle session sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
	log.Info().
		Dur("sweep_interval", m.cfg.SessionSweepInterval).
		Dur("session_timeout", m.cfg.SessionTimeout).
		Msg("Session manager started")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns the session for a client and records the activity. A
// session already marked unhealthy is recovered synchronously so the
// command that triggered the lookup lands on a working browser.
func (m *Manager) Get(clientID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	m.mu.Unlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	sess.Touch()

	sess.mu.Lock()
	unhealthy := (sess.state == StateHealthy || sess.state == StateDegraded) &&
		sess.healthFailures >= m.cfg.MaxHealthCheckFailures
	sess.mu.Unlock()
	if unhealthy {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := m.Recover(ctx, clientID); err != nil {
			return nil, types.ErrSessionUnhealthy
		}
	}
	return sess, nil
}

// Create builds a new session for the client with retries. Each attempt
// launches a browser, opens a page at the black holding frame, arms CMP
// blocking, and opens the screencast CDP channel. Partially built
// attempts are torn down before the next try.
func (m *Manager) Create(ctx context.Context, clientID string, viewport types.Viewport, notify Notifier) (*Session, error) {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = types.DefaultViewport
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.SessionCreateRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * time.Second
			log.Warn().
				Err(lastErr).
				Str("client_id", clientID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Session create retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &types.SessionCreateError{ClientID: clientID, Err: ctx.Err()}
			}
		}

		sess, err := m.createOnce(ctx, clientID, viewport, notify)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	log.Error().
		Err(lastErr).
		Str("client_id", clientID).
		Int("attempts", m.cfg.SessionCreateRetries).
		Msg("Session create failed")
	return nil, &types.SessionCreateError{ClientID: clientID, Err: lastErr}
}

func (m *Manager) createOnce(ctx context.Context, clientID string, viewport types.Viewport, notify Notifier) (*Session, error) {
	b, err := m.driver.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	pg, cdp, err := m.buildPage(ctx, b, viewport)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	sess := &Session{
		ClientID:     clientID,
		browser:      b,
		page:         pg,
		cdp:          cdp,
		viewport:     viewport,
		state:        StateHealthy,
		lastActivity: time.Now(),
		notify:       notify,
		stopProbe:    make(chan struct{}),
	}
	m.armFailureHooks(sess, b, pg)

	m.mu.Lock()
	m.sessions[clientID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(sess)

	log.Info().
		Str("client_id", clientID).
		Int("width", viewport.Width).
		Int("height", viewport.Height).
		Msg("Session created")
	return sess, nil
}

// buildPage opens a page, arms CMP request blocking, parks it on the
// black holding frame, and opens the CDP channel.
func (m *Manager) buildPage(ctx context.Context, b browser.Browser, viewport types.Viewport) (browser.Page, browser.CDPSession, error) {
	pg, err := b.NewPage(ctx, viewport)
	if err != nil {
		return nil, nil, fmt.Errorf("new page: %w", err)
	}

	if err := pg.BlockCMPRequests(ctx); err != nil {
		log.Warn().Err(err).Msg("CMP request blocking unavailable for session")
	}

	navCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pg.Navigate(navCtx, browser.BlackPageURL(), browser.WaitDOMContentLoaded)
	cancel()
	if err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("initial navigation: %w", err)
	}

	cdp, err := pg.NewCDP(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("cdp channel: %w", err)
	}
	return pg, cdp, nil
}

// armFailureHooks marks the session unhealthy when the browser
// transport dies or the page crashes, so the next probe recovers it
// without waiting for failures to accumulate.
func (m *Manager) armFailureHooks(sess *Session, b browser.Browser, pg browser.Page) {
	b.OnDisconnect(func() {
		log.Warn().Str("client_id", sess.ClientID).Msg("Browser transport lost")
		m.markUnhealthy(sess)
	})
	pg.OnCrash(func() {
		log.Warn().Str("client_id", sess.ClientID).Msg("Page crashed")
		m.markUnhealthy(sess)
	})
}

// markUnhealthy pushes the failure count to the threshold so the probe
// loop triggers recovery on its next tick.
func (m *Manager) markUnhealthy(sess *Session) {
	sess.mu.Lock()
	if sess.state == StateHealthy || sess.state == StateDegraded {
		sess.healthFailures = m.cfg.MaxHealthCheckFailures
	}
	sess.mu.Unlock()
}

// StartScreencast enables the page domain and begins streaming frames
// at the default profile.
func (m *Manager) StartScreencast(ctx context.Context, clientID string, onFrame func(browser.Frame)) error {
	sess, err := m.Get(clientID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	cdp := sess.cdp
	sess.onFrame = onFrame
	sess.profile = browser.DefaultProfile
	sess.mu.Unlock()
	if cdp == nil {
		return types.ErrCDPChannelBroken
	}

	if err := cdp.EnablePage(ctx); err != nil {
		return fmt.Errorf("page enable: %w", err)
	}
	cdp.OnFrame(onFrame)
	if err := cdp.StartScreencast(ctx, browser.DefaultProfile); err != nil {
		return fmt.Errorf("start screencast: %w", err)
	}

	sess.mu.Lock()
	sess.screencastOn = true
	sess.mu.Unlock()

	log.Info().Str("client_id", clientID).Msg("Screencast started")
	return nil
}

// UpdateViewport resizes the page. A no-op when dimensions are
// unchanged; otherwise the screencast is restarted so frame sizes track
// the new viewport.
func (m *Manager) UpdateViewport(ctx context.Context, clientID string, v types.Viewport) error {
	sess, err := m.Get(clientID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.viewport == v {
		sess.mu.Unlock()
		return nil
	}
	pg := sess.page
	cdp := sess.cdp
	wasOn := sess.screencastOn
	profile := sess.profile
	sess.mu.Unlock()

	if pg == nil {
		return types.ErrSessionUnavailable
	}
	if err := pg.SetViewport(ctx, v); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if wasOn && cdp != nil {
		if err := cdp.StopScreencast(ctx); err != nil {
			log.Debug().Err(err).Str("client_id", clientID).Msg("Screencast stop before resize failed")
		}
		if err := cdp.StartScreencast(ctx, profile); err != nil {
			return fmt.Errorf("restart screencast: %w", err)
		}
	}

	sess.mu.Lock()
	sess.viewport = v
	sess.mu.Unlock()

	log.Info().
		Str("client_id", clientID).
		Int("width", v.Width).
		Int("height", v.Height).
		Msg("Viewport updated")
	return nil
}

// DegradeAll restarts every active screencast at the degraded profile.
// Called by the memory governor during emergencies.
func (m *Manager) DegradeAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		cdp := sess.cdp
		wasOn := sess.screencastOn
		if wasOn {
			sess.profile = browser.DegradedProfile
			if sess.state == StateHealthy {
				sess.state = StateDegraded
			}
		}
		sess.mu.Unlock()

		if !wasOn || cdp == nil {
			continue
		}
		if err := cdp.StopScreencast(ctx); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("Screencast stop for degrade failed")
			continue
		}
		if err := cdp.StartScreencast(ctx, browser.DegradedProfile); err != nil {
			log.Warn().Err(err).Str("client_id", sess.ClientID).Msg("Degraded screencast restart failed")
			continue
		}
		log.Info().Str("client_id", sess.ClientID).Msg("Screencast degraded under memory pressure")
	}
}

// Recover tears down a session's browser and rebuilds it in place,
// preserving the client binding and viewport. On success the client is
// told the session was recovered; on failure the session is removed.
func (m *Manager) Recover(ctx context.Context, clientID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	m.mu.Unlock()
	if !ok {
		return types.ErrSessionNotFound
	}

	sess.mu.Lock()
	if sess.state == StateRecovering || sess.state == StateTerminated {
		sess.mu.Unlock()
		return nil
	}
	sess.state = StateRecovering
	viewport := sess.viewport
	wasOn := sess.screencastOn
	onFrame := sess.onFrame
	notify := sess.notify
	sess.mu.Unlock()

	log.Warn().Str("client_id", clientID).Msg("Recovering session")
	m.closeHandles(sess)

	b, err := m.driver.Launch(ctx)
	var pg browser.Page
	var cdp browser.CDPSession
	if err == nil {
		pg, cdp, err = m.buildPage(ctx, b, viewport)
		if err != nil {
			_ = b.Close()
		}
	}
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("Session recovery failed, removing session")
		m.removeSession(sess)
		return fmt.Errorf("recovery: %w", err)
	}

	// The session may have been cleaned up or swept while the new
	// browser was launching. A terminated session must not come back to
	// life, so the fresh handles are closed instead of installed.
	sess.mu.Lock()
	if sess.state != StateRecovering {
		sess.mu.Unlock()
		log.Info().Str("client_id", clientID).Msg("Session terminated during recovery, discarding new browser")
		if closeErr := cdp.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Str("client_id", clientID).Msg("CDP close failed")
		}
		if closeErr := pg.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Str("client_id", clientID).Msg("Page close failed")
		}
		if closeErr := b.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Str("client_id", clientID).Msg("Browser close failed")
		}
		return types.ErrSessionUnavailable
	}
	sess.browser = b
	sess.page = pg
	sess.cdp = cdp
	sess.healthFailures = 0
	sess.state = StateHealthy
	sess.screencastOn = false
	sess.mu.Unlock()
	m.armFailureHooks(sess, b, pg)

	if wasOn && onFrame != nil {
		if err := m.StartScreencast(ctx, clientID, onFrame); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("Screencast restart after recovery failed")
		}
	}

	if notify != nil {
		if err := notify.Send(&types.Reply{
			Type:      types.MsgSessionRecovered,
			Status:    types.StatusOK,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			log.Debug().Err(err).Str("client_id", clientID).Msg("Recovery notification failed")
		}
	}

	metrics.SessionsRecovered.Inc()
	log.Info().Str("client_id", clientID).Msg("Session recovered")
	return nil
}

// Cleanup closes a client's session. Close errors are logged, never
// propagated; teardown must always complete.
func (m *Manager) Cleanup(clientID string) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if ok {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(sess)
	log.Info().Str("client_id", clientID).Msg("Session cleaned up")
}

// CleanupAll tears down every session in parallel. Used at shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			m.terminate(sess)
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("sessions", len(sessions)).Msg("All sessions cleaned up")
}

// Shutdown stops background loops and closes all sessions.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.stopCh)
	})
	m.CleanupAll()
	m.wg.Wait()
	log.Info().Msg("Session manager stopped")
}

func (m *Manager) terminate(sess *Session) {
	sess.mu.Lock()
	alreadyDone := sess.state == StateTerminated
	sess.state = StateTerminated
	stop := sess.stopProbe
	sess.mu.Unlock()
	if alreadyDone {
		return
	}
	if stop != nil {
		close(stop)
	}
	m.closeHandles(sess)
}

func (m *Manager) removeSession(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ClientID)
	m.mu.Unlock()
	m.terminate(sess)
}

// closeHandles closes the browser objects behind a session, swallowing
// errors. The handles are nilled out so late acks fail cleanly.
func (m *Manager) closeHandles(sess *Session) {
	b, pg, cdp := sess.handles()
	sess.mu.Lock()
	sess.browser = nil
	sess.page = nil
	sess.cdp = nil
	sess.screencastOn = false
	sess.mu.Unlock()

	if cdp != nil {
		if err := cdp.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("CDP close failed")
		}
	}
	if pg != nil {
		if err := pg.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("Page close failed")
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", sess.ClientID).Msg("Browser close failed")
		}
	}
}

// probeLoop runs the periodic health probe until the session stops.
// A probe pass checks transport liveness and page responsiveness;
// consecutive failures past the threshold trigger recovery.
func (m *Manager) probeLoop(sess *Session) {
	defer m.wg.Done()

	sess.mu.Lock()
	stop := sess.stopProbe
	sess.mu.Unlock()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(sess)
		case <-stop:
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) probeOnce(sess *Session) {
	sess.mu.Lock()
	state := sess.state
	b := sess.browser
	pg := sess.page
	sess.mu.Unlock()

	if state != StateHealthy && state != StateDegraded {
		return
	}

	err := m.healthProbe(b, pg)
	if err == nil {
		sess.mu.Lock()
		sess.healthFailures = 0
		sess.mu.Unlock()
		return
	}

	sess.mu.Lock()
	sess.healthFailures++
	failures := sess.healthFailures
	sess.mu.Unlock()

	log.Warn().
		Err(err).
		Str("client_id", sess.ClientID).
		Int("failures", failures).
		Int("threshold", m.cfg.MaxHealthCheckFailures).
		Msg("Health probe failed")

	if failures >= m.cfg.MaxHealthCheckFailures {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := m.Recover(ctx, sess.ClientID); err != nil {
			log.Error().Err(err).Str("client_id", sess.ClientID).Msg("Automatic recovery failed")
		}
		cancel()
	}
}

// healthProbe verifies the transport is up and the page still executes
// script. A trivial expression is evaluated so a wedged renderer fails
// the probe even while the transport looks alive.
func (m *Manager) healthProbe(b browser.Browser, pg browser.Page) error {
	if b == nil || pg == nil {
		return types.ErrBrowserDisconnected
	}
	if !b.Connected() {
		return types.ErrBrowserDisconnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthProbeTimeout)
	defer cancel()

	result, err := pg.Eval(ctx, "return 1 + 1")
	if err != nil {
		return fmt.Errorf("page eval probe: %w", err)
	}
	if result != "2" {
		return fmt.Errorf("page eval probe returned %q", result)
	}
	return nil
}

// sweep terminates sessions idle past the session timeout.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.SessionTimeout)

	m.mu.Lock()
	var stale []*Session
	for _, sess := range m.sessions {
		sess.mu.Lock()
		idle := sess.lastActivity.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			stale = append(stale, sess)
			delete(m.sessions, sess.ClientID)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		log.Info().Str("client_id", sess.ClientID).Msg("Sweeping idle session")
		m.terminate(sess)
	}
}

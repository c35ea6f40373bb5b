// Package gateway is the WebSocket front door: it authenticates
// clients, binds each connection to a browser session and frame pump,
// and runs the read and keepalive loops.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/fabric"
	"github.com/glancehq/glance/internal/memory"
	"github.com/glancehq/glance/internal/metrics"
	"github.com/glancehq/glance/internal/router"
	"github.com/glancehq/glance/internal/session"
	"github.com/glancehq/glance/internal/stream"
	"github.com/glancehq/glance/internal/types"
)

// Session creation is expensive; the breaker stops a broken browser
// install from burning a launch attempt per incoming connection.
const (
	createBreakerThreshold = 10
	createBreakerReset     = 60 * time.Second
)

// Keepalive tuning. Pings are skipped while the outbound buffer is
// already loaded; a peer silent past the dead-peer window is dropped.
const (
	pingInterval        = 30 * time.Second
	pingSkipBufferBytes = 1024 * 1024
	deadPeerTimeout     = 45 * time.Second
)

// maxInboundBytes caps a single client message.
const maxInboundBytes = 1 << 20

// Gateway owns the HTTP surface and per-connection lifecycles.
type Gateway struct {
	cfg      *config.Config
	manager  *session.Manager
	router   *router.Router
	governor *memory.Governor

	createBreaker *fabric.CircuitBreaker
	upgrader      websocket.Upgrader

	active    atomic.Int64
	startTime time.Time

	mu    sync.Mutex
	conns map[string]*wsChannel
}

// New creates the gateway over the session manager and governor.
func New(cfg *config.Config, manager *session.Manager, governor *memory.Governor) *Gateway {
	return &Gateway{
		cfg:           cfg,
		manager:       manager,
		router:        router.NewRouter(cfg, manager),
		governor:      governor,
		createBreaker: fabric.NewCircuitBreaker("session-create", createBreakerThreshold, createBreakerReset),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		conns:     make(map[string]*wsChannel),
	}
}

// Routes registers the gateway's HTTP handlers on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.Handle("/ws", Chain(http.HandlerFunc(g.handleWS), Recovery()))
	mux.Handle("/health", Chain(http.HandlerFunc(g.handleHealth), Recovery(), Logging(), CORS()))
	mux.Handle("/metrics", metrics.Handler())
}

// ActiveConnections returns the number of live clients.
func (g *Gateway) ActiveConnections() int {
	return int(g.active.Load())
}

// CloseAll force-closes every client channel. Used at shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	chans := make([]*wsChannel, 0, len(g.conns))
	for _, ch := range g.conns {
		chans = append(chans, ch)
	}
	g.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}

// handleWS runs one client connection from upgrade to teardown.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	ch := newWSChannel(conn)

	if err := g.authenticate(r); err != nil {
		metrics.AuthRejections.Inc()
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Connection rejected")
		_ = ch.Send(types.ErrorReply(types.MsgError, err))
		time.Sleep(100 * time.Millisecond)
		ch.Close()
		return
	}

	clientID, err := newClientID()
	if err != nil {
		log.Error().Err(err).Msg("Client id generation failed")
		ch.Close()
		return
	}

	g.active.Add(1)
	metrics.ActiveConnections.Inc()
	g.mu.Lock()
	g.conns[clientID] = ch
	g.mu.Unlock()

	logger := log.With().Str("client_id", clientID).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("Client connected")

	defer func() {
		g.teardown(clientID, ch)
		logger.Info().Msg("Client disconnected")
	}()

	if err := ch.Send(&types.Reply{
		Type:     types.MsgConnected,
		Status:   types.StatusOK,
		ClientID: clientID,
	}); err != nil {
		return
	}

	viewport := viewportFromQuery(r)

	var sess *session.Session
	createErr := g.createBreaker.Do(func() error {
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		var cErr error
		sess, cErr = g.manager.Create(ctx, clientID, viewport, ch)
		return cErr
	})
	g.publishBreakerState()
	if createErr != nil {
		metrics.SessionCreateFailures.Inc()
		logger.Error().Err(createErr).Msg("Session unavailable for client")
		_ = ch.Send(types.ErrorReply(types.MsgError, types.ErrSessionUnavailable))
		time.Sleep(100 * time.Millisecond)
		return
	}
	metrics.SessionsCreated.Inc()

	pump := stream.NewPump(clientID, ch, sess, g.cfg.FrameQueueMax, func() {
		logger.Warn().Msg("Frame channel broken, recovering session")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := g.manager.Recover(ctx, clientID); err != nil {
				logger.Error().Err(err).Msg("Recovery after broken frame channel failed")
			}
		}()
	})
	g.governor.RegisterClient(clientID, pump)
	defer pump.Close()

	if err := g.manager.StartScreencast(r.Context(), clientID, pump.OnFrame); err != nil {
		logger.Error().Err(err).Msg("Screencast start failed")
		_ = ch.Send(types.ErrorReply(types.MsgError, err))
		return
	}

	if err := ch.Send(&types.Reply{
		Type:     types.MsgSessionReady,
		Status:   types.StatusOK,
		ClientID: clientID,
	}); err != nil {
		return
	}

	g.readLoop(r.Context(), clientID, conn, ch, logger)
}

// commandQueueSize bounds pending commands per connection. The queue
// decouples handlers from the read loop so pong control frames keep
// being processed during a long navigation.
const commandQueueSize = 64

// readLoop consumes client messages until the socket dies. Commands run
// on a single per-connection worker so replies go out in the order the
// commands arrived.
func (g *Gateway) readLoop(ctx context.Context, clientID string, conn *websocket.Conn, ch *wsChannel, logger zerolog.Logger) {
	conn.SetReadLimit(maxInboundBytes)

	lastPong := atomic.Int64{}
	lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go g.pingLoop(ch, &lastPong, pingStop, logger)

	cmds := make(chan []byte, commandQueueSize)
	defer close(cmds)
	go func() {
		for data := range cmds {
			g.router.Dispatch(ctx, clientID, data, ch)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		lastPong.Store(time.Now().UnixNano())

		if t := peekType(data); t != "" {
			metrics.MessagesHandled.WithLabelValues(t).Inc()
		}
		cmds <- data
	}
}

// pingLoop keeps the peer alive and drops it after the dead-peer
// window. Pings are skipped while the outbound buffer is loaded; a
// slow client draining frames is alive, just busy.
func (g *Gateway) pingLoop(ch *wsChannel, lastPong *atomic.Int64, stop chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, lastPong.Load()))
			if silent > deadPeerTimeout {
				logger.Warn().Dur("silent", silent).Msg("Dead peer, closing connection")
				ch.Close()
				return
			}
			if ch.Buffered() > pingSkipBufferBytes {
				logger.Debug().Int("buffered", ch.Buffered()).Msg("Skipping ping under buffer pressure")
				continue
			}
			if err := ch.Ping(); err != nil {
				logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		case <-stop:
			return
		}
	}
}

// teardown releases everything bound to one client connection.
func (g *Gateway) teardown(clientID string, ch *wsChannel) {
	g.mu.Lock()
	delete(g.conns, clientID)
	g.mu.Unlock()

	ch.Close()
	g.governor.ClearClient(clientID)
	g.manager.Cleanup(clientID)
	g.active.Add(-1)
	metrics.ActiveConnections.Dec()
}

// authenticate validates the client token. The token comes from the
// token query parameter or an Authorization bearer header. Without a
// configured API key any non-empty token is accepted; with one, the
// comparison is constant-time.
func (g *Gateway) authenticate(r *http.Request) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = after
		}
	}
	if token == "" {
		return types.ErrAuthRequired
	}
	if g.cfg.APIKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.APIKey)) != 1 {
		return types.ErrAuthRejected
	}
	return nil
}

// viewportFromQuery reads optional width/height query parameters.
// Anything missing or invalid falls back to the default viewport.
func viewportFromQuery(r *http.Request) types.Viewport {
	v := types.Viewport{}
	if w := r.URL.Query().Get("width"); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			v.Width = n
		}
	}
	if h := r.URL.Query().Get("height"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			v.Height = n
		}
	}
	if v.Width <= 0 || v.Height <= 0 {
		return types.DefaultViewport
	}
	return v
}

// newClientID generates a random 32-hex-character client identifier.
func newClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// peekType extracts the type field without a full decode, for metrics.
func peekType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

func (g *Gateway) publishBreakerState() {
	if g.createBreaker.State().IsOpen {
		metrics.CircuitOpen.Set(1)
	} else {
		metrics.CircuitOpen.Set(0)
	}
}

// healthResponse is the /health JSON body.
type healthResponse struct {
	Status            string              `json:"status"`
	UptimeSeconds     int64               `json:"uptimeSeconds"`
	ActiveConnections int                 `json:"activeConnections"`
	CircuitBreaker    fabric.BreakerState `json:"circuitBreaker"`
	Timestamp         int64               `json:"timestamp"`
}

// handleHealth reports liveness and the session-create breaker state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := g.createBreaker.State()
	status := "ok"
	if state.IsOpen {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:            status,
		UptimeSeconds:     int64(time.Since(g.startTime).Seconds()),
		ActiveConnections: g.ActiveConnections(),
		CircuitBreaker:    state,
		Timestamp:         time.Now().UnixMilli(),
	})
}

// Package memory provides the process-wide memory governor. It samples
// heap usage on a fixed interval and degrades streaming quality or drops
// frame buffers when the process approaches its memory ceiling.
package memory

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/metrics"
)

// Pressure thresholds as percentages of the configured heap limit.
const (
	cleanupThresholdPct   = 85
	emergencyThresholdPct = 95

	// cleanupKeepFrames is how many recent frames survive a cleanup pass.
	cleanupKeepFrames = 2

	// minGCInterval prevents back-to-back forced collections.
	minGCInterval = 30 * time.Second
)

// PressureLevel describes the current memory state.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureCleanup
	PressureEmergency
)

// FrameTrimmer is the per-client frame queue the governor can shrink.
type FrameTrimmer interface {
	Trim(n int)
	DropAll()
}

// Degrader restarts every session's screencast at the degraded profile.
// Implemented by the session manager; wired in at boot.
type Degrader interface {
	DegradeAll(ctx context.Context)
}

// Governor is the process-wide memory watchdog. It is explicitly
// constructed and passed by reference so tests can substitute fakes.
type Governor struct {
	limitBytes     uint64
	sampleInterval time.Duration

	mu       sync.Mutex
	clients  map[string]FrameTrimmer
	degrader Degrader
	lastGC   time.Time
	level    PressureLevel

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// readHeap is swappable for tests.
	readHeap func() uint64
	// requestGC is swappable for tests.
	requestGC func()
}

// NewGovernor creates a governor sized from the configured memory ceiling.
func NewGovernor(cfg *config.Config) *Governor {
	return &Governor{
		limitBytes:     uint64(cfg.MaxMemoryMB) * 1024 * 1024,
		sampleInterval: cfg.MemorySampleInterval,
		clients:        make(map[string]FrameTrimmer),
		stopCh:         make(chan struct{}),
		readHeap: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		},
		requestGC: runtime.GC,
	}
}

// SetDegrader wires the session manager in after construction; the
// manager itself depends on the governor's client registry.
func (g *Governor) SetDegrader(d Degrader) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.degrader = d
}

// Start begins the sampling loop.
func (g *Governor) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sample()
			case <-g.stopCh:
				log.Debug().Msg("Memory governor stopping")
				return
			}
		}
	}()

	log.Info().
		Uint64("limit_mb", g.limitBytes/1024/1024).
		Dur("interval", g.sampleInterval).
		Msg("Memory governor started")
}

// RegisterClient adds a client's frame queue to the governor's registry.
func (g *Governor) RegisterClient(clientID string, t FrameTrimmer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[clientID] = t
}

// ClearClient removes a client on disconnect.
func (g *Governor) ClearClient(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, clientID)
}

// Level returns the pressure level observed at the last sample.
func (g *Governor) Level() PressureLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Sample reads heap usage and applies the threshold actions.
func (g *Governor) Sample() {
	used := g.readHeap()
	pct := float64(used) / float64(g.limitBytes) * 100

	switch {
	case pct >= emergencyThresholdPct:
		g.setLevel(PressureEmergency)
		log.Warn().
			Uint64("heap_mb", used/1024/1024).
			Float64("heap_pct", pct).
			Msg("Memory emergency: dropping frame buffers and degrading streams")
		g.emergency()
	case pct >= cleanupThresholdPct:
		g.setLevel(PressureCleanup)
		log.Info().
			Uint64("heap_mb", used/1024/1024).
			Float64("heap_pct", pct).
			Msg("Memory pressure: trimming frame queues")
		g.cleanup()
	default:
		g.setLevel(PressureNone)
		log.Debug().
			Uint64("heap_mb", used/1024/1024).
			Float64("heap_pct", pct).
			Msg("Memory sample")
	}
}

func (g *Governor) setLevel(l PressureLevel) {
	g.mu.Lock()
	g.level = l
	g.mu.Unlock()
	metrics.MemoryPressureLevel.Set(float64(l))
}

// cleanup trims every frame queue to its most recent entries and
// requests a collection if one has not run recently.
func (g *Governor) cleanup() {
	for _, t := range g.snapshotClients() {
		t.Trim(cleanupKeepFrames)
	}
	g.maybeGC()
}

// emergency drops every frame queue, forces a collection, and asks the
// session manager to restart all screencasts at the degraded profile.
func (g *Governor) emergency() {
	for _, t := range g.snapshotClients() {
		t.DropAll()
	}

	g.mu.Lock()
	g.lastGC = time.Now()
	degrader := g.degrader
	g.mu.Unlock()
	g.requestGC()

	if degrader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		degrader.DegradeAll(ctx)
	}
}

func (g *Governor) maybeGC() {
	g.mu.Lock()
	if time.Since(g.lastGC) <= minGCInterval {
		g.mu.Unlock()
		return
	}
	g.lastGC = time.Now()
	g.mu.Unlock()

	log.Debug().Msg("Requesting garbage collection")
	g.requestGC()
}

func (g *Governor) snapshotClients() []FrameTrimmer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]FrameTrimmer, 0, len(g.clients))
	for _, t := range g.clients {
		out = append(out, t)
	}
	return out
}

// Shutdown stops the sampling loop. Safe to call multiple times.
func (g *Governor) Shutdown() {
	g.once.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
	log.Info().Msg("Memory governor stopped")
}

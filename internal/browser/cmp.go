package browser

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed blocklist.yaml
var embeddedBlocklist []byte

// blocklistFile is the YAML shape of the blocklist.
type blocklistFile struct {
	Providers []string `yaml:"providers"`
}

// CMPBlocklist holds the consent-management provider host fragments.
// Reads are lock-free via atomic swap; an optional external file can
// override the embedded defaults and be hot-reloaded on change.
type CMPBlocklist struct {
	current      atomic.Value // []string
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCMPBlocklist loads the embedded defaults and, if externalPath is
// set, overrides them from the file. With hotReload, file changes
// trigger reloads; a bad file keeps the previous list.
func NewCMPBlocklist(externalPath string, hotReload bool) (*CMPBlocklist, error) {
	embedded, err := parseBlocklist(embeddedBlocklist)
	if err != nil {
		return nil, fmt.Errorf("embedded blocklist is invalid: %w", err)
	}

	b := &CMPBlocklist{
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	b.current.Store(embedded)

	if externalPath != "" {
		if err := b.Reload(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external blocklist, using embedded defaults")
		} else {
			log.Info().Str("path", externalPath).Msg("Loaded external CMP blocklist")
		}

		if hotReload {
			if err := b.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("Failed to start blocklist watcher, hot-reload disabled")
			} else {
				log.Info().Str("path", externalPath).Msg("Hot-reload enabled for CMP blocklist")
			}
		}
	}

	return b, nil
}

// Providers returns the current host fragment list.
func (b *CMPBlocklist) Providers() []string {
	return b.current.Load().([]string)
}

// MatchesURL reports whether the request URL's host contains any
// blocked provider fragment. Unparseable URLs are never blocked.
func (b *CMPBlocklist) MatchesURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, fragment := range b.Providers() {
		if strings.Contains(host, fragment) {
			return true
		}
	}
	return false
}

// Reload re-reads the external file and swaps in the new list.
func (b *CMPBlocklist) Reload() error {
	data, err := os.ReadFile(b.externalPath)
	if err != nil {
		return fmt.Errorf("failed to read blocklist: %w", err)
	}
	providers, err := parseBlocklist(data)
	if err != nil {
		return err
	}
	b.current.Store(providers)
	log.Debug().Int("providers", len(providers)).Msg("CMP blocklist reloaded")
	return nil
}

func parseBlocklist(data []byte) ([]string, error) {
	var file blocklistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse blocklist YAML: %w", err)
	}
	providers := make([]string, 0, len(file.Providers))
	for _, p := range file.Providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("blocklist contains no providers")
	}
	return providers, nil
}

// startWatcher starts the file watcher for hot-reload.
func (b *CMPBlocklist) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(b.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	b.watcher = watcher

	b.wg.Add(1)
	go b.watchFile()
	return nil
}

// watchFile coalesces rapid file changes and reloads after they settle.
func (b *CMPBlocklist) watchFile() {
	defer b.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := b.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", b.externalPath).
						Msg("Blocklist hot-reload failed, keeping previous list")
				}
			})

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Blocklist watcher error")

		case <-b.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (b *CMPBlocklist) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stopCh)
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
	b.wg.Wait()
	return nil
}

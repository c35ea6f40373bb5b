// Command glance runs the browser streaming gateway: one headless
// browser per WebSocket client, screencast frames out, input commands in.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/glancehq/glance/internal/browser"
	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/gateway"
	"github.com/glancehq/glance/internal/memory"
	"github.com/glancehq/glance/internal/session"
	"github.com/glancehq/glance/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner(cfg)

	blocklist, err := browser.NewCMPBlocklist(cfg.CMPBlocklistPath, cfg.CMPHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load CMP blocklist")
	}

	driver := browser.NewRodDriver(cfg, blocklist)
	governor := memory.NewGovernor(cfg)
	manager := session.NewManager(cfg, driver)
	governor.SetDegrader(manager)
	gw := gateway.New(cfg, manager, governor)

	governor.Start()
	manager.Start()

	mux := http.NewServeMux()
	gw.Routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Failed to listen")
	}
	listener = netutil.LimitListener(listener, cfg.MaxConnections)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Int("max_connections", cfg.MaxConnections).
			Msg("Gateway listening")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete, forcing close")
		_ = server.Close()
	}
	gw.CloseAll()
	manager.Shutdown()
	governor.Shutdown()
	_ = blocklist.Close()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog. Console output is used on a TTY,
// JSON otherwise.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func printBanner(cfg *config.Config) {
	mode := "local launch"
	if cfg.RemoteAttach() {
		mode = "remote attach"
	}
	log.Info().
		Str("version", version.Full()).
		Str("go", version.GoVersion()).
		Str("browser_mode", mode).
		Bool("headless", cfg.Headless).
		Bool("auth_enforced", cfg.APIKey != "").
		Msg("Glance browser streaming gateway")
}

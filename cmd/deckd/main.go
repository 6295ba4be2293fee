// Command deckd launches the market data distribution daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/internal/arbiter"
	"github.com/marketdeck/marketdeck/internal/bus/eventbus"
	"github.com/marketdeck/marketdeck/internal/query"
	httpserver "github.com/marketdeck/marketdeck/internal/server/http"
	"github.com/marketdeck/marketdeck/internal/state"
	"github.com/marketdeck/marketdeck/internal/stream"
	"github.com/marketdeck/marketdeck/lib/telemetry"
)

const (
	defaultConfigPath        = "config/deckd.yaml"
	deckdLoggerPrefix        = "[deckd] "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	dataBusShutdownTimeout   = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDeckdLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, symbols=%d", cfg.Environment, len(cfg.Stream.Symbols))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})

	adapter := buildAdapter(logger, cfg.Stream)
	queryClient := query.NewClient(cfg.Query, query.Options{})

	controller := arbiter.New(cfg.Poll, arbiter.Deps{
		Bus:     bus,
		Adapter: adapter,
		Query:   queryClient,
		Logger:  log.New(os.Stdout, "[arbiter] ", log.LstdFlags|log.Lmicroseconds),
	})

	market := state.NewMarketStore(cfg.Sink, log.New(os.Stdout, "[market] ", log.LstdFlags|log.Lmicroseconds))
	trading := state.NewTradingStore(cfg.Sink, nil, log.New(os.Stdout, "[trading] ", log.LstdFlags|log.Lmicroseconds))

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := market.Run(ctx, bus); err != nil && ctx.Err() == nil {
			logger.Printf("market projection stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := trading.Run(ctx, bus); err != nil && ctx.Err() == nil {
			logger.Printf("trading projection stopped: %v", err)
		}
	})
	// Seed before the controller runs so its startup bootstrap sees the
	// default focus.
	seedSubscriptions(logger, controller, cfg)
	lifecycle.Go(func() {
		if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("arbitration controller stopped: %v", err)
		}
	})

	apiServer := buildAPIServer(cfg.Server, controller, market, trading)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("deckd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		adapter:    adapter,
		dataBus:    bus,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDeckdLogger() *log.Logger {
	return log.New(os.Stdout, deckdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// buildAdapter picks the push transport: a live websocket feed when a stream
// URL is configured, otherwise the simulated feed.
func buildAdapter(logger *log.Logger, cfg config.StreamSettings) stream.Adapter {
	if cfg.URL != "" {
		logger.Printf("stream transport: websocket %s", cfg.URL)
		return stream.NewWSFeed(cfg, stream.WSOptions{})
	}
	logger.Print("stream transport: simulated feed (no stream URL configured)")
	return stream.NewSimFeed(cfg, stream.SimOptions{})
}

func seedSubscriptions(logger *log.Logger, controller *arbiter.Controller, cfg config.Settings) {
	for _, symbol := range cfg.Stream.Symbols {
		if err := controller.Subscribe(symbol); err != nil {
			logger.Printf("subscribe %s: %v", symbol, err)
		}
	}
	if focus := cfg.Sink.DefaultFocus; focus != "" {
		if err := controller.SetFocus(focus); err != nil {
			logger.Printf("set focus %s: %v", focus, err)
		}
	}
	logger.Printf("subscriptions seeded: %d, focus=%s", len(controller.Subscriptions()), controller.Focus())
}

func buildAPIServer(cfg config.ServerSettings, controller *arbiter.Controller, market *state.MarketStore, trading *state.TradingStore) *http.Server {
	handler := httpserver.NewHandler(controller, market, trading)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	adapter    stream.Adapter
	dataBus    *eventbus.MemoryBus
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.adapter != nil {
		logger.Print("shutdown: closing stream adapter")
		cfg.adapter.Close()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dataBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

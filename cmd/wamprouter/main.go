// Command wamprouter запускает WAMP-роутер на одну realm.
//
// Usage:
//
//	wamprouter [-addr :8080] [-config file] [-log-level info] [-trace file]
//
// Конфиг (yaml или toml) задаёт realm, путь websocket и секреты WAMP-CRA.
// Флаги перекрывают значения из файла.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/service-mesh/wamp/internal/config"
	"github.com/LLIEPJIOK/service-mesh/wamp/internal/logging"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/router"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/trace"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path (yaml or toml)")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
		tracePath  = flag.String("trace", "", "Write CBOR frame trace to file")
	)
	flag.Parse()

	if err := run(*configPath, *addr, *logLevel, *tracePath); err != nil {
		fmt.Fprintf(os.Stderr, "wamprouter: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr, logLevel, tracePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if addr != "" {
		cfg.Router.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if tracePath != "" {
		cfg.Router.Trace = tracePath
	}

	logger := logging.New(cfg.Log.Level, os.Stderr)

	rcfg := router.DefaultConfig()
	rcfg.Realm = wamp.URI(cfg.Router.Realm)
	rcfg.Secrets = cfg.Router.Secrets
	rcfg.HandshakeTimeout = cfg.Router.HandshakeTimeout
	rcfg.Logger = logger

	recorders := []trace.Recorder{trace.NewSlogRecorder(logger)}
	if cfg.Router.Trace != "" {
		file, err := trace.NewFileRecorder(cfg.Router.Trace, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := file.Close(); err != nil {
				logger.Warn("trace close failed", "error", err)
			}
		}()

		recorders = append(recorders, file)
	}
	rcfg.Tracer = trace.Tracer{Recorder: trace.Multi(recorders...)}

	r := router.New(rcfg)

	mux := http.NewServeMux()
	mux.Handle(cfg.Router.Path, r)

	srv := &http.Server{
		Addr:              cfg.Router.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("router listening", "addr", srv.Addr, "path", cfg.Router.Path, "realm", rcfg.Realm)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen failed: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		// Сессии закрываем сами: Shutdown http-сервера не ждёт hijacked соединения
		r.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("router stopped", "error", err)
		return err
	}

	return nil
}

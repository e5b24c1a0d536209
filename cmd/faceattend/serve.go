package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/faceattend/internal/application"
	"github.com/example/faceattend/internal/classifier"
	"github.com/example/faceattend/internal/directory"
	httptransport "github.com/example/faceattend/internal/http"
	"github.com/example/faceattend/internal/protocol"
	"github.com/example/faceattend/internal/recognition"
	"github.com/example/faceattend/internal/session"
	"github.com/example/faceattend/internal/telemetry"
	"github.com/example/faceattend/internal/workerpool"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recognition WebSocket and the enrollment API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("iface", "", "interface to bind (default 127.0.0.1)")
	flags.Int("port", 0, "WebSocket port (default 9000)")
	flags.Int("web-port", 0, "enrollment API and static file port, 0 disables it (default 8080)")
	flags.String("web-dir", "", "static web directory served on the web port")
	flags.Bool("enable-ssl", false, "serve both listeners over TLS")
	flags.String("ssl-key", "", "TLS private key file")
	flags.String("ssl-crt", "", "TLS certificate file")
	bindFlag(a.v, "server.iface", flags.Lookup("iface"))
	bindFlag(a.v, "server.port", flags.Lookup("port"))
	bindFlag(a.v, "server.web_port", flags.Lookup("web-port"))
	bindFlag(a.v, "server.web_dir", flags.Lookup("web-dir"))
	bindFlag(a.v, "tls.enabled", flags.Lookup("enable-ssl"))
	bindFlag(a.v, "tls.key", flags.Lookup("ssl-key"))
	bindFlag(a.v, "tls.crt", flags.Lookup("ssl-crt"))
	return cmd
}

// servers is the running shape of the serve command. web is nil when the
// web port is disabled. closers run in reverse order after both listeners
// stop.
type servers struct {
	ws      *http.Server
	web     *http.Server
	closers []func(context.Context) error
}

func (s *servers) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *servers) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// buildServers loads every process-wide cache before any listener exists.
// On error everything already opened is released.
func (a *app) buildServers(ctx context.Context) (_ *servers, err error) {
	cfg := a.cfg
	logger := a.logger
	if err := cfg.RequireClassifier(); err != nil {
		return nil, err
	}

	s := &servers{}
	defer func() {
		if err != nil {
			if cerr := s.close(context.Background()); cerr != nil {
				logger.Error("failed to release resources", "error", cerr)
			}
		}
	}()

	store, err := openMigratedStore(ctx, cfg.DB, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) error { return store.Close() })

	roster, err := directory.Load(ctx, newStoreDirectoryLoader(store))
	if err != nil {
		return nil, err
	}
	logger.Info("employee directory loaded", "employees", roster.Len())

	model, err := classifier.Load(cfg.Classifier.ModelLocation)
	if err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	logger.Info("classifier loaded", "path", cfg.Classifier.ModelLocation, "labels", len(model.Labels()), "dimension", model.Dimension())

	engine, err := a.newEngine(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("start face engine: %w", err)
	}
	s.onClose(func(context.Context) error { return engine.Close() })

	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry.OTLPEndpoint, serviceName)
	if err != nil {
		return nil, err
	}
	providers.SetGlobal()
	s.onClose(providers.Shutdown)
	metrics, err := telemetry.NewMetrics(providers.MeterProvider, providers.TracerProvider)
	if err != nil {
		return nil, err
	}

	if r, ok := engine.(restartCounter); ok {
		if err := metrics.ObserveEngineRestarts(r.Restarts); err != nil {
			return nil, err
		}
	}

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("connect event sinks: %w", err)
	}
	s.onClose(func(context.Context) error { return publisher.Close() })
	if d, ok := publisher.(dropCounter); ok {
		if err := metrics.ObserveEventsDropped(d.Dropped); err != nil {
			return nil, err
		}
	}

	pipeline, err := recognition.NewPipeline(recognition.Config{
		Detector:   engine,
		Encoder:    engine,
		Classifier: model,
		Directory:  roster,
		Timeout:    cfg.Pipeline.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	pool := workerpool.New(cfg.Pipeline.Workers, cfg.Pipeline.Queue, logger)
	s.onClose(func(context.Context) error { pool.Close(); return nil })

	handler, err := protocol.NewHandler(protocol.Config{
		Sessions:   session.NewRegistry(store, session.Options{Logger: logger}),
		Pipeline:   pipeline,
		Pool:       pool,
		Events:     publisher,
		Metrics:    metrics,
		QueueDepth: cfg.Pipeline.ConnQueue,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	stream := httptransport.NewStreamHandler(httptransport.StreamConfig{Protocol: handler, Logger: logger})
	s.ws = a.newHTTPServer(ctx, cfg.Server.Port, httptransport.RequestLogger(logger)(stream))

	if cfg.Server.WebPort > 0 {
		adminKey, err := application.NewAdminKey(cfg.Admin.KeyHash)
		if err != nil {
			return nil, fmt.Errorf("admin key: %w", err)
		}
		enrollment := application.NewEnrollmentService(store, engine, application.DefaultEnrollmentTimeout, logger)
		router := httptransport.NewRouter(httptransport.RouterConfig{
			Enrollment: httptransport.NewEnrollmentHandler(enrollment, logger),
			AdminKey:   adminKey,
			StaticDir:  cfg.Server.WebDir,
			Middleware: []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
			Logger:     logger,
		})
		s.web = a.newHTTPServer(ctx, cfg.Server.WebPort, router)
	}
	return s, nil
}

// newHTTPServer derives request contexts from ctx so hijacked WebSocket
// connections end when the process is asked to stop.
func (a *app) newHTTPServer(ctx context.Context, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Server.Iface, strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
}

func (a *app) serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	s, err := a.buildServers(ctx)
	if err != nil {
		return err
	}
	logger := a.logger

	listeners := []*http.Server{s.ws}
	if s.web != nil {
		listeners = append(listeners, s.web)
	}

	errCh := make(chan error, len(listeners))
	for _, srv := range listeners {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr, "tls", a.cfg.TLS.Enabled)
			var err error
			if a.cfg.TLS.Enabled {
				err = srv.ListenAndServeTLS(a.cfg.TLS.Crt, a.cfg.TLS.Key)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server encountered error", "error", serveErr)
		}
	}

	// Open WebSocket connections watch ctx; Shutdown does not track them.
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range listeners {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "addr", srv.Addr, "error", err)
		}
	}
	if err := s.close(shutdownCtx); err != nil {
		logger.Error("failed to release resources", "error", err)
	}
	return serveErr
}

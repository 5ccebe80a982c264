package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bcdev/calvalus-portal/internal/lock"
	"github.com/bcdev/calvalus-portal/internal/metrics"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/uds"
)

// DaemonConfig holds what the daemon needs besides the collector itself.
type DaemonConfig struct {
	SocketPath      string
	LockPath        string
	ListenAddr      string
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// StatusReport is the answer to the status command and GET /status.
type StatusReport struct {
	PID      int              `json:"pid"`
	Status   Status           `json:"status"`
	Progress model.WorkStatus `json:"progress"`
	Last     CycleResult      `json:"last_cycle"`
}

// Daemon runs collector cycles periodically and serves the control socket
// and, when configured, an HTTP endpoint.
type Daemon struct {
	cfg       DaemonConfig
	collector *Collector
	logger    zerolog.Logger

	fileLock *lock.FileLock
	server   *uds.Server
	httpSrv  *http.Server
	httpAddr string
	ticker   *time.Ticker

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

func NewDaemon(cfg DaemonConfig, c *Collector, logger zerolog.Logger) *Daemon {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "daemon").Logger()
	return &Daemon{
		cfg:       cfg,
		collector: c,
		logger:    logger,
		fileLock:  lock.NewFileLock(cfg.LockPath),
		server:    uds.NewServer(cfg.SocketPath, logger),
	}
}

// Run starts the daemon and blocks until ctx is cancelled, a shutdown is
// requested over the socket or SIGINT/SIGTERM arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.fileLock.TryLock(); err != nil {
		d.cancel()
		return fmt.Errorf("collector lock: %w", err)
	}
	d.logger.Info().Int("pid", os.Getpid()).Msg("collector daemon starting")

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.fileLock.Unlock()
		d.cancel()
		return fmt.Errorf("start control socket: %w", err)
	}

	if d.cfg.ListenAddr != "" {
		if err := d.startHTTP(); err != nil {
			d.server.Stop()
			d.fileLock.Unlock()
			d.cancel()
			return err
		}
	}

	d.ticker = time.NewTicker(d.cfg.PollInterval)
	d.wg.Add(2)
	go d.tickerLoop()
	go d.waitSignals()

	d.logger.Info().Str("socket", d.cfg.SocketPath).Dur("poll_interval", d.cfg.PollInterval).Msg("collector daemon ready")

	<-d.ctx.Done()
	d.Shutdown()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle(uds.CommandStatus, func(context.Context, *uds.Request) *uds.Response {
		report, err := d.report()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(report)
	})

	d.server.Handle(uds.CommandCollect, func(ctx context.Context, _ *uds.Request) *uds.Response {
		res, err := d.collector.Collect(ctx)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(res)
	})

	d.server.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info().Msg("shutdown requested via control socket")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) report() (StatusReport, error) {
	st, err := d.collector.Status()
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		PID:      os.Getpid(),
		Status:   st,
		Progress: d.collector.Progress(),
		Last:     d.collector.LastResult(),
	}, nil
}

// Router serves /healthz, /status and /metrics.
func (d *Daemon) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		report, err := d.report()
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (d *Daemon) startHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.httpAddr = ln.Addr().String()
	d.httpSrv = &http.Server{Handler: d.Router(), ReadHeaderTimeout: 10 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	d.logger.Info().Str("addr", d.httpAddr).Msg("http endpoint listening")
	return nil
}

// HTTPAddr is the bound address of the HTTP endpoint, empty if disabled.
func (d *Daemon) HTTPAddr() string { return d.httpAddr }

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	d.runCycle()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runCycle()
		}
	}
}

func (d *Daemon) runCycle() {
	if _, err := d.collector.Collect(d.ctx); err != nil && d.ctx.Err() == nil {
		d.logger.Warn().Err(err).Msg("scheduled cycle failed")
	}
}

// waitSignals cancels the daemon on the first signal and exits hard on
// the second.
func (d *Daemon) waitSignals() {
	defer d.wg.Done()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-d.ctx.Done():
		return
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	}

	go func() {
		<-sigCh
		d.logger.Warn().Msg("received second signal, forcing exit")
		os.Exit(1)
	}()
	d.cancel()
}

// Shutdown stops the daemon. Safe to call more than once.
func (d *Daemon) Shutdown() {
	if d.cancel == nil {
		return
	}
	d.shutdown.Do(func() {
		d.logger.Info().Msg("shutdown started")
		d.cancel()

		if d.ticker != nil {
			d.ticker.Stop()
		}
		d.server.Stop()
		if d.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
			if err := d.httpSrv.Shutdown(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("http shutdown")
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info().Msg("all goroutines drained")
		case <-time.After(d.cfg.ShutdownTimeout):
			d.logger.Warn().Dur("timeout", d.cfg.ShutdownTimeout).Msg("shutdown timed out, a cycle may be incomplete")
		}

		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Warn().Err(err).Msg("release lock")
		}
		d.logger.Info().Msg("collector daemon stopped")
	})
}

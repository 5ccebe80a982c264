// Package portal keeps a user's view of the Calvalus production list up to
// date: it periodically merges backend snapshots into the local list,
// watches unfinished productions and orders requests dropped into an inbox.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bcdev/calvalus-portal/internal/backend"
	"github.com/bcdev/calvalus-portal/internal/events"
	"github.com/bcdev/calvalus-portal/internal/metrics"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
	"github.com/bcdev/calvalus-portal/internal/notify"
	"github.com/bcdev/calvalus-portal/internal/productions"
	"github.com/bcdev/calvalus-portal/internal/store"
)

// ErrClosed is returned by actions on a session after Close.
var ErrClosed = errors.New("portal session closed")

// Source delivers production snapshots and single production states.
type Source interface {
	GetProductions(ctx context.Context, filter string) ([]model.Production, error)
	GetProduction(ctx context.Context, id string) (model.Production, error)
}

// Backend is the full set of calls a Session makes.
type Backend interface {
	Source
	OrderProduction(ctx context.Context, req *model.ProductionRequest) (backend.OrderResult, error)
	CancelProductions(ctx context.Context, ids []string) error
	DeleteProductions(ctx context.Context, ids []string) error
	StageProductions(ctx context.Context, ids []string) error
}

type Option func(*Session)

func WithBus(b *events.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithStore persists every changed list and seeds the session from the
// last persisted one.
func WithStore(st *store.ProductionStore) Option {
	return func(s *Session) { s.store = st }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// monitorStartLimit bounds how many first polls run at once during a
// refresh.
const monitorStartLimit = 8

type watched struct {
	phase backend.Phase
	// from is the listed status of phase when the monitor was started.
	from   model.WorkStatus
	handle *monitor.Handle
}

type Session struct {
	backend  Backend
	cfg      model.PortalConfig
	filter   string
	policy   monitor.FailurePolicy
	interval time.Duration

	list   *productions.List
	syncer *productions.Synchronizer

	bus      *events.Bus
	store    *store.ProductionStore
	notifier notify.Notifier
	logger   zerolog.Logger

	group  singleflight.Group
	syncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	monMu    sync.Mutex
	monitors map[string]*watched
	closed   bool
}

func New(b Backend, cfg model.PortalConfig, opts ...Option) (*Session, error) {
	policy, err := monitor.ParseFailurePolicy(cfg.FailurePolicy, cfg.MaxConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.MonitorIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &Session{
		backend:  b,
		cfg:      cfg,
		filter:   model.NormalizeFilter(cfg.Filter, cfg.User),
		policy:   policy,
		interval: interval,
		list:     productions.NewList(),
		notifier: notify.Discard{},
		logger:   zerolog.Nop(),
		monitors: make(map[string]*watched),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "portal").Str("filter", s.filter).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.syncer = productions.NewSynchronizer(s.list,
		productions.WithOnChange(s.publishChange),
		productions.WithLogger(s.logger),
	)

	if s.store != nil {
		cached, err := s.store.LoadProductions(s.filter)
		switch {
		case err == nil:
			s.list.Restore(cached)
			s.logger.Debug().Int("productions", len(cached)).Msg("restored cached list")
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn().Err(err).Msg("ignoring unreadable cached list")
		}
	}
	return s, nil
}

// List is the live production list. Only the session writes to it.
func (s *Session) List() *productions.List { return s.list }

func (s *Session) Filter() string { return s.filter }

// Refresh fetches a snapshot and merges it into the list. Concurrent calls
// share one fetch. When the fetch fails the list stays as it is and the
// error is returned.
func (s *Session) Refresh(ctx context.Context) (productions.Result, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return productions.Result{}, err
	}
	return v.(productions.Result), nil
}

func (s *Session) refresh(ctx context.Context) (productions.Result, error) {
	snapshot, err := s.backend.GetProductions(ctx, s.filter)
	if err != nil {
		metrics.SnapshotFailures.Inc()
		s.logger.Warn().Err(err).Msg("snapshot fetch failed, list unchanged")
		return productions.Result{}, fmt.Errorf("fetch productions: %w", err)
	}

	s.syncMu.Lock()
	res := s.syncer.Sync(snapshot)
	s.syncMu.Unlock()

	if res.Changed() && s.store != nil {
		if err := s.store.SaveProductions(s.filter, s.list.Snapshot(), time.Now()); err != nil {
			s.logger.Error().Err(err).Msg("persist production list")
		}
	}
	s.reconcileMonitors()
	return res, nil
}

func (s *Session) publishChange(res productions.Result) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"filter":  s.filter,
		"added":   res.Added,
		"removed": res.Removed,
		"updated": res.Updated,
	}
	if res.ListChanged {
		s.bus.Publish(events.EventListChanged, data)
	} else if res.PropertyChanged {
		s.bus.Publish(events.EventPropertiesChanged, data)
	}
}

// watchPhase tells which status of p still needs watching.
func watchPhase(p *model.Production) (backend.Phase, bool) {
	if !p.ProcessingStatus.IsDone() {
		return backend.Processing, true
	}
	if p.AutoStaging && p.ProcessingStatus.State == model.StateCompleted && !p.StagingStatus.IsDone() {
		return backend.Staging, true
	}
	return 0, false
}

func phaseStatus(p *model.Production, phase backend.Phase) model.WorkStatus {
	if phase == backend.Staging {
		return p.StagingStatus
	}
	return p.ProcessingStatus
}

type pending struct {
	id    string
	name  string
	phase backend.Phase
	from  model.WorkStatus
}

// reconcileMonitors starts a monitor for every unfinished production that
// has none and stops monitors of productions that left the list. A monitor
// that already ended on a terminal sample is not restarted while the listed
// status is still the one it was started from.
func (s *Session) reconcileMonitors() {
	var todo []pending
	live := make(map[string]bool)

	s.list.View(func(items []*model.Production) {
		s.monMu.Lock()
		defer s.monMu.Unlock()
		if s.closed {
			return
		}
		for _, p := range items {
			live[p.ID] = true
			phase, ok := watchPhase(p)
			if !ok {
				continue
			}
			from := phaseStatus(p, phase)
			if w, found := s.monitors[p.ID]; found && w.phase == phase {
				if w.handle.Active() || (w.handle.Stopped() && w.from.Equal(from)) {
					continue
				}
			}
			todo = append(todo, pending{id: p.ID, name: p.Name, phase: phase, from: from})
		}
		for id, w := range s.monitors {
			if !live[id] {
				w.handle.Stop()
				delete(s.monitors, id)
				s.logger.Debug().Str("production", id).Msg("stopped monitor of removed production")
			}
		}
	})

	var g errgroup.Group
	g.SetLimit(monitorStartLimit)
	for _, p := range todo {
		g.Go(func() error {
			s.startMonitor(p)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) startMonitor(p pending) {
	m := monitor.New(backend.StatusReporter(s.backend, p.id, p.phase),
		monitor.WithFailurePolicy(s.policy),
		monitor.WithLogger(s.logger),
		monitor.WithName(p.id+"/"+p.phase.String()),
	)
	m.AddObserver(s.observerFor(p))

	h, err := m.Start(s.ctx, s.interval)
	if err != nil {
		s.logger.Error().Err(err).Str("production", p.id).Msg("start monitor")
		return
	}

	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.closed {
		h.Stop()
		return
	}
	if old, ok := s.monitors[p.id]; ok {
		old.handle.Stop()
	}
	s.monitors[p.id] = &watched{phase: p.phase, from: p.from, handle: h}
}

func (s *Session) observerFor(p pending) monitor.Observer {
	data := func(ws model.WorkStatus) map[string]any {
		return map[string]any{
			"production_id": p.id,
			"name":          p.name,
			"phase":         p.phase.String(),
			"state":         string(ws.State),
			"progress":      ws.Progress,
			"message":       ws.Message,
		}
	}
	return monitor.ObserverFuncs{
		Started: func(ws model.WorkStatus) {
			s.publish(events.EventProductionStarted, data(ws))
		},
		Progressing: func(ws model.WorkStatus) {
			s.publish(events.EventProductionProgress, data(ws))
		},
		Stopped: func(ws model.WorkStatus) {
			s.publish(events.EventProductionStopped, data(ws))
			s.logger.Info().Str("production", p.id).Str("phase", p.phase.String()).Str("state", string(ws.State)).Msg("production stopped")
			if s.cfg.Notify {
				title := fmt.Sprintf("Calvalus %s %s", p.phase, ws.State)
				if err := s.notifier.Send(title, p.name); err != nil {
					s.logger.Debug().Err(err).Msg("desktop notification failed")
				}
			}
		},
	}
}

func (s *Session) publish(t events.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

// Watching returns the ids that currently have an active monitor.
func (s *Session) Watching() []string {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	var ids []string
	for id, w := range s.monitors {
		if w.handle.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Order validates and submits req, then refreshes the list.
func (s *Session) Order(ctx context.Context, req *model.ProductionRequest) (backend.OrderResult, error) {
	if s.isClosed() {
		return backend.OrderResult{}, ErrClosed
	}
	if req.UserName == "" {
		req.UserName = s.cfg.User
	}
	if err := req.Validate(); err != nil {
		return backend.OrderResult{}, err
	}
	res, err := s.backend.OrderProduction(ctx, req)
	if err != nil {
		return backend.OrderResult{}, fmt.Errorf("order %s production: %w", req.ProductionType, err)
	}
	s.publish(events.EventProductionOrdered, map[string]any{
		"production_id":   res.Production.ID,
		"production_type": req.ProductionType,
		"message":         res.Message,
	})
	s.refreshAfterAction(ctx)
	return res, nil
}

func (s *Session) Cancel(ctx context.Context, ids ...string) error {
	return s.act(ctx, "cancel", s.backend.CancelProductions, ids)
}

func (s *Session) Delete(ctx context.Context, ids ...string) error {
	return s.act(ctx, "delete", s.backend.DeleteProductions, ids)
}

func (s *Session) Stage(ctx context.Context, ids ...string) error {
	return s.act(ctx, "stage", s.backend.StageProductions, ids)
}

func (s *Session) act(ctx context.Context, verb string, call func(context.Context, []string) error, ids []string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return fmt.Errorf("%s: no production ids given", verb)
	}
	if err := call(ctx, ids); err != nil {
		return fmt.Errorf("%s productions: %w", verb, err)
	}
	s.logger.Info().Strs("productions", ids).Msgf("%s requested", verb)
	s.refreshAfterAction(ctx)
	return nil
}

func (s *Session) refreshAfterAction(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("refresh after action failed")
	}
}

// Run refreshes the list every sync interval and serves the inbox until
// ctx is cancelled. All monitors are stopped on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	syncInterval := time.Duration(s.cfg.SyncIntervalSec) * time.Second
	if syncInterval <= 0 {
		syncInterval = 10 * time.Second
	}

	var inbox *Inbox
	if s.cfg.InboxDir != "" {
		inbox = NewInbox(s.cfg.InboxDir, func(ctx context.Context, req *model.ProductionRequest) error {
			_, err := s.Order(ctx, req)
			return err
		}, s.cfg.DebounceSec, s.logger)
	}

	s.logger.Info().Dur("sync_interval", syncInterval).Dur("monitor_interval", s.interval).Msg("portal session started")
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial refresh failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_, _ = s.Refresh(ctx)
				if inbox != nil {
					if err := inbox.Scan(ctx); err != nil && ctx.Err() == nil {
						s.logger.Error().Err(err).Msg("inbox scan failed")
					}
				}
			}
		}
	})
	if inbox != nil {
		g.Go(func() error {
			return inbox.Watch(ctx)
		})
	}

	err := g.Wait()
	s.logger.Info().Msg("portal session stopped")
	return err
}

func (s *Session) isClosed() bool {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	return s.closed
}

// Close stops all monitors. The session cannot start new ones afterwards.
func (s *Session) Close() {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for id, w := range s.monitors {
		w.handle.Stop()
		delete(s.monitors, id)
	}
}

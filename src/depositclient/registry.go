package depositclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var errShutDown = errors.New("registry is shut down")

// Registry keeps exactly one Supervisor per active deposit source and runs the
// periodic reconciliation sweep that revives connections which fell idle.
type Registry struct {
	cfg      ClientConfig
	provider SourceProvider
	deps     supervisorDeps
	logger   *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	supervisors map[model.SourceID]*Supervisor
	startup     slotTimer
	sweep       slotTimer
	poll        slotTimer
	stopped     bool
	wg          sync.WaitGroup
}

// NewRegistry expects cfg to have its defaults applied already.
func NewRegistry(cfg ClientConfig, provider SourceProvider, dialer Dialer, ingestor Ingestor,
	diag *diaglog.Log, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		provider: provider,
		deps: supervisorDeps{
			cfg:      cfg,
			dialer:   dialer,
			ingestor: ingestor,
			diag:     diag,
			clock:    clk,
			logger:   logger,
		},
		logger:      logger.Named("registry"),
		ctx:         context.Background(),
		cancel:      func() {},
		supervisors: map[model.SourceID]*Supervisor{},
		startup:     slotTimer{clock: clk},
		sweep:       slotTimer{clock: clk},
		poll:        slotTimer{clock: clk},
	}
}

func (r *Registry) global(level diaglog.Level, message string) {
	r.deps.diag.Append(level, nil, message)
}

// Start loads the active sources after the startup delay and schedules the
// reconciliation sweep. ctx bounds the provider calls made on the way.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	ctx = r.ctx
	r.sweep.arm(r.cfg.ReconcileInterval, r.onSweep)
	if r.cfg.SourcePollInterval > 0 {
		r.poll.arm(r.cfg.SourcePollInterval, r.onPoll)
	}
	delay := r.cfg.StartupDelay
	if delay > 0 {
		r.global(diaglog.LevelInfo, fmt.Sprintf("loading deposit sources in %s", delay))
		r.startup.arm(delay, r.onStartup)
	}
	r.mu.Unlock()

	if delay <= 0 {
		r.startSources(ctx)
	}
}

func (r *Registry) onStartup(gen uint64) {
	r.mu.Lock()
	if r.stopped || !r.startup.consume(gen) {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()
	r.startSources(ctx)
}

func (r *Registry) startSources(ctx context.Context) {
	if err := r.loadAll(ctx); err != nil {
		r.global(diaglog.LevelError, fmt.Sprintf("%s, retrying in %s", err, r.cfg.ReconnectDelay))
		r.mu.Lock()
		if !r.stopped {
			r.startup.arm(r.cfg.ReconnectDelay, r.onStartup)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) loadAll(ctx context.Context) error {
	sources, err := r.loadSources(ctx)
	if err != nil {
		return err
	}
	r.addAll(sources)
	return nil
}

func (r *Registry) loadSources(ctx context.Context) ([]model.DepositSource, error) {
	sources, err := r.provider.ListActiveDepositSources(ctx)
	return sources, errors.Wrap(err, "failed loading deposit sources")
}

func (r *Registry) addAll(sources []model.DepositSource) {
	r.global(diaglog.LevelInfo, fmt.Sprintf("starting %d deposit sources", len(sources)))
	for _, src := range sources {
		r.AddSource(src)
	}
}

// AddSource starts supervising source. A source that is already supervised
// is torn down and recreated; an inactive one is removed instead.
func (r *Registry) AddSource(source model.DepositSource) {
	if !source.IsActive {
		r.RemoveSource(source.ID)
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	old := r.supervisors[source.ID]
	sup := newSupervisor(source, r.deps)
	r.supervisors[source.ID] = sup
	r.mu.Unlock()

	// the old socket must be gone before the new one dials
	if old != nil {
		old.Stop()
	}
	sup.Start()
}

// UpdateSource applies a changed source definition
func (r *Registry) UpdateSource(source model.DepositSource) {
	r.deps.diag.Source(source.ID).Info("source definition changed, restarting connection")
	r.AddSource(source)
}

// RemoveSource stops supervising id; no reconnect follows
func (r *Registry) RemoveSource(id model.SourceID) {
	r.mu.Lock()
	sup, ok := r.supervisors[id]
	delete(r.supervisors, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	sup.Stop()
	r.deps.diag.Source(id).Info("source removed")
}

func (r *Registry) snapshot() []*Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].source.ID < out[j].source.ID })
	return out
}

// Reconcile forces a reconnect on every supervisor that is neither open nor
// mid-connect. Misconfigured sources are left alone. Returns how many were revived.
func (r *Registry) Reconcile() int {
	sups := r.snapshot()
	revived := 0
	for _, sup := range sups {
		stats := sup.Stats()
		if stats.State == StateOpen || stats.State == StateConnecting || stats.Misconfigured {
			continue
		}
		r.deps.diag.Source(stats.SourceID).Warn(fmt.Sprintf("connection is %s, forcing reconnect", stats.State))
		sup.Reconnect()
		revived++
	}
	r.logger.Debug("reconciliation sweep", zap.Int("sources", len(sups)), zap.Int("revived", revived))
	return revived
}

func (r *Registry) onSweep(gen uint64) {
	r.mu.Lock()
	if r.stopped || !r.sweep.consume(gen) {
		r.mu.Unlock()
		return
	}
	r.sweep.arm(r.cfg.ReconcileInterval, r.onSweep)
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()
	r.Reconcile()
}

func (r *Registry) onPoll(gen uint64) {
	r.mu.Lock()
	if r.stopped || !r.poll.consume(gen) {
		r.mu.Unlock()
		return
	}
	r.poll.arm(r.cfg.SourcePollInterval, r.onPoll)
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()
	if err := r.Sync(ctx); err != nil {
		r.global(diaglog.LevelError, err.Error())
	}
}

// Sync brings the supervised set in line with the provider: new sources are
// added, changed ones restarted, vanished or inactive ones removed.
func (r *Registry) Sync(ctx context.Context) error {
	sources, err := r.provider.ListActiveDepositSources(ctx)
	if err != nil {
		return errors.Wrap(err, "failed syncing deposit sources")
	}

	current := map[model.SourceID]model.DepositSource{}
	for _, sup := range r.snapshot() {
		current[sup.source.ID] = sup.source
	}
	wanted := map[model.SourceID]bool{}
	for _, src := range sources {
		if !src.IsActive {
			continue
		}
		wanted[src.ID] = true
		existing, ok := current[src.ID]
		switch {
		case !ok:
			r.AddSource(src)
		case !existing.SameConnection(src):
			r.UpdateSource(src)
		}
	}
	for id := range current {
		if !wanted[id] {
			r.RemoveSource(id)
		}
	}
	return nil
}

// ReconnectAll discards every supervisor and rebuilds the set from the
// provider. If the provider cannot be read the current supervisors are kept.
func (r *Registry) ReconnectAll(ctx context.Context) error {
	if r.isStopped() {
		return errShutDown
	}
	sources, err := r.loadSources(ctx)
	if err != nil {
		r.global(diaglog.LevelError, fmt.Sprintf("%s, keeping current connections", err))
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errShutDown
	}
	old := r.supervisors
	r.supervisors = map[model.SourceID]*Supervisor{}
	r.mu.Unlock()

	r.global(diaglog.LevelWarn, fmt.Sprintf("reconnecting all %d deposit sources", len(old)))
	stopAll(old)
	r.addAll(sources)
	return nil
}

func (r *Registry) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stats reports the connection state of every supervised source
func (r *Registry) Stats() map[model.SourceID]SupervisorStats {
	out := map[model.SourceID]SupervisorStats{}
	for _, sup := range r.snapshot() {
		out[sup.source.ID] = sup.Stats()
	}
	return out
}

// Shutdown stops every supervisor and timer. Blocks until all sockets are
// closed and any in-flight provider load has returned.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.cancel()
	r.startup.stop()
	r.sweep.stop()
	r.poll.stop()
	r.mu.Unlock()

	// loads that were already running may still add sources until they return
	r.wg.Wait()
	r.mu.Lock()
	sups := r.supervisors
	r.supervisors = map[model.SourceID]*Supervisor{}
	r.mu.Unlock()

	stopAll(sups)
	r.global(diaglog.LevelInfo, fmt.Sprintf("stopped %d deposit sources", len(sups)))
}

func stopAll(sups map[model.SourceID]*Supervisor) {
	wg := sync.WaitGroup{}
	for _, sup := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop()
		}(sup)
	}
	wg.Wait()
}

// Package archiver runs the archival control loop of one board.
//
// An Archiver owns the board's process lock for its whole lifetime. Start
// claims the lock, makes sure a signer with moderation authority exists,
// subscribes to update notifications and kicks off the first evaluation
// cycle. Every cycle rebuilds the ranked thread list, evaluates it against
// the board's limits and dispatches the resulting lock and purge actions.
// Stop waits for the in-flight cycle before releasing the lock.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/archivist/internal/audit"
	"github.com/dray-io/archivist/internal/lifecycle"
	"github.com/dray-io/archivist/internal/logging"
	"github.com/dray-io/archivist/internal/metrics"
	"github.com/dray-io/archivist/internal/moderation"
	"github.com/dray-io/archivist/internal/pidlock"
	"github.com/dray-io/archivist/internal/platform"
	"github.com/dray-io/archivist/internal/ranking"
	"github.com/dray-io/archivist/internal/scheduler"
	"github.com/dray-io/archivist/internal/state"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const backupTimeout = 30 * time.Second

var (
	// ErrNotModerator is returned when the signer has no moderation
	// authority on a board this node does not host.
	ErrNotModerator = errors.New("archiver: signer is not a moderator")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("archiver: already started")
)

// ModeratorError names the signer and the remote board it cannot moderate.
type ModeratorError struct {
	Board  string
	Signer string
}

func (e *ModeratorError) Error() string {
	return fmt.Sprintf("archiver: signer %s is not a moderator of remote board %q; "+
		"ask the board owner to grant it the moderator role", e.Signer, e.Board)
}

func (e *ModeratorError) Unwrap() error { return ErrNotModerator }

// IsFatal reports whether err must abort the process instead of being
// retried: another live process owns the board, or the signer lacks
// authority on a remote board.
func IsFatal(err error) bool {
	return errors.Is(err, pidlock.ErrLockHeld) || errors.Is(err, ErrNotModerator)
}

// Backup stores an off-host copy of the board state.
type Backup interface {
	Upload(ctx context.Context, board string, s state.BoardState) error
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the base logger. The board field is added automatically.
func WithLogger(l *logging.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithMetrics records cycle, action and lock metrics.
func WithMetrics(m *metrics.ArchiverMetrics) Option {
	return func(a *Archiver) { a.metrics = m }
}

// WithAudit publishes acknowledged moderation actions to sink.
func WithAudit(sink audit.Sink) Option {
	return func(a *Archiver) { a.audit = sink }
}

// WithBackup uploads the state after every cycle that changed it.
func WithBackup(b Backup) Option {
	return func(a *Archiver) { a.backup = b }
}

// WithClock replaces the wall clock used for lock timestamps and purge
// decisions.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// WithActionsPerSecond paces moderation submissions.
func WithActionsPerSecond(perSecond float64) Option {
	return func(a *Archiver) { a.actionsPerSecond = perSecond }
}

// WithResync injects a notification on a cron schedule so that failed
// cycles are retried while the board is quiet. An empty spec disables it.
func WithResync(spec string) Option {
	return func(a *Archiver) { a.resyncSpec = spec }
}

// WithLockOptions customizes the process lock.
func WithLockOptions(opts ...pidlock.Option) Option {
	return func(a *Archiver) { a.lockOpts = append(a.lockOpts, opts...) }
}

// Archiver is the control loop of a single board.
type Archiver struct {
	board    string
	limits   lifecycle.Limits
	platform platform.Platform
	store    state.Store

	logger           *logging.Logger
	metrics          *metrics.ArchiverMetrics
	audit            audit.Sink
	backup           Backup
	now              func() time.Time
	actionsPerSecond float64
	resyncSpec       string
	lockOpts         []pidlock.Option

	locker     *pidlock.Locker
	ranker     *ranking.Aggregator
	dispatcher *moderation.Dispatcher
	sched      *scheduler.Scheduler
	resync     cron.Schedule

	mu          sync.Mutex
	started     bool
	stopped     bool
	signer      platform.Signer
	unsubscribe func()
	cron        *cron.Cron
	cycles      int
	lastCycle   time.Time
	lastErr     error
}

// New returns an Archiver for board. It performs no I/O.
func New(board string, limits lifecycle.Limits, p platform.Platform, store state.Store, opts ...Option) (*Archiver, error) {
	if board == "" {
		return nil, errors.New("archiver: board is required")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	a := &Archiver{
		board:    board,
		limits:   limits,
		platform: p,
		store:    store,
		logger:   logging.Global(),
		audit:    audit.NopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithBoard(board)

	if a.resyncSpec != "" {
		sched, err := cron.ParseStandard(a.resyncSpec)
		if err != nil {
			return nil, fmt.Errorf("archiver: resync schedule %q: %w", a.resyncSpec, err)
		}
		a.resync = sched
	}

	a.locker = pidlock.New(store, board, a.lockOpts...)
	a.ranker = ranking.NewAggregator(p)
	a.dispatcher = moderation.NewDispatcher(board, store, p,
		moderation.WithActionsPerSecond(a.actionsPerSecond),
		moderation.WithMetrics(a.metrics),
		moderation.WithAudit(a.audit),
		moderation.WithClock(func() int64 { return a.now().Unix() }),
	)
	a.sched = scheduler.New(a.runCycle, scheduler.WithMetrics(board, a.metrics))
	return a, nil
}

// Board returns the board address.
func (a *Archiver) Board() string { return a.board }

// Signer returns the signer used for moderation. It is empty before Start.
func (a *Archiver) Signer() platform.Signer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signer
}

// Start claims the board and begins archiving. Errors for which IsFatal
// is true must not be retried. On any error the lock is released again.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	if err := a.locker.Acquire(); err != nil {
		return err
	}
	a.metrics.RecordLockHeld(a.board, true)
	a.logger.Infof("process lock acquired", map[string]any{"pid": a.locker.PID()})

	if err := a.bootstrap(ctx); err != nil {
		a.releaseLock()
		return err
	}
	return nil
}

func (a *Archiver) bootstrap(ctx context.Context) error {
	signer, err := a.ensureSigner(ctx)
	if err != nil {
		return err
	}
	if err := a.ensureModerator(ctx, signer); err != nil {
		return err
	}
	a.mu.Lock()
	a.signer = signer
	a.mu.Unlock()

	unsubscribe, err := a.platform.Subscribe(ctx, a.board, a.sched.Notify)
	if err != nil {
		return fmt.Errorf("archiver: subscribe to %q: %w", a.board, err)
	}

	var c *cron.Cron
	if a.resync != nil {
		c = cron.New(cron.WithLogger(cronLogger{a.logger}))
		c.Schedule(a.resync, cron.FuncJob(a.sched.Notify))
		c.Start()
	}

	a.mu.Lock()
	a.unsubscribe = unsubscribe
	a.cron = c
	a.mu.Unlock()

	a.logger.Infof("archiver started", map[string]any{
		"signer":            signer.Address,
		"capacity":          a.limits.Capacity,
		"bumpLimit":         a.limits.BumpLimit,
		"purgeAfterSeconds": a.limits.PurgeAfterSeconds,
		"resync":            a.resyncSpec,
	})
	a.sched.Notify()
	return nil
}

// ensureSigner returns the board's persisted signer, creating and
// persisting one on first run. A signer without a private key, as left by
// a restore from backup, cannot sign and is replaced.
func (a *Archiver) ensureSigner(ctx context.Context) (platform.Signer, error) {
	if s, ok := a.store.Load().Signers[a.board]; ok && s.Address != "" && s.PrivateKey != "" {
		return s, nil
	}

	signer, err := a.platform.CreateSigner(ctx)
	if err != nil {
		return platform.Signer{}, fmt.Errorf("archiver: create signer for %q: %w", a.board, err)
	}
	s := a.store.Load()
	s.Signers[a.board] = signer
	if err := a.store.Save(s); err != nil {
		return platform.Signer{}, fmt.Errorf("archiver: persist signer for %q: %w", a.board, err)
	}
	a.logger.Infof("signer created", map[string]any{"signer": signer.Address})
	return signer, nil
}

// ensureModerator grants the moderator role on locally hosted boards and
// fails with a *ModeratorError on remote ones.
func (a *Archiver) ensureModerator(ctx context.Context, signer platform.Signer) error {
	b, err := a.platform.GetBoard(ctx, a.board)
	if err != nil {
		return fmt.Errorf("archiver: load board %q: %w", a.board, err)
	}
	if b.RoleOf(signer.Address).CanModerate() {
		return nil
	}
	if !b.Local {
		return &ModeratorError{Board: a.board, Signer: signer.Address}
	}

	err = a.platform.GrantRole(ctx, a.board, signer.Address, platform.RoleModerator)
	if errors.Is(err, platform.ErrNotLocal) {
		return &ModeratorError{Board: a.board, Signer: signer.Address}
	}
	if err != nil {
		return fmt.Errorf("archiver: grant moderator role on %q: %w", a.board, err)
	}
	a.logger.Infof("moderator role granted", map[string]any{"signer": signer.Address})
	return nil
}

// Notify requests an evaluation cycle.
func (a *Archiver) Notify() {
	a.sched.Notify()
}

// WaitIdle blocks until no cycle is running.
func (a *Archiver) WaitIdle(ctx context.Context) error {
	return a.sched.WaitIdle(ctx)
}

// Stop unsubscribes, waits for the in-flight cycle and releases the
// process lock. If ctx ends before the cycle finishes, the lock record is
// left in place; it becomes stale once this process exits.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	unsubscribe := a.unsubscribe
	c := a.cron
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	if err := a.sched.Stop(ctx); err != nil {
		a.logger.Warnf("cycle did not finish before shutdown deadline; keeping process lock", map[string]any{
			"error": err,
		})
		return fmt.Errorf("archiver: stop %q: %w", a.board, err)
	}
	if n := a.dispatcher.Pending(); n > 0 {
		if _, err := a.dispatcher.Sync(); err != nil {
			a.logger.Warnf("acknowledged actions could not be written before shutdown", map[string]any{
				"pending": n,
				"error":   err,
			})
		}
	}
	if !a.locker.Held() {
		return nil
	}
	return a.releaseLock()
}

func (a *Archiver) releaseLock() error {
	err := a.locker.Release()
	a.metrics.RecordLockHeld(a.board, false)
	if err != nil {
		a.logger.Warnf("process lock release failed", map[string]any{"error": err})
		return err
	}
	a.logger.Info("process lock released")
	return nil
}

// runCycle is the scheduler's cycle function.
func (a *Archiver) runCycle(ctx context.Context) {
	id := uuid.NewString()
	log := a.logger.WithCycleID(id)
	ctx = logging.WithLoggerCtx(logging.WithCycleIDCtx(ctx, id), log)

	started := time.Now()
	err := a.cycle(ctx)
	elapsed := time.Since(started)

	var cycleErr *CycleError
	aborted := errors.As(err, &cycleErr)
	a.metrics.RecordCycle(a.board, elapsed.Seconds(), err == nil)

	a.mu.Lock()
	a.cycles++
	a.lastCycle = a.now()
	if aborted {
		a.lastErr = err
	} else {
		a.lastErr = nil
	}
	a.mu.Unlock()

	fields := map[string]any{"durationMs": elapsed.Milliseconds()}
	switch {
	case aborted:
		fields["error"] = err
		log.Warnf("cycle aborted", fields)
	case err != nil:
		fields["error"] = err
		log.Warnf("cycle finished with failed actions", fields)
	default:
		log.Debugf("cycle finished", fields)
	}
}

// CycleError is a cycle-scope failure: the cycle was aborted before any
// decision was applied and state is unchanged.
type CycleError struct {
	Stage string
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("archiver: cycle aborted during %s: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// cycle runs one evaluation. It returns a *CycleError when the ranked list
// could not be built, and the joined per-action failures otherwise.
func (a *Archiver) cycle(ctx context.Context) error {
	log := logging.FromCtx(ctx)

	b, err := a.platform.GetBoard(ctx, a.board)
	if err != nil {
		return &CycleError{Stage: "board fetch", Err: err}
	}
	res, err := a.ranker.RankedThreads(ctx, a.board, b.Listing)
	if err != nil {
		return &CycleError{Stage: "ranking", Err: err}
	}
	a.metrics.RecordPageFetches(a.board, string(res.Source), res.Fetched)

	flushing := a.dispatcher.Pending() > 0
	s, err := a.dispatcher.Sync()
	if err != nil {
		log.Warnf("acknowledged actions still unwritten", map[string]any{"error": err})
	} else if flushing {
		a.uploadBackup(ctx)
	}
	dec := lifecycle.Evaluate(res.Threads, a.limits, s, a.now().Unix())
	log.Debugf("evaluated threads", map[string]any{
		"source":  string(res.Source),
		"pages":   res.Fetched,
		"threads": len(res.Threads),
		"tracked": len(s.LockedThreads),
		"toLock":  len(dec.ToLock),
		"toPurge": len(dec.ToPurge),
	})
	if dec.Empty() {
		a.metrics.RecordTrackedThreads(a.board, len(s.LockedThreads))
		return nil
	}

	report, err := a.dispatcher.Dispatch(ctx, a.Signer(), dec)
	if report.Changed() {
		log.Infof("threads archived", map[string]any{
			"locked": len(report.Locked),
			"purged": len(report.Purged),
		})
		a.uploadBackup(ctx)
	}
	return err
}

func (a *Archiver) uploadBackup(ctx context.Context) {
	if a.backup == nil {
		return
	}
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backupTimeout)
	defer cancel()

	err := a.backup.Upload(upCtx, a.board, a.store.Load())
	a.metrics.RecordBackup(a.board, err == nil)
	if err != nil {
		logging.FromCtx(ctx).Warnf("state backup failed", map[string]any{"error": err})
	}
}

// Name identifies the archiver in health reports.
func (a *Archiver) Name() string { return "archiver/" + a.board }

// CheckReady reports the archiver ready while it holds the lock and its
// last cycle was not aborted.
func (a *Archiver) CheckReady(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.started:
		return errors.New("not started")
	case a.stopped:
		return errors.New("stopped")
	case !a.locker.Held():
		return errors.New("process lock not held")
	case a.lastErr != nil:
		return a.lastErr
	}
	return nil
}

// Stats is a snapshot of the archiver's progress.
type Stats struct {
	Cycles    int
	LastCycle time.Time
	LastError error
}

// Stats returns a snapshot of the archiver's progress.
func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Cycles: a.cycles, LastCycle: a.lastCycle, LastError: a.lastErr}
}

// cronLogger routes cron's own logging through the archiver logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugf("resync: "+msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err
	c.l.Errorf("resync: "+msg, fields)
}

func kvFields(kv []interface{}) map[string]any {
	fields := make(map[string]any, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

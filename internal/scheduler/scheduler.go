package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"slotwatch/internal/config"
	"slotwatch/internal/notify"
	"slotwatch/internal/storage"
	"slotwatch/internal/workflow"
	"slotwatch/pkg/logx"
)

type Config struct {
	// SafetyNetInterval is the recurring fallback pass that catches any
	// missed or failed one-shot timer.
	SafetyNetInterval time.Duration
	// CycleTimeout bounds one check cycle; 0 disables the bound.
	CycleTimeout time.Duration
}

// CheckRunner runs one check-and-claim cycle. *workflow.Runner is the
// production implementation.
type CheckRunner interface {
	Check(ctx context.Context, item config.TrackedItem) (workflow.Result, error)
}

// Scheduler owns the live registry of tracked courses. It runs an
// immediate pass on Start, a recurring safety-net pass via cron, and
// one-shot timers for each computed occurrence, deduplicated so the same
// (course, instant) pair is never armed twice.
type Scheduler struct {
	cfg      Config
	loc      *time.Location
	log      logx.Logger
	runner   CheckRunner
	store    storage.Store // nil means no audit trail
	notifier *notify.Notifier

	mu     sync.Mutex
	items  map[int]*itemState
	c      *cron.Cron
	runCtx context.Context
	stopCh chan struct{}

	tmu    sync.Mutex
	timers map[string]*time.Timer
	// armed is the process-lifetime dedup set; keys are never removed.
	// Bounded by the number of distinct future instants ever scheduled.
	armed map[string]struct{}

	wg sync.WaitGroup
}

type itemState struct {
	item config.TrackedItem

	mu      sync.Mutex
	running bool
}

func New(cfg Config, loc *time.Location, runner CheckRunner, store storage.Store, notifier *notify.Notifier, log logx.Logger) *Scheduler {
	if cfg.SafetyNetInterval <= 0 {
		cfg.SafetyNetInterval = 2 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg,
		loc:      loc,
		log:      log,
		runner:   runner,
		store:    store,
		notifier: notifier,
		items:    map[int]*itemState{},
		timers:   map[string]*time.Timer{},
		armed:    map[string]struct{}{},
	}
}

// Register adds a course to the live registry. Uniqueness is the
// caller's job (the registry loader already rejects duplicates).
func (s *Scheduler) Register(item config.TrackedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.CourseNumber] = &itemState{item: item}
	s.log.Info("watching course",
		logx.String("name", item.Name), logx.Int("number", item.CourseNumber))
}

// Start runs one immediate pass over every registered course, then arms
// the recurring safety-net pass. It returns once the passes are armed;
// the work itself runs on background goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx
	s.c = cron.New(cron.WithLocation(s.loc))
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.SafetyNetInterval), func() {
		s.pass(ctx)
	})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("arm safety-net pass: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pass(ctx)
	}()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("safety_net", s.cfg.SafetyNetInterval), logx.String("tz", s.loc.String()))
	return nil
}

// Stop drains the cron loop and cancels pending one-shot timers. Dropped
// timers are safe: the ledger is the durable truth and the next startup
// recomputes every occurrence.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Items returns the course numbers currently in the live registry.
func (s *Scheduler) Items() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.items))
	for n := range s.items {
		out = append(out, n)
	}
	return out
}

// pass checks every registered course, each on its own goroutine with
// its own automation session.
func (s *Scheduler) pass(ctx context.Context) {
	s.mu.Lock()
	states := make([]*itemState, 0, len(s.items))
	for _, st := range s.items {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st := st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.checkItem(ctx, st)
		}()
	}
}

func (s *Scheduler) checkItem(ctx context.Context, st *itemState) {
	if ctx.Err() != nil || s.stopped() {
		return
	}

	// A pass must not overlap a still-running cycle for the same course.
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		s.log.Debug("previous cycle still running; skipping",
			logx.String("name", st.item.Name))
		return
	}
	st.running = true
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	cctx := ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := s.runner.Check(cctx, st.item)
	s.audit(ctx, st.item, res, started, err)

	if err != nil {
		// The safety-net pass is the retry mechanism; no backoff here.
		s.log.Warn("check cycle failed; safety net will retry",
			logx.String("name", st.item.Name), logx.Err(err))
		s.notifier.CycleFailed(ctx, st.item.Name, err)
		return
	}

	switch res.Outcome {
	case workflow.OutcomeRetired:
		s.retire(st.item)
		s.notifier.Retired(ctx, st.item.Name)
		return
	case workflow.OutcomeClaimed:
		s.notifier.Claimed(ctx, st.item.Name, res.Claimed)
	}

	if !res.Next.ActionAt.IsZero() {
		s.armCheck(st.item, res.Next.ActionAt)
	}
}

func (s *Scheduler) retire(item config.TrackedItem) {
	s.mu.Lock()
	delete(s.items, item.CourseNumber)
	s.mu.Unlock()
	s.log.Info("course retired", logx.String("name", item.Name), logx.Int("number", item.CourseNumber))
}

// armCheck arms a one-shot check at the given instant unless an
// identical (course, instant) timer was ever armed before. A timer that
// fires after its course retired finds nothing in the registry and does
// nothing.
func (s *Scheduler) armCheck(item config.TrackedItem, at time.Time) {
	key := fmt.Sprintf("%d|%d", item.CourseNumber, at.Unix())

	s.tmu.Lock()
	if _, dup := s.armed[key]; dup {
		s.tmu.Unlock()
		s.log.Debug("check already scheduled", logx.String("key", key))
		return
	}
	s.armed[key] = struct{}{}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, key)
		s.tmu.Unlock()

		if s.stopped() {
			return
		}
		s.mu.Lock()
		st, ok := s.items[item.CourseNumber]
		ctx := s.runCtx
		s.mu.Unlock()
		if !ok || ctx == nil {
			return
		}
		s.checkItem(ctx, st)
	})
	s.tmu.Unlock()

	s.log.Info("one-shot check armed",
		logx.String("name", item.Name), logx.Time("at", at))
}

func (s *Scheduler) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh == nil
}

func (s *Scheduler) audit(ctx context.Context, item config.TrackedItem, res workflow.Result, started time.Time, err error) {
	if s.store == nil {
		return
	}
	e := storage.CycleEntry{
		At:     started,
		Course: item.CourseNumber,
		Name:   item.Name,
		Tokens: res.Claimed,
		TookMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Outcome = "error"
		e.Error = err.Error()
	} else {
		e.Outcome = res.Outcome.String()
	}
	if aerr := s.store.AppendCycle(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}

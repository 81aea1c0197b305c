// Package supervisor implements the Bot Supervisor (spec C7): starts and
// stops one long-lived task per active symbol, tracks public status (B),
// enforces a sliding-window auto-restart budget, and records a run-history
// snapshot whenever a symbol stops. Grounded on the teacher's Engine
// lifecycle (internal/engine/engine.go): context-per-task, a protected map
// of running slots, Start/Stop, and a Stop that always tries to leave the
// venue clean.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridmm/internal/history"
	"gridmm/internal/metrics"
)

// Status is the public bot status (B) for one symbol.
type Status struct {
	Symbol      string
	Running     bool
	StartedAt   time.Time
	LastTickAt  time.Time
	Message     string
	MarketID    int64
	Mid         decimal.Decimal
	Center      decimal.Decimal
	DesiredCIDs []uint64
	ExistingCIDs []uint64
	DelayCount  int
	ReduceMode  bool
	StopSignal  bool
	StopReason  string
}

// LoopResult is what a Task func returns when its run ends, used to build
// the history.Record on stop.
type LoopResult struct {
	FillCount     int
	FillNotional  decimal.Decimal
	RealizedPnL   decimal.Decimal
	FinalPosition decimal.Decimal
	StopReason    string
}

// TaskFunc is a symbol's control-loop entry point. It must return promptly
// when ctx is cancelled. publish lets the loop publish Status updates as it
// runs; the Supervisor owns the canonical Status record and replaces it with
// each update.
type TaskFunc func(ctx context.Context, symbol string, publish func(Status)) LoopResult

// Event is pushed to subscribers whenever a symbol starts, stops, or
// auto-restarts, for push-based observability (spec's "Supervisor exposes a
// snapshot" plus a push channel for live consumers, e.g. a CLI watch mode).
type Event struct {
	Symbol string
	Kind   string // "started" | "stopped" | "restarted" | "restart_exhausted"
	At     time.Time
	Detail string
}

type task struct {
	cancel     context.CancelFunc
	done       chan struct{}
	manualStop bool
	restarts   []time.Time // restart timestamps within the sliding window
}

// Supervisor owns the set of running per-symbol tasks.
type Supervisor struct {
	mu      sync.Mutex
	tasks   map[string]*task
	status  map[string]Status
	history *history.Store
	log     *slog.Logger

	restartMax    int
	restartWindow time.Duration
	restartDelay  time.Duration

	events chan Event
}

// New builds a Supervisor. hist may be nil to disable history recording.
func New(hist *history.Store, restartMax int, restartWindow, restartDelay time.Duration, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		tasks:         make(map[string]*task),
		status:        make(map[string]Status),
		history:       hist,
		log:           log.With("component", "supervisor"),
		restartMax:    restartMax,
		restartWindow: restartWindow,
		restartDelay:  restartDelay,
		events:        make(chan Event, 256),
	}
}

// Events returns the push-event channel. Never closed during normal
// operation; consumers should select on ctx.Done() alongside it.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("event channel full, dropping event", "symbol", e.Symbol, "kind", e.Kind)
	}
}

// Start launches fn for symbol if it is not already running, with
// auto-restart enabled according to the configured budget.
func (s *Supervisor) Start(ctx context.Context, symbol string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[symbol]; ok {
		return fmt.Errorf("supervisor: %s is already running", symbol)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[symbol] = t
	s.status[symbol] = Status{Symbol: symbol, Running: true, StartedAt: time.Now()}

	go s.run(taskCtx, symbol, fn, t)
	s.emit(Event{Symbol: symbol, Kind: "started", At: time.Now()})
	return nil
}

// run drives one symbol's lifecycle, including auto-restart, until manually
// stopped, the restart budget is exhausted, or ctx is cancelled from above.
func (s *Supervisor) run(ctx context.Context, symbol string, fn TaskFunc, t *task) {
	defer close(t.done)

	for {
		result := s.runOnce(ctx, symbol, fn)

		s.mu.Lock()
		manualStop := t.manualStop
		s.mu.Unlock()

		s.recordHistory(symbol, result)

		if manualStop || ctx.Err() != nil {
			s.setRunning(symbol, false, result.StopReason)
			return
		}

		if !s.consumeRestartBudget(t) {
			s.setRunning(symbol, false, "restart budget exhausted: "+result.StopReason)
			s.emit(Event{Symbol: symbol, Kind: "restart_exhausted", At: time.Now(), Detail: result.StopReason})
			s.mu.Lock()
			delete(s.tasks, symbol)
			s.mu.Unlock()
			return
		}

		metrics.RestartTotal.WithLabelValues(symbol).Inc()
		s.emit(Event{Symbol: symbol, Kind: "restarted", At: time.Now(), Detail: result.StopReason})
		select {
		case <-time.After(s.restartDelay):
		case <-ctx.Done():
			s.setRunning(symbol, false, result.StopReason)
			return
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, symbol string, fn TaskFunc) LoopResult {
	return fn(ctx, symbol, func(st Status) {
		s.mu.Lock()
		st.Symbol = symbol
		st.Running = true
		s.status[symbol] = st
		s.mu.Unlock()
	})
}

// consumeRestartBudget evicts restart timestamps older than the sliding
// window, then reports whether another restart fits within restartMax.
func (s *Supervisor) consumeRestartBudget(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.restartWindow)
	kept := t.restarts[:0]
	for _, ts := range t.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.restarts = kept

	if len(t.restarts) >= s.restartMax {
		return false
	}
	t.restarts = append(t.restarts, now)
	return true
}

func (s *Supervisor) setRunning(symbol string, running bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[symbol]
	st.Running = running
	st.StopReason = reason
	s.status[symbol] = st
}

func (s *Supervisor) recordHistory(symbol string, result LoopResult) {
	if s.history == nil {
		return
	}
	s.mu.Lock()
	st := s.status[symbol]
	restarts := 0
	if t, ok := s.tasks[symbol]; ok {
		restarts = len(t.restarts)
	}
	s.mu.Unlock()

	rec := history.Record{
		Symbol:        symbol,
		StartedAtMs:   st.StartedAt.UnixMilli(),
		StoppedAtMs:   time.Now().UnixMilli(),
		StopReason:    result.StopReason,
		FillCount:     result.FillCount,
		FillNotional:  result.FillNotional,
		RealizedPnL:   result.RealizedPnL,
		FinalPosition: result.FinalPosition,
		RestartCount:  restarts,
	}
	if err := s.history.Append(rec); err != nil {
		s.log.Error("failed to append history record", "symbol", symbol, "error", err)
	}
}

// Stop requests symbol's task to stop and blocks until it has fully exited.
// Manual stop is sticky: the task will not auto-restart afterward.
func (s *Supervisor) Stop(symbol string) error {
	s.mu.Lock()
	t, ok := s.tasks[symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: %s is not running", symbol)
	}
	t.manualStop = true
	t.cancel()
	s.mu.Unlock()

	<-t.done

	s.mu.Lock()
	delete(s.tasks, symbol)
	s.mu.Unlock()

	s.emit(Event{Symbol: symbol, Kind: "stopped", At: time.Now()})
	return nil
}

// StopAll stops every running symbol, used as an emergency-stop control
// surface action.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.tasks))
	for sym := range s.tasks {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_ = s.Stop(symbol)
		}(sym)
	}
	wg.Wait()
}

// Snapshot returns the current Status for every symbol the Supervisor has
// ever started, running or not.
func (s *Supervisor) Snapshot() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// IsRunning reports whether symbol currently has an active task.
func (s *Supervisor) IsRunning(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[symbol]
	return ok
}

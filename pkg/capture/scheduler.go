package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/reading"
)

// State of the scheduler.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCapturing State = "capturing"
	StateError     State = "error"
)

// Trigger identifies what started a cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerDebug     Trigger = "debug"
)

// FrameProvider supplies the latest camera frame. The returned frame is
// owned by the caller.
type FrameProvider interface {
	Latest() (camera.Frame, error)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Frames     FrameProvider
	Recognizer ocr.Recognizer
	Plan       func() Plan
	Store      *reading.Store
	Sinks      []Sink
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State        State         `json:"state"`
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"-"`
	Cycles       uint64        `json:"cycles"`
	Rejected     uint64        `json:"rejected"`
	LastError    string        `json:"last_error,omitempty"`
	LastCycleAt  time.Time     `json:"last_cycle_at,omitempty"`
	LastDuration time.Duration `json:"-"`
	NextCycleAt  time.Time     `json:"next_cycle_at,omitempty"`
}

// Scheduler runs capture cycles on a timer and on demand. At most one cycle
// body executes at a time; a trigger that finds one in progress gets ErrBusy.
// Stop only cancels the timer, an in-flight cycle always completes.
type Scheduler struct {
	deps Deps
	log  *slog.Logger

	gate atomic.Bool

	mu          sync.Mutex
	cfg         Config
	running     bool
	failure     error
	timerCancel context.CancelFunc
	timerDone   chan struct{}
	intervalCh  chan time.Duration
	lastErr     string
	lastCycleAt time.Time
	lastDur     time.Duration
	nextCycleAt time.Time

	cycles   atomic.Uint64
	rejected atomic.Uint64
}

// New creates an idle scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if deps.Store == nil {
		deps.Store = reading.NewStore()
	}

	return &Scheduler{
		deps: deps,
		cfg:  cfg,
		log:  log.Component("capture"),
	}
}

// WithLogger replaces the scheduler's logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.log = l
	return s
}

// Store returns the reading store the scheduler publishes to.
func (s *Scheduler) Store() *reading.Store {
	return s.deps.Store
}

// Start begins periodic capture. The first cycle runs immediately.
// A plan or config that cannot work moves the scheduler to the Error state.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return fmt.Errorf("%w: %v", ErrFailed, s.failure)
	}
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.preflight(); err != nil {
		s.failure = err
		s.lastErr = err.Error()
		s.log.Error("scheduler failed to start", "error", err)
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.timerCancel = cancel
	s.timerDone = make(chan struct{})
	s.intervalCh = make(chan time.Duration, 1)

	go s.loop(ctx, s.cfg.Interval, s.intervalCh, s.timerDone)

	s.log.Info("scheduler started", "interval", s.cfg.Interval)
	return nil
}

func (s *Scheduler) preflight() error {
	if s.deps.Frames == nil {
		return errors.New("no frame source")
	}
	if s.deps.Recognizer == nil {
		return errors.New("no recognizer")
	}
	if s.deps.Plan == nil {
		return errors.New("no plan source")
	}
	if errs := s.cfg.Validate(); len(errs) > 0 {
		return errors.New(errs[0])
	}
	return s.deps.Plan().Validate()
}

// Stop cancels the timer. It does not wait for or abort a running cycle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.timerCancel
	s.running = false
	s.timerCancel = nil
	s.intervalCh = nil
	s.nextCycleAt = time.Time{}
	s.mu.Unlock()

	cancel()
	s.log.Info("scheduler stopped")
	return nil
}

// Wait blocks until the timer goroutine of the last Start has exited.
// That includes a scheduled cycle that was in flight when Stop was called.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.timerDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Reset leaves the Error state.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		s.log.Info("scheduler reset", "previous_error", s.failure)
	}
	s.failure = nil
}

// SetInterval changes the period. A running timer restarts with it.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = d
	if s.intervalCh != nil {
		select {
		case <-s.intervalCh:
		default:
		}
		s.intervalCh <- d
	}
	return nil
}

// Interval returns the current period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	switch {
	case s.failure != nil:
		return StateError
	case s.gate.Load():
		return StateCapturing
	case s.running:
		return StateRunning
	default:
		return StateIdle
	}
}

// Status returns a snapshot for status reporting.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.stateLocked(),
		Running:      s.running,
		Interval:     s.cfg.Interval,
		Cycles:       s.cycles.Load(),
		Rejected:     s.rejected.Load(),
		LastError:    s.lastErr,
		LastCycleAt:  s.lastCycleAt,
		LastDuration: s.lastDur,
		NextCycleAt:  s.nextCycleAt,
	}
}

// CaptureNow runs one cycle immediately and returns its batch. With debug
// set every reading carries its intermediate images. If ctx ends first the
// cycle still completes and publishes in the background.
func (s *Scheduler) CaptureNow(ctx context.Context, debug bool) (reading.Batch, error) {
	trigger := TriggerManual
	if debug {
		trigger = TriggerDebug
	}
	return s.run(ctx, trigger, debug)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, intervalCh <-chan time.Duration, done chan struct{}) {
	defer close(done)

	s.scheduled(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.setNext(time.Now().Add(interval))

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-intervalCh:
			interval = d
			ticker.Reset(d)
			s.setNext(time.Now().Add(d))
			s.log.Info("interval changed", "interval", d)
		case <-ticker.C:
			s.scheduled(ctx)
			s.setNext(time.Now().Add(interval))
		}
	}
}

func (s *Scheduler) scheduled(ctx context.Context) {
	// A tick racing Stop must not start a new cycle.
	if ctx.Err() != nil {
		return
	}

	_, err := s.run(context.Background(), TriggerScheduled, false)
	switch {
	case errors.Is(err, ErrBusy):
		s.log.Info("scheduled cycle skipped, capture in progress")
	case err != nil:
		s.log.Warn("scheduled cycle failed", "error", err)
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	if s.running {
		s.nextCycleAt = t
	}
	s.mu.Unlock()
}

type outcome struct {
	batch reading.Batch
	err   error
}

// run takes the gate, runs one cycle under the timeout and publishes it.
// The gate is released by the supervising goroutine, not by the caller.
func (s *Scheduler) run(ctx context.Context, trigger Trigger, debug bool) (reading.Batch, error) {
	if !s.gate.CompareAndSwap(false, true) {
		s.rejected.Add(1)
		return reading.Batch{}, ErrBusy
	}

	s.mu.Lock()
	timeout := s.cfg.CycleTimeout
	s.mu.Unlock()

	res := make(chan outcome, 1)
	go s.supervise(trigger, debug, timeout, res)

	select {
	case o := <-res:
		return o.batch, o.err
	case <-ctx.Done():
		return reading.Batch{}, ctx.Err()
	}
}

func (s *Scheduler) supervise(trigger Trigger, debug bool, timeout time.Duration, res chan<- outcome) {
	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	inner := make(chan outcome, 1)
	go func() {
		b, err := s.cycle(cycleCtx, debug)
		inner <- outcome{batch: b, err: err}
	}()

	var o outcome
	select {
	case o = <-inner:
	case <-cycleCtx.Done():
		select {
		case o = <-inner:
		default:
			o = outcome{err: fmt.Errorf("%w after %s", ErrCycleTimeout, timeout)}
		}
	}

	if o.err == nil {
		s.publish(o.batch)
	}
	s.finish(trigger, start, o)
	s.gate.Store(false)
	res <- o
}

// cycle snapshots the plan, grabs one frame and runs every region.
func (s *Scheduler) cycle(ctx context.Context, debug bool) (reading.Batch, error) {
	plan := s.deps.Plan()

	frame, err := s.deps.Frames.Latest()
	if err != nil {
		return reading.Batch{}, err
	}
	defer frame.Close()

	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()

	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	b := reading.Batch{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Readings:  processAll(ctx, s.deps.Recognizer, frame.Image, plan, workers, debug, ts),
	}
	if err := ctx.Err(); err != nil {
		return reading.Batch{}, fmt.Errorf("%w: %v", ErrCycleTimeout, err)
	}
	return b, nil
}

// publish updates the store, then feeds the sinks in order.
func (s *Scheduler) publish(b reading.Batch) {
	s.deps.Store.Update(b)

	s.mu.Lock()
	timeout := s.cfg.SinkTimeout
	s.mu.Unlock()

	for _, sink := range s.deps.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := sink.Consume(ctx, b); err != nil {
			s.log.Warn("sink failed", "sink", sink.Name(), "batch", b.ID, "error", err)
		}
		cancel()
	}
}

func (s *Scheduler) finish(trigger Trigger, start time.Time, o outcome) {
	dur := time.Since(start)

	s.mu.Lock()
	s.lastCycleAt = start
	s.lastDur = dur
	if o.err != nil {
		s.lastErr = o.err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if o.err != nil {
		s.log.Warn("cycle failed", "trigger", trigger, "duration", dur, "error", o.err)
		return
	}

	s.cycles.Add(1)
	valid := len(o.batch.Valid())
	s.log.Info("cycle complete",
		"trigger", trigger,
		"batch", o.batch.ID,
		"regions", len(o.batch.Readings),
		"valid", valid,
		"duration", dur.Round(time.Millisecond))
	for _, r := range o.batch.Readings {
		if !r.Valid {
			s.log.Debug("invalid reading", "sensor_id", r.SensorID, "reason", r.Reason, "raw", r.RawText, "detail", r.Detail)
		}
	}
}

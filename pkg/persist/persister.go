package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/reading"
)

// Config holds persister parameters.
type Config struct {
	CameraID    string
	Measurement string

	QueueSize        int
	RetryInterval    time.Duration
	WriteTimeout     time.Duration
	FailureThreshold int // consecutive failures before the store is reported down
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		CameraID:         "cam_1",
		Measurement:      "temperature",
		QueueSize:        1000,
		RetryInterval:    30 * time.Second,
		WriteTimeout:     10 * time.Second,
		FailureThreshold: 3,
	}
}

// Stats is a point-in-time view of the persister.
type Stats struct {
	Backend             string `json:"backend"`
	Connected           bool   `json:"connected"`
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	Dropped             uint64 `json:"dropped"`
	Written             uint64 `json:"written"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// SubmitResult reports what happened to a submitted batch.
type SubmitResult struct {
	Written int `json:"written"`
	Queued  int `json:"queued"`
}

// Persister writes points through a Writer. Points that fail are kept in
// a bounded RetryQueue and flushed in order by a background loop. While
// the queue is non-empty new points go behind it, so the store sees points
// in submission order and each one at most once.
type Persister struct {
	cfg Config
	log *slog.Logger

	wmu    sync.RWMutex
	writer Writer

	queue   *RetryQueue
	flushMu sync.Mutex // serializes all writes

	failures  atomic.Int64
	connected atomic.Bool
	written   atomic.Uint64

	errMu   sync.Mutex
	lastErr string

	kick chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a persister. w may be nil until SetWriter is called.
func New(cfg Config, w Writer) *Persister {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Measurement == "" {
		cfg.Measurement = def.Measurement
	}

	return &Persister{
		cfg:    cfg,
		log:    log.Component("persist"),
		writer: w,
		queue:  NewRetryQueue(cfg.QueueSize),
		kick:   make(chan struct{}, 1),
	}
}

// WithLogger replaces the persister's logger.
func (p *Persister) WithLogger(l *slog.Logger) *Persister {
	p.log = l
	return p
}

// Start launches the background retry loop.
func (p *Persister) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Stop ends the retry loop. Queued points stay in memory.
func (p *Persister) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the loop and closes the writer.
func (p *Persister) Close() error {
	p.Stop()

	p.wmu.Lock()
	w := p.writer
	p.writer = nil
	p.wmu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}

// Submit writes the valid readings of b. Points that cannot be written
// are queued for retry; Submit never fails the caller.
func (p *Persister) Submit(ctx context.Context, b reading.Batch) SubmitResult {
	var res SubmitResult

	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for _, r := range b.Readings {
		pt, ok := PointFromReading(r, p.cfg.Measurement, p.cfg.CameraID)
		if !ok {
			continue
		}

		if p.queue.Len() == 0 {
			if err := p.write(ctx, pt); err == nil {
				res.Written++
				continue
			}
		}

		p.enqueue(pt)
		res.Queued++
	}

	if res.Queued > 0 {
		p.log.Warn("points queued for retry",
			"batch", b.ID,
			"queued", res.Queued,
			"queue_depth", p.queue.Len())
	}
	return res
}

// Flush writes queued points oldest first until the queue is empty or a
// write fails. A point leaves the queue only after it was written.
func (p *Persister) Flush(ctx context.Context) (int, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	n := 0
	for {
		e, ok := p.queue.Peek()
		if !ok {
			break
		}
		if err := p.write(ctx, e.Point); err != nil {
			if n > 0 {
				p.log.Info("partial flush", "flushed", n, "remaining", p.queue.Len())
			}
			return n, err
		}
		p.queue.RemoveIfHead(e.Seq)
		n++
	}

	if n > 0 {
		p.log.Info("retry queue flushed", "points", n)
	}
	return n, nil
}

// Ping checks the store and updates the connected flag.
func (p *Persister) Ping(ctx context.Context) error {
	w := p.Writer()
	if w == nil {
		p.recordFailure(ErrNoWriter)
		return ErrNoWriter
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := w.Ping(ctx); err != nil {
		err = &WriteError{Backend: w.Name(), Err: err}
		p.recordFailure(err)
		return err
	}
	p.recordSuccess()
	return nil
}

// SetWriter replaces the store writer. The retry queue is kept and will be
// flushed to the new writer. The previous writer is closed.
func (p *Persister) SetWriter(w Writer) {
	p.flushMu.Lock()
	p.wmu.Lock()
	old := p.writer
	p.writer = w
	p.wmu.Unlock()
	p.flushMu.Unlock()

	p.failures.Store(0)
	p.connected.Store(false)

	if old != nil && old != w {
		if err := old.Close(); err != nil {
			p.log.Warn("closing previous writer", "backend", old.Name(), "error", err)
		}
	}
	if w != nil {
		p.log.Info("store writer replaced", "backend", w.Name(), "queue_depth", p.queue.Len())
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// SetMeasurement changes the measurement name for points submitted from
// now on. Queued points keep the name they were created with.
func (p *Persister) SetMeasurement(m string) {
	if m == "" {
		return
	}
	p.flushMu.Lock()
	p.cfg.Measurement = m
	p.flushMu.Unlock()
}

// Writer returns the current writer, or nil.
func (p *Persister) Writer() Writer {
	p.wmu.RLock()
	defer p.wmu.RUnlock()
	return p.writer
}

// Connected reports whether the store is considered reachable.
func (p *Persister) Connected() bool {
	return p.connected.Load()
}

// Queue exposes the retry queue for inspection.
func (p *Persister) Queue() *RetryQueue {
	return p.queue
}

// Stats returns counters for status reporting.
func (p *Persister) Stats() Stats {
	backend := ""
	if w := p.Writer(); w != nil {
		backend = w.Name()
	}

	p.errMu.Lock()
	lastErr := p.lastErr
	p.errMu.Unlock()

	return Stats{
		Backend:             backend,
		Connected:           p.Connected(),
		QueueDepth:          p.queue.Len(),
		QueueCapacity:       p.queue.Cap(),
		Dropped:             p.queue.Dropped(),
		Written:             p.written.Load(),
		ConsecutiveFailures: p.failures.Load(),
		LastError:           lastErr,
	}
}

func (p *Persister) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.tick(ctx)

	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.tick(ctx)
	}
}

// tick flushes the backlog, or pings when there is nothing to flush.
func (p *Persister) tick(ctx context.Context) {
	if p.queue.Len() > 0 {
		if _, err := p.Flush(ctx); err != nil {
			p.log.Debug("flush failed", "error", err, "queue_depth", p.queue.Len())
		}
		return
	}
	if err := p.Ping(ctx); err != nil {
		p.log.Debug("store ping failed", "error", err)
	}
}

// write must be called with flushMu held.
func (p *Persister) write(ctx context.Context, pt Point) error {
	w := p.Writer()
	if w == nil {
		p.recordFailure(ErrNoWriter)
		return ErrNoWriter
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := w.Write(ctx, pt); err != nil {
		err = &WriteError{Backend: w.Name(), Err: err}
		p.recordFailure(err)
		return err
	}
	p.written.Add(1)
	p.recordSuccess()
	return nil
}

func (p *Persister) enqueue(pt Point) {
	if err := p.queue.Push(pt); errors.Is(err, ErrQueueFull) {
		p.log.Warn("retry queue full, dropped oldest point",
			"capacity", p.queue.Cap(),
			"dropped_total", p.queue.Dropped())
	}
}

func (p *Persister) recordFailure(err error) {
	n := p.failures.Add(1)
	if n >= int64(p.cfg.FailureThreshold) && p.connected.Swap(false) {
		p.log.Warn("store marked disconnected", "error", err, "consecutive_failures", n)
	}

	p.errMu.Lock()
	p.lastErr = err.Error()
	p.errMu.Unlock()
}

func (p *Persister) recordSuccess() {
	p.failures.Store(0)
	if !p.connected.Swap(true) {
		backend := ""
		if w := p.Writer(); w != nil {
			backend = w.Name()
		}
		p.log.Info("store connected", "backend", backend)
	}
}

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/internal/log"
)

var errReconnectRequested = errors.New("reconnect requested")

// Resolution is the pixel size of decoded frames.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Frame is an owned copy of a decoded image. Close it when done.
type Frame struct {
	Image      gocv.Mat
	CapturedAt time.Time
	Seq        uint64
}

// Resolution returns the frame size.
func (f Frame) Resolution() Resolution {
	return Resolution{Width: f.Image.Cols(), Height: f.Image.Rows()}
}

// Close releases the image.
func (f *Frame) Close() {
	f.Image.Close()
}

// Stats is a point-in-time view of the source.
type Stats struct {
	Connected           bool       `json:"connected"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	Reconnects          int64      `json:"reconnects"`
	Frames              uint64     `json:"frames"`
	LastFrameAt         time.Time  `json:"last_frame_at,omitempty"`
	Resolution          Resolution `json:"resolution"`
}

// Source keeps one connection to the camera and the latest decoded frame.
// A reader goroutine overwrites a single slot; readers get a clone.
// On failure it reconnects every ReconnectInterval, forever.
type Source struct {
	opener Opener
	log    *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu         sync.RWMutex
	active     bool
	latest     *gocv.Mat
	latestAt   time.Time
	seq        uint64
	generation uint64 // incremented on every successful open
	frameGen   uint64 // generation the latest frame came from
	resolution Resolution
	streaming  bool

	failures   atomic.Int64
	reconnects atomic.Int64

	reconnectCh chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource creates a frame source. A nil opener picks the driver from
// cfg.Mode on every connection attempt.
func NewSource(cfg Config, opener Opener) *Source {
	return &Source{
		cfg:         cfg,
		opener:      opener,
		log:         log.Component("camera"),
		reconnectCh: make(chan struct{}, 1),
	}
}

// WithLogger replaces the source's logger.
func (s *Source) WithLogger(l *slog.Logger) *Source {
	s.log = l
	return s
}

// Start launches the connection loop. It is a no-op if already running.
func (s *Source) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	go s.run(ctx, s.done)
}

// Stop ends the connection loop and releases the cached frame.
func (s *Source) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.active = false
	s.streaming = false
	if s.latest != nil {
		s.latest.Close()
		s.latest = nil
	}
	s.mu.Unlock()
}

// Running reports whether the connection loop is active.
func (s *Source) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Config returns a copy of the current configuration.
func (s *Source) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig replaces the configuration. A change of URL, mode or
// credentials drops the current connection and reconnects.
func (s *Source) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	if old.StreamURL != cfg.StreamURL || old.Mode != cfg.Mode ||
		old.Username != cfg.Username || old.Password != cfg.Password {
		s.log.Info("stream settings changed", "url", redact(cfg.StreamURL), "mode", cfg.Mode)
		s.requestReconnect()
	}
}

// Latest returns a clone of the most recent frame. It fails with ErrNoFrame
// before the first frame, and with ErrStale when the last frame is older
// than the liveness window.
func (s *Source) Latest() (Frame, error) {
	window := s.Config().LivenessWindow

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil || s.latest.Empty() {
		return Frame{}, &Error{Op: "latest", Err: ErrNoFrame}
	}
	if age := time.Since(s.latestAt); window > 0 && age > window {
		return Frame{}, &Error{Op: "latest", Err: fmt.Errorf("%w: last frame %s ago", ErrStale, age.Round(time.Millisecond))}
	}
	return Frame{Image: s.latest.Clone(), CapturedAt: s.latestAt, Seq: s.seq}, nil
}

// Connected reports whether the stream is delivering frames within the
// liveness window.
func (s *Source) Connected() bool {
	window := s.Config().LivenessWindow

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming && time.Since(s.latestAt) <= window
}

// Resolution returns the size of the latest frame.
func (s *Source) Resolution() Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolution
}

// Stats returns counters for status reporting.
func (s *Source) Stats() Stats {
	connected := s.Connected()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Connected:           connected,
		ConsecutiveFailures: s.failures.Load(),
		Reconnects:          s.reconnects.Load(),
		Frames:              s.seq,
		LastFrameAt:         s.latestAt,
		Resolution:          s.resolution,
	}
}

// Reconnect drops the current connection, reopens it and waits for the
// first new frame. Without a deadline on ctx it waits up to one reconnect
// interval plus one liveness window.
func (s *Source) Reconnect(ctx context.Context) (Resolution, error) {
	cfg := s.Config()
	if !s.Running() {
		return Resolution{}, &Error{Op: "reconnect", URL: cfg.StreamURL, Err: ErrNotStarted}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReconnectInterval+cfg.LivenessWindow)
		defer cancel()
	}

	s.mu.RLock()
	gen := s.generation
	s.mu.RUnlock()

	s.requestReconnect()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.RLock()
		fg, res := s.frameGen, s.resolution
		s.mu.RUnlock()
		if fg > gen {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return Resolution{}, &Error{Op: "reconnect", URL: cfg.StreamURL, Err: ctx.Err()}
		case <-tick.C:
		}
	}
}

func (s *Source) requestReconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		cfg := s.Config()
		if cfg.StreamURL == "" {
			// Nothing to connect to until SetConfig supplies a URL.
			select {
			case <-ctx.Done():
				return
			case <-s.reconnectCh:
			}
			continue
		}
		err := s.session(ctx, cfg)
		s.setStreaming(false)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errReconnectRequested) {
			s.reconnects.Add(1)
			s.log.Info("reconnecting on request", "url", redact(cfg.StreamURL))
			continue
		}

		n := s.failures.Add(1)
		s.log.Warn("stream unavailable",
			"url", redact(cfg.StreamURL),
			"error", err,
			"consecutive_failures", n,
			"retry_in", cfg.ReconnectInterval)

		select {
		case <-ctx.Done():
			return
		case <-s.reconnectCh:
		case <-time.After(cfg.ReconnectInterval):
		}
		s.reconnects.Add(1)
	}
}

// session opens one connection and supervises it until it fails, goes
// quiet for a liveness window, or a reconnect is requested.
func (s *Source) session(ctx context.Context, cfg Config) error {
	opener := s.opener
	if opener == nil {
		opener = NewOpener(cfg)
	}

	stream, err := opener.Open(ctx, cfg.StreamURL)
	if err != nil {
		return &Error{Op: "open", URL: cfg.StreamURL, Err: err}
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	beat := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go s.readFrames(stream, gen, beat, errCh, stop)

	liveness := time.NewTimer(cfg.LivenessWindow)
	defer liveness.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reconnectCh:
			return errReconnectRequested
		case err := <-errCh:
			return &Error{Op: "read", URL: cfg.StreamURL, Err: err}
		case <-liveness.C:
			return &Error{Op: "read", URL: cfg.StreamURL, Err: fmt.Errorf("%w: no frame for %s", ErrStale, cfg.LivenessWindow)}
		case <-beat:
			if first {
				first = false
				s.failures.Store(0)
				s.setStreaming(true)
				s.log.Info("stream connected", "url", redact(cfg.StreamURL), "resolution", s.Resolution().String())
			}
			liveness.Reset(cfg.LivenessWindow)
		}
	}
}

// readFrames owns the stream. It closes the stream once stop is closed and
// the current Read returns; a Read that never returns leaks this goroutine
// but never races a concurrent Close.
func (s *Source) readFrames(stream Stream, gen uint64, beat chan<- struct{}, errCh chan<- error, stop <-chan struct{}) {
	buf := gocv.NewMat()
	defer buf.Close()
	defer stream.Close()

	for {
		if err := stream.Read(&buf); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		s.publish(buf, gen)

		select {
		case beat <- struct{}{}:
		default:
		}
	}
}

func (s *Source) publish(m gocv.Mat, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	if s.latest == nil {
		mat := gocv.NewMat()
		s.latest = &mat
	}
	m.CopyTo(s.latest)
	s.latestAt = time.Now()
	s.seq++
	s.frameGen = gen
	s.resolution = Resolution{Width: m.Cols(), Height: m.Rows()}
}

func (s *Source) setStreaming(v bool) {
	s.mu.Lock()
	s.streaming = v
	s.mu.Unlock()
}

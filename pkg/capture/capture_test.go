package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

type fakeFrames struct {
	img gocv.Mat
	err error
}

func (f *fakeFrames) Latest() (camera.Frame, error) {
	if f.err != nil {
		return camera.Frame{}, f.err
	}
	return camera.Frame{Image: f.img.Clone(), CapturedAt: time.Now()}, nil
}

func newFrames(t *testing.T) *fakeFrames {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 480, 640, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	return &fakeFrames{img: img}
}

// byWidth answers with the text registered for the width of the image,
// which identifies the region since simple mode keeps the size.
type byWidth map[int]func(ctx context.Context) (string, error)

func (b byWidth) recognizer() ocr.Recognizer {
	return ocr.RecognizerFunc(func(ctx context.Context, img gocv.Mat, psm int) (string, error) {
		fn, ok := b[img.Cols()]
		if !ok {
			return "", errors.New("unexpected region")
		}
		return fn(ctx)
	})
}

func text(s string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return s, nil }
}

func region(id, width int) roi.Region {
	return roi.Region{ID: id, X: 10, Y: 10, Width: width, Height: 20}
}

type planHolder struct {
	mu   sync.Mutex
	plan Plan
}

func (h *planHolder) get() Plan {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.plan
	p.Regions = roi.Clone(h.plan.Regions)
	return p
}

func (h *planHolder) setRegions(r []roi.Region) {
	h.mu.Lock()
	h.plan.Regions = r
	h.mu.Unlock()
}

func newPlan(regions ...roi.Region) *planHolder {
	return &planHolder{plan: Plan{
		Regions:  regions,
		Settings: ocr.DefaultSettings(),
		Range:    reading.DefaultRange(),
	}}
}

type recordingSink struct {
	mu      sync.Mutex
	batches []reading.Batch
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Consume(ctx context.Context, b reading.Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newScheduler(frames FrameProvider, rec ocr.Recognizer, plan *planHolder, sinks ...Sink) *Scheduler {
	cfg := DefaultConfig()
	cfg.Interval = time.Minute
	cfg.CycleTimeout = 5 * time.Second
	return New(cfg, Deps{
		Frames:     frames,
		Recognizer: rec,
		Plan:       plan.get,
		Store:      reading.NewStore(),
		Sinks:      sinks,
	}).WithLogger(log.Discard())
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestScheduler_CaptureNowValidatesInRegionOrder(t *testing.T) {
	rec := byWidth{30: text("36.5"), 40: text("abc"), 50: text("45.0")}.recognizer()
	sink := &recordingSink{}
	s := newScheduler(newFrames(t), rec, newPlan(region(3, 30), region(1, 40), region(2, 50)), sink)

	b, err := s.CaptureNow(context.Background(), false)
	if err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}
	if _, err := uuid.Parse(b.ID); err != nil {
		t.Errorf("batch ID %q is not a UUID", b.ID)
	}

	want := []struct {
		id     int
		valid  bool
		reason string
	}{
		{3, true, ""},
		{1, false, reading.ReasonParseFailed},
		{2, false, reading.ReasonOutOfRange},
	}
	if len(b.Readings) != len(want) {
		t.Fatalf("got %d readings", len(b.Readings))
	}
	for i, w := range want {
		r := b.Readings[i]
		if r.SensorID != w.id || r.Valid != w.valid || r.Reason != w.reason {
			t.Errorf("reading %d = {id:%d valid:%v reason:%q}, want %+v", i, r.SensorID, r.Valid, r.Reason, w)
		}
	}
	if v, _ := b.Readings[0].Value(); v != 36.5 {
		t.Errorf("temperature = %v", v)
	}

	latest, ok := s.Store().Latest()
	if !ok || latest.ID != b.ID {
		t.Errorf("store not updated: %+v", latest)
	}
	if sink.count() != 1 {
		t.Errorf("sink got %d batches", sink.count())
	}
}

func TestScheduler_RegionFailuresAreIsolated(t *testing.T) {
	rec := byWidth{
		30: text("36.9"),
		40: func(context.Context) (string, error) { return "", ocr.ErrEngineUnavailable },
		50: func(context.Context) (string, error) { panic("tesseract crashed") },
	}.recognizer()

	outside := roi.Region{ID: 2, X: 700, Y: 10, Width: 35, Height: 20}
	s := newScheduler(newFrames(t), rec, newPlan(region(1, 30), outside, region(3, 40), region(4, 50)))

	b, err := s.CaptureNow(context.Background(), false)
	if err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}

	wantReasons := []string{"", reading.ReasonExtractionFailed, reading.ReasonOCRFailed, reading.ReasonOCRFailed}
	for i, want := range wantReasons {
		if got := b.Readings[i].Reason; got != want {
			t.Errorf("reading %d reason = %q, want %q (detail %q)", i, got, want, b.Readings[i].Detail)
		}
	}
	if !b.Readings[0].Valid {
		t.Error("healthy region not valid")
	}
	if !strings.Contains(b.Readings[3].Detail, "panic") {
		t.Errorf("panic detail = %q", b.Readings[3].Detail)
	}
}

func TestScheduler_ConcurrentCaptureIsRejected(t *testing.T) {
	release := make(chan struct{})
	rec := byWidth{30: func(context.Context) (string, error) {
		<-release
		return "36.0", nil
	}}.recognizer()
	s := newScheduler(newFrames(t), rec, newPlan(region(1, 30)))

	first := make(chan error, 1)
	go func() {
		_, err := s.CaptureNow(context.Background(), false)
		first <- err
	}()
	waitState(t, s, StateCapturing)

	if _, err := s.CaptureNow(context.Background(), false); !errors.Is(err, ErrBusy) {
		t.Errorf("second CaptureNow = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first CaptureNow = %v", err)
	}
	if st := s.Status(); st.Rejected != 1 || st.Cycles != 1 {
		t.Errorf("Status = %+v", st)
	}
	if s.State() != StateIdle {
		t.Errorf("state after cycle = %s", s.State())
	}
}

func TestScheduler_CameraErrorFailsFast(t *testing.T) {
	frames := &fakeFrames{err: &camera.Error{Op: "latest", Err: camera.ErrNoFrame}}
	s := newScheduler(frames, byWidth{}.recognizer(), newPlan(region(1, 30)))

	for i := 0; i < 2; i++ {
		_, err := s.CaptureNow(context.Background(), false)
		if !camera.IsCameraError(err) {
			t.Fatalf("attempt %d: err = %v, want camera error", i, err)
		}
	}
	if _, ok := s.Store().Latest(); ok {
		t.Error("store updated after camera failure")
	}
	if s.Status().LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestScheduler_CycleTimeoutReleasesGate(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	rec := byWidth{30: func(context.Context) (string, error) {
		<-stuck // ignores ctx like a hung engine
		return "36.0", nil
	}}.recognizer()
	sink := &recordingSink{}
	s := newScheduler(newFrames(t), rec, newPlan(region(1, 30)), sink)
	s.cfg.CycleTimeout = 50 * time.Millisecond

	_, err := s.CaptureNow(context.Background(), false)
	if !errors.Is(err, ErrCycleTimeout) {
		t.Fatalf("CaptureNow = %v, want ErrCycleTimeout", err)
	}
	if s.State() == StateCapturing {
		t.Error("gate still held after timeout")
	}
	if sink.count() != 0 {
		t.Error("timed out cycle was published")
	}
}

func TestScheduler_StopMidCycleCompletesAndPublishes(t *testing.T) {
	release := make(chan struct{})
	rec := byWidth{30: func(context.Context) (string, error) {
		<-release
		return "36.2", nil
	}}.recognizer()
	sink := &recordingSink{}
	s := newScheduler(newFrames(t), rec, newPlan(region(1, 30)), sink)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s, StateCapturing)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(release)
	s.Wait()

	if sink.count() != 1 {
		t.Fatalf("sink got %d batches, want 1", sink.count())
	}
	if b, ok := s.Store().Latest(); !ok || !b.Readings[0].Valid {
		t.Errorf("in-flight cycle not published: %+v", b)
	}
	if s.Running() || s.State() != StateIdle {
		t.Errorf("state after stop = %s", s.State())
	}
	if !s.Status().NextCycleAt.IsZero() {
		t.Error("next cycle still scheduled after stop")
	}
}

func TestScheduler_StartStopTransitions(t *testing.T) {
	s := newScheduler(newFrames(t), byWidth{30: text("36.0")}.recognizer(), newPlan(region(1, 30)))

	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop on idle = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	s.Wait()
}

func TestScheduler_InvalidPlanEntersErrorState(t *testing.T) {
	plan := newPlan(region(1, 30), region(1, 40))
	s := newScheduler(newFrames(t), byWidth{30: text("36.0"), 40: text("36.1")}.recognizer(), plan)

	if err := s.Start(); !errors.Is(err, ErrFailed) {
		t.Fatalf("Start = %v, want ErrFailed", err)
	}
	if s.State() != StateError {
		t.Fatalf("state = %s, want error", s.State())
	}

	plan.setRegions([]roi.Region{region(1, 30), region(2, 40)})
	if err := s.Start(); !errors.Is(err, ErrFailed) {
		t.Errorf("Start before Reset = %v, want ErrFailed", err)
	}

	s.Reset()
	if s.State() != StateIdle {
		t.Errorf("state after Reset = %s", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start after Reset: %v", err)
	}
	s.Stop()
	s.Wait()
}

func TestScheduler_DebugImages(t *testing.T) {
	s := newScheduler(newFrames(t), byWidth{30: text("36.4")}.recognizer(), newPlan(region(1, 30)))

	b, err := s.CaptureNow(context.Background(), true)
	if err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}
	imgs := b.Readings[0].DebugImages
	for _, stage := range []string{ocr.StageInput, ocr.StageGray, ocr.StageBinary} {
		if !strings.HasPrefix(imgs[stage], pngDataURI) {
			t.Errorf("stage %q missing or not a PNG data URI", stage)
		}
	}

	latest, _ := s.Store().Latest()
	if latest.Readings[0].DebugImages != nil {
		t.Error("store kept debug images")
	}
}

func TestScheduler_PlanSnapshotPerCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	rec := byWidth{
		30: func(context.Context) (string, error) {
			close(entered)
			<-release
			return "36.0", nil
		},
		40: text("36.1"),
	}.recognizer()
	plan := newPlan(region(1, 30))
	s := newScheduler(newFrames(t), rec, plan)

	done := make(chan reading.Batch, 1)
	go func() {
		b, _ := s.CaptureNow(context.Background(), false)
		done <- b
	}()
	<-entered

	plan.setRegions([]roi.Region{region(1, 30), region(2, 40)})
	close(release)

	if b := <-done; len(b.Readings) != 1 {
		t.Errorf("edit leaked into running cycle: %d readings", len(b.Readings))
	}
}

func TestScheduler_SetInterval(t *testing.T) {
	s := newScheduler(newFrames(t), byWidth{}.recognizer(), newPlan())

	for _, d := range []time.Duration{0, 30 * time.Second, 61 * time.Minute} {
		if err := s.SetInterval(d); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("SetInterval(%s) = %v", d, err)
		}
	}
	if err := s.SetInterval(5 * time.Minute); err != nil || s.Interval() != 5*time.Minute {
		t.Errorf("SetInterval(5m) = %v, interval %s", err, s.Interval())
	}
}

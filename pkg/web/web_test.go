package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gorilla "github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/internal/config"
	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/capture"
	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/persist"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

type testStream struct{}

func (testStream) Read(dst *gocv.Mat) error {
	time.Sleep(5 * time.Millisecond)
	m := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return nil
}

func (testStream) Close() error { return nil }

type testOpener struct {
	mu   sync.Mutex
	urls []string
	down bool
}

func (o *testOpener) Open(ctx context.Context, url string) (camera.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	if o.down {
		return nil, errors.New("connection refused")
	}
	return testStream{}, nil
}

func (o *testOpener) lastURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.urls) == 0 {
		return ""
	}
	return o.urls[len(o.urls)-1]
}

type fakeWriter struct {
	name   string
	host   string
	down   bool
	mu     sync.Mutex
	points []persist.Point
	closed atomic.Bool
}

func (w *fakeWriter) Name() string { return w.name }

func (w *fakeWriter) Write(ctx context.Context, p persist.Point) error {
	if w.down {
		return errors.New("unreachable")
	}
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Ping(ctx context.Context) error {
	if w.down {
		return errors.New("unreachable")
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

type harness struct {
	srv    *Server
	app    *fiber.App
	cfg    *config.Store
	cam    *camera.Source
	opener *testOpener
	sched  *capture.Scheduler
	pers   *persist.Persister
	writer *fakeWriter

	factoryMu sync.Mutex
	built     []*fakeWriter

	// release unblocks a recognizer started with blockOCR.
	release  chan struct{}
	blockOCR atomic.Bool
}

func newHarness(t *testing.T, cameraDown bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	doc := config.Default()
	doc.StreamURL = "http://cam.test/stream"
	doc.ROIs = []roi.Region{{ID: 1, Name: "cage 1", X: 10, Y: 10, Width: 50, Height: 20}}
	cfgStore := config.NewStore(filepath.Join(t.TempDir(), "rois.json"), doc)

	h := &harness{
		cfg:     cfgStore,
		opener:  &testOpener{down: cameraDown},
		writer:  &fakeWriter{name: "influxdb"},
		release: make(chan struct{}),
	}

	h.cam = camera.NewSource(doc.CameraConfig(), h.opener).WithLogger(log.Discard())
	h.cam.Start(ctx)
	t.Cleanup(h.cam.Stop)

	h.pers = persist.New(doc.PersistConfig(), h.writer).WithLogger(log.Discard())

	rec := ocr.RecognizerFunc(func(ctx context.Context, img gocv.Mat, psm int) (string, error) {
		if h.blockOCR.Load() {
			<-h.release
		}
		return "36.8", nil
	})

	var srv *Server
	h.sched = capture.New(doc.CaptureConfig(), capture.Deps{
		Frames:     h.cam,
		Recognizer: rec,
		Plan: func() capture.Plan {
			d := cfgStore.Get()
			return d.Plan()
		},
		Sinks: []capture.Sink{
			capture.PersistSink(h.pers),
			capture.NewSink("status", func(ctx context.Context, b reading.Batch) error {
				srv.PushStatus()
				return nil
			}),
		},
	}).WithLogger(log.Discard())
	t.Cleanup(func() { _ = h.sched.Stop() })

	srv = New(Deps{
		Config:    cfgStore,
		Camera:    h.cam,
		Scheduler: h.sched,
		Persister: h.pers,
		NewWriter: func(ctx context.Context, d config.Document) (persist.Writer, error) {
			w := &fakeWriter{name: "influxdb", host: d.InfluxDB.Host, down: d.InfluxDB.Host == "down.local"}
			h.factoryMu.Lock()
			h.built = append(h.built, w)
			h.factoryMu.Unlock()
			return w, nil
		},
	})
	srv.log = log.Discard()
	h.srv = srv
	h.app = srv.App()

	if !cameraDown {
		waitFor(t, "camera connected", func() bool { return h.cam.Connected() })
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestServer_Status(t *testing.T) {
	h := newHarness(t, false)

	code, st := h.do(t, http.MethodGet, "/api/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if st["camera_connected"] != true || st["processing_running"] != false {
		t.Errorf("status = %v", st)
	}
	if st["scheduler_state"] != string(capture.StateIdle) || st["interval_minutes"] != float64(15) {
		t.Errorf("status = %v", st)
	}
	res, _ := st["video_resolution"].(map[string]any)
	if res["width"] != float64(640) || res["height"] != float64(480) {
		t.Errorf("video_resolution = %v", st["video_resolution"])
	}
	if readings, _ := st["last_readings"].([]any); len(readings) != 0 || st["last_reading_time"] != nil {
		t.Errorf("expected no readings yet: %v", st)
	}
}

func TestServer_ROIs(t *testing.T) {
	h := newHarness(t, false)

	regions := []roi.Region{
		{ID: 1, X: 0, Y: 0, Width: 40, Height: 20},
		{ID: 2, Name: "cage 2", X: 100, Y: 0, Width: 40, Height: 20},
	}
	if code, body := h.do(t, http.MethodPost, "/api/rois", regions); code != http.StatusOK || body["success"] != true {
		t.Fatalf("POST rois = %d %v", code, body)
	}
	if got := h.cfg.Get().ROIs; len(got) != 2 || got[1].Name != "cage 2" {
		t.Errorf("stored rois = %+v", got)
	}

	dup := []roi.Region{{ID: 1, Width: 10, Height: 10}, {ID: 1, X: 20, Width: 10, Height: 10}}
	if code, _ := h.do(t, http.MethodPost, "/api/rois", dup); code != http.StatusBadRequest {
		t.Errorf("duplicate ids code = %d, want 400", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/api/rois", map[string]int{"id": 1}); code != http.StatusBadRequest {
		t.Errorf("object body code = %d, want 400", code)
	}
	if len(h.cfg.Get().ROIs) != 2 {
		t.Error("rejected update changed the regions")
	}
}

func TestServer_CapturePersistsAndUpdatesStatus(t *testing.T) {
	h := newHarness(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/capture", nil)
	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture code = %d", resp.StatusCode)
	}

	var out struct {
		Success  bool              `json:"success"`
		ID       string            `json:"id"`
		Readings []reading.Reading `json:"readings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.ID == "" || len(out.Readings) != 1 {
		t.Fatalf("capture = %+v", out)
	}
	r := out.Readings[0]
	if !r.Valid || r.Temperature == nil || *r.Temperature != 36.8 || r.SensorName != "cage 1" {
		t.Errorf("reading = %+v", r)
	}
	if len(r.DebugImages) != 0 {
		t.Error("plain capture returned debug images")
	}

	if h.writer.count() != 1 {
		t.Errorf("points written = %d, want 1", h.writer.count())
	}
	_, st := h.do(t, http.MethodGet, "/api/status", nil)
	if readings, _ := st["last_readings"].([]any); len(readings) != 1 || st["last_reading_time"] == nil {
		t.Errorf("status after capture = %v", st)
	}
}

func TestServer_CaptureDebugEmbedsImages(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/capture/debug", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d %v", code, body)
	}
	readings, _ := body["readings"].([]any)
	if len(readings) != 1 {
		t.Fatalf("readings = %v", body["readings"])
	}
	first, _ := readings[0].(map[string]any)
	if imgs, _ := first["debug_images"].(map[string]any); len(imgs) == 0 {
		t.Errorf("debug capture without images: %v", first)
	}
}

func TestServer_ConcurrentCaptureIsBusy(t *testing.T) {
	h := newHarness(t, false)
	h.blockOCR.Store(true)

	first := make(chan int, 1)
	go func() {
		resp, err := h.app.Test(httptest.NewRequest(http.MethodPost, "/api/capture", nil), -1)
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()

	waitFor(t, "capturing", func() bool { return h.sched.State() == capture.StateCapturing })

	code, body := h.do(t, http.MethodPost, "/api/capture", nil)
	if code != http.StatusConflict || body["success"] != false {
		t.Errorf("second capture = %d %v, want 409", code, body)
	}

	close(h.release)
	if got := <-first; got != http.StatusOK {
		t.Errorf("first capture = %d", got)
	}
}

func TestServer_CaptureWithoutCamera(t *testing.T) {
	h := newHarness(t, true)

	if code, body := h.do(t, http.MethodPost, "/api/capture", nil); code != http.StatusServiceUnavailable {
		t.Errorf("capture = %d %v, want 503", code, body)
	}
	if code, _ := h.do(t, http.MethodGet, "/api/frame.jpg", nil); code != http.StatusServiceUnavailable {
		t.Errorf("frame = %d, want 503", code)
	}
}

func TestServer_StartStop(t *testing.T) {
	h := newHarness(t, false)

	if code, body := h.do(t, http.MethodPost, "/api/start", nil); code != http.StatusOK {
		t.Fatalf("start = %d %v", code, body)
	}
	if code, _ := h.do(t, http.MethodPost, "/api/start", nil); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}
	if _, st := h.do(t, http.MethodGet, "/api/status", nil); st["processing_running"] != true {
		t.Errorf("not running after start: %v", st)
	}

	if code, _ := h.do(t, http.MethodPost, "/api/stop", nil); code != http.StatusOK {
		t.Errorf("stop = %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/api/stop", nil); code != http.StatusConflict {
		t.Errorf("second stop = %d, want 409", code)
	}
	h.sched.Wait()
}

func TestServer_OCRSettingsMerge(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/ocr-settings", map[string]any{
		"temperature_range": map[string]float64{"min": 10, "max": 40},
		"ocr_settings":      map[string]any{"block_size": 12, "use_clahe": true},
	})
	if code != http.StatusOK {
		t.Fatalf("code = %d %v", code, body)
	}

	doc := h.cfg.Get()
	if doc.OCRSettings.BlockSize != 13 || !doc.OCRSettings.UseCLAHE {
		t.Errorf("ocr settings = %+v", doc.OCRSettings)
	}
	if doc.OCRSettings.ThresholdValue != 200 {
		t.Errorf("unposted field changed: threshold_value = %d", doc.OCRSettings.ThresholdValue)
	}
	if doc.TemperatureRange.Max != 40 {
		t.Errorf("range = %+v", doc.TemperatureRange)
	}

	code, _ = h.do(t, http.MethodPost, "/api/ocr-settings", map[string]any{
		"ocr_settings": map[string]any{"threshold_mode": "otsu"},
	})
	if code != http.StatusBadRequest {
		t.Errorf("invalid mode code = %d, want 400", code)
	}
	if h.cfg.Get().OCRSettings.Mode != ocr.ModeSimple {
		t.Error("rejected update changed the mode")
	}

	code, _ = h.do(t, http.MethodPost, "/api/ocr-settings", map[string]any{
		"temperature_range": map[string]float64{"min": 1, "max": 2},
		"ocr_settings":      map[string]any{"block_size": "large"},
	})
	if code != http.StatusBadRequest {
		t.Errorf("malformed ocr_settings code = %d, want 400", code)
	}
	if h.cfg.Get().TemperatureRange.Max != 40 {
		t.Errorf("malformed request changed the range: %+v", h.cfg.Get().TemperatureRange)
	}

	code, _ = h.do(t, http.MethodPost, "/api/ocr-settings", map[string]any{
		"ocr_settings": map[string]any{"confusions": map[string]string{}},
	})
	if code != http.StatusOK {
		t.Fatalf("disable confusions code = %d", code)
	}
	saved, err := config.Load(h.cfg.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c := saved.OCRSettings.Confusions; c == nil || len(c) != 0 {
		t.Errorf("saved confusions = %v, want empty table", c)
	}
}

func TestServer_InfluxSettings(t *testing.T) {
	h := newHarness(t, false)

	_, got := h.do(t, http.MethodGet, "/api/influxdb", nil)
	if _, ok := got["password"]; ok {
		t.Error("password returned")
	}

	code, body := h.do(t, http.MethodPost, "/api/influxdb", map[string]any{
		"host": "db.local", "measurement": "anipills", "password": "pw",
	})
	if code != http.StatusOK || body["connected"] != true {
		t.Fatalf("POST influxdb = %d %v", code, body)
	}
	w, ok := h.pers.Writer().(*fakeWriter)
	if !ok || w.host != "db.local" {
		t.Fatalf("writer not swapped: %#v", h.pers.Writer())
	}
	if !h.writer.closed.Load() {
		t.Error("previous writer not closed")
	}

	h.do(t, http.MethodPost, "/api/influxdb", map[string]any{"port": 8087, "password": ""})
	doc := h.cfg.Get()
	if doc.InfluxDB.Password != "pw" || doc.InfluxDB.Port != 8087 || doc.InfluxDB.Host != "db.local" {
		t.Errorf("influxdb = %+v", doc.InfluxDB)
	}

	if code, _ := h.do(t, http.MethodPost, "/api/influxdb", map[string]any{"port": 0}); code != http.StatusBadRequest {
		t.Errorf("invalid port code = %d, want 400", code)
	}
}

func TestServer_InfluxTestDoesNotTouchLiveWriter(t *testing.T) {
	h := newHarness(t, false)

	tests := []struct {
		host string
		want bool
	}{
		{"db.local", true},
		{"down.local", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/api/influxdb/test", map[string]any{"host": tt.host})
			if code != http.StatusOK || body["success"] != tt.want {
				t.Errorf("test = %d %v, want success=%v", code, body, tt.want)
			}
		})
	}

	if h.pers.Writer() != persist.Writer(h.writer) {
		t.Error("live writer replaced")
	}
	if h.cfg.Get().InfluxDB.Host != "localhost" {
		t.Error("test endpoint saved settings")
	}
	h.factoryMu.Lock()
	defer h.factoryMu.Unlock()
	for _, w := range h.built {
		if !w.closed.Load() {
			t.Errorf("throwaway writer for %s not closed", w.host)
		}
	}
}

func TestServer_ConfigUpdatesRunningComponents(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/config", map[string]any{
		"processing_interval_minutes": 5,
		"stream_url":                  "rtsp://cam.test/live",
	})
	if code != http.StatusOK {
		t.Fatalf("code = %d %v", code, body)
	}
	if h.sched.Interval() != 5*time.Minute {
		t.Errorf("scheduler interval = %v", h.sched.Interval())
	}
	waitFor(t, "reconnect to new url", func() bool { return h.opener.lastURL() == "rtsp://cam.test/live" })

	_, got := h.do(t, http.MethodGet, "/api/config", nil)
	if got["stream_url"] != "rtsp://cam.test/live" || got["processing_interval_minutes"] != float64(5) {
		t.Errorf("config = %v", got)
	}

	if code, _ := h.do(t, http.MethodPost, "/api/config", map[string]any{"processing_interval_minutes": 0}); code != http.StatusBadRequest {
		t.Errorf("interval 0 code = %d, want 400", code)
	}
	if h.sched.Interval() != 5*time.Minute {
		t.Error("rejected update changed the interval")
	}
}

func TestServer_ReconnectAndFrame(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/camera/reconnect", nil)
	if code != http.StatusOK {
		t.Fatalf("reconnect = %d %v", code, body)
	}
	if res, _ := body["resolution"].(map[string]any); res["width"] != float64(640) {
		t.Errorf("resolution = %v", body["resolution"])
	}

	resp, err := h.app.Test(httptest.NewRequest(http.MethodGet, "/api/frame.jpg?overlay=1", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("frame = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("body is not a JPEG")
	}
}

func TestServer_WebSocketRequiresUpgrade(t *testing.T) {
	h := newHarness(t, false)
	if code, _ := h.do(t, http.MethodGet, "/ws/status", nil); code != http.StatusUpgradeRequired {
		t.Errorf("code = %d, want 426", code)
	}
}

func serve(t *testing.T, h *harness) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestServer_StatusWebSocket(t *testing.T) {
	h := newHarness(t, false)
	addr := serve(t, h)

	conn, _, err := gorilla.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws/status", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var initial Status
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("initial status: %v", err)
	}
	if !initial.CameraConnected || len(initial.LastReadings) != 0 {
		t.Errorf("initial = %+v", initial)
	}

	waitFor(t, "status client registered", func() bool { return h.srv.statusHub.ClientCount() == 1 })
	if _, err := h.sched.CaptureNow(context.Background(), false); err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}

	var pushed Status
	if err := conn.ReadJSON(&pushed); err != nil {
		t.Fatalf("pushed status: %v", err)
	}
	if len(pushed.LastReadings) != 1 || pushed.LastReadingTime == nil {
		t.Errorf("pushed = %+v", pushed)
	}
}

func TestServer_CameraWebSocket(t *testing.T) {
	h := newHarness(t, false)
	addr := serve(t, h)

	conn, _, err := gorilla.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws/camera", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != gorilla.BinaryMessage || len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("got type %d, %d bytes; want a JPEG frame", typ, len(data))
	}

	conn.Close()
	waitFor(t, "live push stopped", func() bool {
		h.srv.liveMu.Lock()
		defer h.srv.liveMu.Unlock()
		return h.srv.liveCancel == nil
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", capture.ErrBusy, http.StatusConflict},
		{"camera", &camera.Error{Op: "latest", Err: camera.ErrNoFrame}, http.StatusServiceUnavailable},
		{"config", &config.Error{Field: "rois", Msg: "bad"}, http.StatusBadRequest},
		{"interval", capture.ErrInvalidInterval, http.StatusBadRequest},
		{"timeout", fmt.Errorf("%w after 2m", capture.ErrCycleTimeout), http.StatusGatewayTimeout},
		{"fiber", fiber.ErrUpgradeRequired, http.StatusUpgradeRequired},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.err); got != tt.want {
				t.Errorf("statusCode = %d, want %d", got, tt.want)
			}
		})
	}
}

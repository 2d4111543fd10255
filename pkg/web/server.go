// Package web serves the dashboard API: region and settings CRUD,
// scheduler control, manual captures and live websocket pushes.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-anipill/internal/config"
	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/capture"
	"github.com/teslashibe/go-anipill/pkg/hub"
	"github.com/teslashibe/go-anipill/pkg/persist"
	"github.com/teslashibe/go-anipill/pkg/reading"
)

// WriterFactory builds a store writer for the document's backend.
type WriterFactory func(ctx context.Context, d config.Document) (persist.Writer, error)

// Deps are the components the API drives.
type Deps struct {
	Config    *config.Store
	Camera    *camera.Source
	Scheduler *capture.Scheduler
	Persister *persist.Persister
	NewWriter WriterFactory
}

// Status is the /api/status document.
type Status struct {
	CameraConnected   bool              `json:"camera_connected"`
	InfluxConnected   bool              `json:"influx_connected"`
	ProcessingRunning bool              `json:"processing_running"`
	IntervalMinutes   int               `json:"interval_minutes"`
	VideoResolution   camera.Resolution `json:"video_resolution"`
	LastReadings      []reading.Reading `json:"last_readings"`
	LastReadingTime   *time.Time        `json:"last_reading_time"`

	SchedulerState  capture.State `json:"scheduler_state"`
	LastError       string        `json:"last_error,omitempty"`
	RetryQueueDepth int           `json:"retry_queue_depth"`
	DroppedPoints   uint64        `json:"dropped_points"`
	CameraFailures  int64         `json:"camera_failures"`
}

// Server is the dashboard HTTP server.
type Server struct {
	app  *fiber.App
	deps Deps
	log  *slog.Logger

	// Hubs for websocket broadcast
	statusHub *hub.Hub
	cameraHub *hub.Hub

	liveMu     sync.Mutex
	liveCtx    context.Context
	liveCancel context.CancelFunc
}

// New creates the server and registers all routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		log:       log.Component("web"),
		statusHub: hub.New("status"),
		cameraHub: hub.New("camera"),
		liveCtx:   context.Background(),
	}
	s.cameraHub.OnFirstClient = s.startLive
	s.cameraHub.OnLastClient = s.stopLive
	deps.Config.OnChange(s.applyConfig)

	app := fiber.New(fiber.Config{
		AppName:               "anipill",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/rois", s.handleGetROIs)
	api.Post("/rois", s.handleSetROIs)
	api.Get("/status", s.handleStatus)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/capture", s.handleCapture(false))
	api.Post("/capture/debug", s.handleCapture(true))
	api.Post("/camera/reconnect", s.handleReconnect)
	api.Get("/ocr-settings", s.handleGetOCRSettings)
	api.Post("/ocr-settings", s.handleSetOCRSettings)
	api.Get("/influxdb", s.handleGetInflux)
	api.Post("/influxdb", s.handleSetInflux)
	api.Post("/influxdb/test", s.handleTestInflux)
	api.Get("/config", s.handleGetConfig)
	api.Post("/config", s.handleSetConfig)
	api.Get("/frame.jpg", s.handleFrame)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is canceled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hubs and serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.liveMu.Lock()
	s.liveCtx = ctx
	s.liveMu.Unlock()

	go s.statusHub.Run(ctx)
	go s.cameraHub.Run(ctx)
	go func() {
		<-ctx.Done()
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
	}()

	s.log.Info("dashboard listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Status assembles the current status document.
func (s *Server) Status() Status {
	sched := s.deps.Scheduler.Status()
	cam := s.deps.Camera.Stats()

	st := Status{
		CameraConnected:   cam.Connected,
		ProcessingRunning: sched.Running,
		IntervalMinutes:   int(s.deps.Scheduler.Interval() / time.Minute),
		VideoResolution:   cam.Resolution,
		LastReadings:      []reading.Reading{},
		SchedulerState:    sched.State,
		LastError:         sched.LastError,
		CameraFailures:    cam.ConsecutiveFailures,
	}
	if s.deps.Persister != nil {
		ps := s.deps.Persister.Stats()
		st.InfluxConnected = ps.Connected
		st.RetryQueueDepth = ps.QueueDepth
		st.DroppedPoints = ps.Dropped
	}
	if b, ok := s.deps.Scheduler.Store().Latest(); ok {
		st.LastReadings = b.Readings
		ts := b.Timestamp
		st.LastReadingTime = &ts
	}
	return st
}

// PushStatus broadcasts the current status to /ws/status clients.
func (s *Server) PushStatus() {
	if s.statusHub.ClientCount() == 0 {
		return
	}
	if err := s.statusHub.BroadcastJSON(s.Status()); err != nil {
		s.log.Warn("encode status", "error", err)
	}
}

// startLive begins pushing overlay frames. Called from the camera hub
// when the first client connects.
func (s *Server) startLive() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.liveCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.liveCtx)
	s.liveCancel = cancel
	go s.pushFrames(ctx)
}

func (s *Server) stopLive() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.liveCancel != nil {
		s.liveCancel()
		s.liveCancel = nil
	}
}

func (s *Server) pushFrames(ctx context.Context) {
	fps := s.deps.Config.Get().LiveFPS
	if fps <= 0 {
		fps = 2
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	s.log.Debug("live camera push started", "fps", fps)
	defer s.log.Debug("live camera push stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jpeg, _, err := s.deps.Camera.SnapshotJPEG(s.deps.Config.Get().ROIs, camera.DefaultJPEGQuality)
			if err != nil {
				continue
			}
			s.cameraHub.BroadcastBinary(jpeg)
		}
	}
}

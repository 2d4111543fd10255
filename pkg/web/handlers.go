package web

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-anipill/internal/config"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/capture"
	"github.com/teslashibe/go-anipill/pkg/hub"
	"github.com/teslashibe/go-anipill/pkg/persist/influx"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

const storeTestTimeout = 5 * time.Second

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	var cerr *config.Error
	var ferr *fiber.Error
	switch {
	case errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrAlreadyRunning),
		errors.Is(err, capture.ErrNotRunning),
		errors.Is(err, capture.ErrFailed):
		return fiber.StatusConflict
	case camera.IsCameraError(err):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, capture.ErrCycleTimeout):
		return fiber.StatusGatewayTimeout
	case errors.As(err, &cerr),
		errors.Is(err, capture.ErrInvalidInterval),
		errors.Is(err, roi.ErrInvalidRegion):
		return fiber.StatusBadRequest
	case errors.As(err, &ferr):
		return ferr.Code
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusCode(err)).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	return fail(c, err)
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}

// applyConfig pushes a saved document into the running components.
func (s *Server) applyConfig(old, cur config.Document) {
	s.deps.Camera.SetConfig(cur.CameraConfig())

	if old.ProcessingIntervalMinutes != cur.ProcessingIntervalMinutes {
		if err := s.deps.Scheduler.SetInterval(cur.Interval()); err != nil {
			s.log.Warn("apply interval", "error", err)
		}
	}
	if s.deps.Persister != nil && cur.Store.Backend == config.BackendInflux {
		s.deps.Persister.SetMeasurement(cur.InfluxDB.Measurement)
	}
}

// handleGetROIs returns the region set
func (s *Server) handleGetROIs(c *fiber.Ctx) error {
	return c.JSON(s.deps.Config.Get().ROIs)
}

// handleSetROIs replaces the region set. It applies from the next cycle.
func (s *Server) handleSetROIs(c *fiber.Ctx) error {
	var regions []roi.Region
	if err := json.Unmarshal(c.Body(), &regions); err != nil {
		return fail(c, badRequest("invalid ROI data"))
	}

	doc, err := s.deps.Config.Update(func(d *config.Document) {
		d.ROIs = regions
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "rois": doc.ROIs})
}

// handleStatus returns the current status
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

// handleStart starts periodic processing. An explicit start also clears a
// previous error state.
func (s *Server) handleStart(c *fiber.Ctx) error {
	if s.deps.Scheduler.State() == capture.StateError {
		s.deps.Scheduler.Reset()
	}
	if err := s.deps.Scheduler.Start(); err != nil {
		return fail(c, err)
	}
	s.PushStatus()
	return c.JSON(fiber.Map{"success": true, "message": "Processing started"})
}

// handleStop stops periodic processing. A cycle in flight still completes.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.deps.Scheduler.Stop(); err != nil {
		return fail(c, err)
	}
	s.PushStatus()
	return c.JSON(fiber.Map{"success": true, "message": "Processing stopped"})
}

func (s *Server) handleCapture(debug bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		b, err := s.deps.Scheduler.CaptureNow(c.UserContext(), debug)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"success":   true,
			"id":        b.ID,
			"readings":  b.Readings,
			"timestamp": b.Timestamp,
		})
	}
}

// handleReconnect forces the camera to reconnect and waits for a frame.
func (s *Server) handleReconnect(c *fiber.Ctx) error {
	res, err := s.deps.Camera.Reconnect(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Camera reconnected",
		"resolution": res,
	})
}

func (s *Server) handleGetOCRSettings(c *fiber.Ctx) error {
	doc := s.deps.Config.Get()
	return c.JSON(fiber.Map{
		"temperature_range": doc.TemperatureRange,
		"ocr_settings":      doc.OCRSettings,
	})
}

// handleSetOCRSettings merges the posted fields into the stored settings.
func (s *Server) handleSetOCRSettings(c *fiber.Ctx) error {
	var req struct {
		TemperatureRange *reading.Range  `json:"temperature_range"`
		OCRSettings      json.RawMessage `json:"ocr_settings"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fail(c, badRequest("invalid settings"))
	}
	var probe config.OCRSettings
	if len(req.OCRSettings) > 0 {
		if err := json.Unmarshal(req.OCRSettings, &probe); err != nil {
			return fail(c, badRequest("invalid ocr_settings"))
		}
	}

	var mergeErr error
	doc, err := s.deps.Config.Update(func(d *config.Document) {
		if len(req.OCRSettings) > 0 {
			merged := d.OCRSettings
			if probe.Confusions != nil {
				merged.Confusions = nil
			}
			if mergeErr = json.Unmarshal(req.OCRSettings, &merged); mergeErr != nil {
				return
			}
			d.OCRSettings = merged
		}
		if req.TemperatureRange != nil {
			d.TemperatureRange = *req.TemperatureRange
		}
	})
	if mergeErr != nil {
		return fail(c, badRequest("invalid ocr_settings"))
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":           true,
		"applied_settings":  doc.OCRSettings,
		"temperature_range": doc.TemperatureRange,
	})
}

// influxView is the InfluxDB config as shown to the dashboard; the
// password is never returned.
type influxView struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Database    string `json:"database"`
	Measurement string `json:"measurement"`
	Username    string `json:"username"`
}

type influxUpdate struct {
	Host        *string `json:"host"`
	Port        *int    `json:"port"`
	Database    *string `json:"database"`
	Measurement *string `json:"measurement"`
	Username    *string `json:"username"`
	Password    string  `json:"password"`
}

// apply merges u into cfg. An empty password keeps the stored one.
func (u influxUpdate) apply(cfg *influx.Config) {
	if u.Host != nil {
		cfg.Host = *u.Host
	}
	if u.Port != nil {
		cfg.Port = *u.Port
	}
	if u.Database != nil {
		cfg.Database = *u.Database
	}
	if u.Measurement != nil {
		cfg.Measurement = *u.Measurement
	}
	if u.Username != nil {
		cfg.Username = *u.Username
	}
	if u.Password != "" {
		cfg.Password = u.Password
	}
}

func (s *Server) handleGetInflux(c *fiber.Ctx) error {
	cfg := s.deps.Config.Get().InfluxDB
	return c.JSON(influxView{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Database:    cfg.Database,
		Measurement: cfg.Measurement,
		Username:    cfg.Username,
	})
}

// handleSetInflux saves the settings and, when InfluxDB is the active
// backend, swaps the persister's writer. Queued points are kept.
func (s *Server) handleSetInflux(c *fiber.Ctx) error {
	var req influxUpdate
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fail(c, badRequest("invalid influxdb settings"))
	}

	doc, err := s.deps.Config.Update(func(d *config.Document) {
		req.apply(&d.InfluxDB)
	})
	if err != nil {
		return fail(c, err)
	}

	if doc.Store.Backend != config.BackendInflux || s.deps.Persister == nil || s.deps.NewWriter == nil {
		return c.JSON(fiber.Map{"success": true, "connected": false})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), storeTestTimeout)
	defer cancel()

	w, err := s.deps.NewWriter(ctx, doc)
	if err != nil {
		return fail(c, err)
	}
	s.deps.Persister.SetWriter(w)
	connected := s.deps.Persister.Ping(ctx) == nil
	s.PushStatus()

	return c.JSON(fiber.Map{"success": true, "connected": connected})
}

// handleTestInflux checks the posted settings with a throwaway writer.
// The live writer is not touched.
func (s *Server) handleTestInflux(c *fiber.Ctx) error {
	doc := s.deps.Config.Get()
	if len(c.Body()) > 0 {
		var req influxUpdate
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fail(c, badRequest("invalid influxdb settings"))
		}
		req.apply(&doc.InfluxDB)
	}
	doc.Store.Backend = config.BackendInflux

	if errs := doc.InfluxDB.Validate(); len(errs) > 0 {
		return c.JSON(fiber.Map{"success": false, "message": errs[0]})
	}
	if s.deps.NewWriter == nil {
		return c.JSON(fiber.Map{"success": false, "message": "store writers not configured"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), storeTestTimeout)
	defer cancel()

	w, err := s.deps.NewWriter(ctx, doc)
	if err != nil {
		return c.JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	defer w.Close()

	if err := w.Ping(ctx); err != nil {
		return c.JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "message": "Connection successful"})
}

// handleGetConfig returns the general settings without credentials.
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	doc := s.deps.Config.Get()
	return c.JSON(fiber.Map{
		"stream_url":                  doc.StreamURL,
		"stream_mode":                 doc.StreamMode,
		"camera_id":                   doc.CameraID,
		"processing_interval_minutes": doc.ProcessingIntervalMinutes,
		"temperature_range":           doc.TemperatureRange,
		"live_fps":                    doc.LiveFPS,
		"rois":                        doc.ROIs,
	})
}

// handleSetConfig updates the general settings. A changed stream URL
// reconnects the camera; a changed interval restarts the timer.
func (s *Server) handleSetConfig(c *fiber.Ctx) error {
	var req struct {
		StreamURL                 *string        `json:"stream_url"`
		StreamMode                *string        `json:"stream_mode"`
		StreamUsername            *string        `json:"stream_username"`
		StreamPassword            string         `json:"stream_password"`
		ProcessingIntervalMinutes *int           `json:"processing_interval_minutes"`
		TemperatureRange          *reading.Range `json:"temperature_range"`
		LiveFPS                   *int           `json:"live_fps"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fail(c, badRequest("invalid config"))
	}

	_, err := s.deps.Config.Update(func(d *config.Document) {
		if req.StreamURL != nil {
			d.StreamURL = *req.StreamURL
		}
		if req.StreamMode != nil {
			d.StreamMode = *req.StreamMode
		}
		if req.StreamUsername != nil {
			d.StreamUsername = *req.StreamUsername
		}
		if req.StreamPassword != "" {
			d.StreamPassword = req.StreamPassword
		}
		if req.ProcessingIntervalMinutes != nil {
			d.ProcessingIntervalMinutes = *req.ProcessingIntervalMinutes
		}
		if req.TemperatureRange != nil {
			d.TemperatureRange = *req.TemperatureRange
		}
		if req.LiveFPS != nil {
			d.LiveFPS = *req.LiveFPS
		}
	})
	if err != nil {
		return fail(c, err)
	}
	s.PushStatus()
	return c.JSON(fiber.Map{"success": true})
}

// handleFrame returns the latest frame as JPEG, with region outlines
// when overlay is set.
func (s *Server) handleFrame(c *fiber.Ctx) error {
	var regions []roi.Region
	if c.QueryBool("overlay") {
		regions = s.deps.Config.Get().ROIs
	}

	jpeg, _, err := s.deps.Camera.SnapshotJPEG(regions, camera.DefaultJPEGQuality)
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(jpeg)
}

// handleStatusWS sends the current status, then live updates.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	if err := c.WriteJSON(s.Status()); err != nil {
		return
	}
	if client := hub.NewClient(s.statusHub, c); client != nil {
		client.Run()
	}
}

// handleCameraWS streams overlay JPEG frames while connected.
func (s *Server) handleCameraWS(c *websocket.Conn) {
	if client := hub.NewClient(s.cameraHub, c); client != nil {
		client.Run()
	}
}

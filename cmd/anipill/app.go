package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-anipill/internal/config"
	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/capture"
	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/ocr/tesseract"
	"github.com/teslashibe/go-anipill/pkg/persist"
	"github.com/teslashibe/go-anipill/pkg/persist/clickhouse"
	"github.com/teslashibe/go-anipill/pkg/persist/influx"
	"github.com/teslashibe/go-anipill/pkg/persist/mqtt"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/web"
)

// Options are the command line settings.
type Options struct {
	ConfigPath     string
	Addr           string
	LogLevel       string
	Autostart      bool
	TessdataPrefix string
}

// DefaultOptions returns the defaults used when no flags are given.
func DefaultOptions() Options {
	return Options{
		ConfigPath: config.DefaultPath,
		Addr:       ":8080",
		LogLevel:   "info",
	}
}

// App owns every long-lived component.
type App struct {
	opts Options
	log  *slog.Logger

	cfg    *config.Store
	camera *camera.Source
	engine ocr.Recognizer
	store  *persist.Persister
	mqtt   *mqtt.Publisher
	sched  *capture.Scheduler
	server *web.Server

	shutdownOnce sync.Once
}

// New loads the configuration and builds the components. A *config.Error
// means the document is unusable and the service must not start.
func New(opts Options) (*App, error) {
	doc, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	a := &App{
		opts: opts,
		log:  log.Component("app"),
		cfg:  config.NewStore(opts.ConfigPath, doc),
	}
	if err := a.cfg.Save(); err != nil {
		return nil, err
	}

	a.camera = camera.NewSource(doc.CameraConfig(), nil)

	tcfg := tesseract.DefaultConfig()
	tcfg.Workers = doc.OCRWorkers
	tcfg.TessdataPrefix = opts.TessdataPrefix
	engine, err := tesseract.New(tcfg)
	if err != nil {
		return nil, fmt.Errorf("ocr engine: %w", err)
	}
	a.engine = ocr.Safe(engine)

	a.store = persist.New(doc.PersistConfig(), nil)

	if doc.MQTT.Enabled {
		pub, err := mqtt.Connect(doc.MQTT)
		if err != nil {
			a.log.Warn("mqtt mirror disabled", "error", err)
		} else {
			a.mqtt = pub
		}
	}

	sinks := []capture.Sink{capture.PersistSink(a.store)}
	if a.mqtt != nil {
		sinks = append(sinks, capture.MQTTSink(a.mqtt, doc.CameraID))
	}
	sinks = append(sinks, capture.NewSink("status", func(ctx context.Context, b reading.Batch) error {
		a.server.PushStatus()
		return nil
	}))

	a.sched = capture.New(doc.CaptureConfig(), capture.Deps{
		Frames:     a.camera,
		Recognizer: a.engine,
		Plan: func() capture.Plan {
			d := a.cfg.Get()
			return d.Plan()
		},
		Sinks: sinks,
	})

	a.server = web.New(web.Deps{
		Config:    a.cfg,
		Camera:    a.camera,
		Scheduler: a.sched,
		Persister: a.store,
		NewWriter: newWriter,
	})
	return a, nil
}

// newWriter builds the writer for the document's store backend.
func newWriter(ctx context.Context, d config.Document) (persist.Writer, error) {
	switch d.Store.Backend {
	case config.BackendClickHouse:
		return clickhouse.New(ctx, d.ClickHouseConfig())
	default:
		return influx.New(d.InfluxConfig())
	}
}

// Run starts the background loops and serves the dashboard until ctx ends.
func (a *App) Run(ctx context.Context) error {
	doc := a.cfg.Get()
	a.log.Info("starting",
		"config", a.opts.ConfigPath,
		"camera_id", doc.CameraID,
		"regions", len(doc.ROIs),
		"backend", doc.Store.Backend,
		"interval", doc.Interval())

	a.camera.Start(ctx)
	a.store.Start(ctx)
	go a.connectStore(ctx)

	if a.opts.Autostart {
		if err := a.sched.Start(); err != nil {
			a.log.Warn("autostart failed", "error", err)
		}
	}

	err := a.server.Listen(ctx, a.opts.Addr)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connectStore creates the store writer, retrying until it succeeds.
// Points captured meanwhile wait in the retry queue.
func (a *App) connectStore(ctx context.Context) {
	for {
		doc := a.cfg.Get()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		w, err := newWriter(wctx, doc)
		cancel()
		if err == nil {
			if a.store.Writer() == nil {
				a.store.SetWriter(w)
			} else {
				w.Close()
			}
			return
		}

		retry := time.Duration(doc.Store.RetryIntervalSeconds) * time.Second
		a.log.Warn("store unavailable", "backend", doc.Store.Backend, "error", err, "retry_in", retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// Shutdown stops processing and releases every resource. Safe to call twice.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		if err := a.sched.Stop(); err != nil && !errors.Is(err, capture.ErrNotRunning) {
			a.log.Warn("stop scheduler", "error", err)
		}
		a.sched.Wait()
		a.camera.Stop()
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", "error", err)
		}
		if a.mqtt != nil {
			a.mqtt.Close()
		}
		a.engine.Close()
		a.log.Info("shutdown complete")
	})
}

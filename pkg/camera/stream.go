package camera

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/internal/httpc"
)

// Stream is an open connection that yields decoded frames.
// Read blocks until a frame is decoded into dst or the stream fails.
// A Stream is used from a single goroutine.
type Stream interface {
	Read(dst *gocv.Mat) error
	Close() error
}

// Opener dials a stream for a URL.
type Opener interface {
	Open(ctx context.Context, url string) (Stream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, url string) (Stream, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, url string) (Stream, error) {
	return f(ctx, url)
}

// NewOpener returns the driver for the configured stream mode.
func NewOpener(cfg Config) Opener {
	if cfg.Mode == ModeSnapshot {
		return &SnapshotOpener{
			Auth:     httpc.Auth{Username: cfg.Username, Password: cfg.Password},
			Interval: cfg.SnapshotInterval,
		}
	}
	return VideoOpener{}
}

// VideoOpener opens streams through OpenCV's VideoCapture, which handles
// MJPEG over HTTP, RTSP and local device indices.
type VideoOpener struct{}

// Open starts a capture. OpenCV's open is blocking and cannot be canceled.
func (VideoOpener) Open(ctx context.Context, url string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture did not open")
	}
	return &videoStream{vc: vc}, nil
}

type videoStream struct {
	vc *gocv.VideoCapture
}

func (v *videoStream) Read(dst *gocv.Mat) error {
	if !v.vc.Read(dst) || dst.Empty() {
		return ErrReadFailed
	}
	return nil
}

func (v *videoStream) Close() error {
	return v.vc.Close()
}

// SnapshotOpener polls a still-image URL over HTTP. Each Read fetches
// and decodes one JPEG, no faster than Interval.
type SnapshotOpener struct {
	Client   *http.Client
	Auth     httpc.Auth
	Interval time.Duration
}

// Open verifies the URL and returns a polling stream.
func (o *SnapshotOpener) Open(ctx context.Context, rawURL string) (Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("snapshot mode needs an http(s) URL, got %q", u.Scheme)
	}

	auth := o.Auth
	// Credentials embedded in the URL win over configured ones.
	if u.User != nil {
		auth.Username = u.User.Username()
		auth.Password, _ = u.User.Password()
		u.User = nil
	}

	interval := o.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &snapshotStream{
		client:   o.Client,
		url:      u.String(),
		auth:     auth,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type snapshotStream struct {
	client   *http.Client
	url      string
	auth     httpc.Auth
	interval time.Duration
	last     time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *snapshotStream) Read(dst *gocv.Mat) error {
	if wait := s.interval - time.Since(s.last); wait > 0 {
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	s.last = time.Now()

	body, _, err := httpc.Fetch(s.ctx, s.client, s.url, s.auth)
	if err != nil {
		return err
	}

	img, err := gocv.IMDecode(body, gocv.IMReadColor)
	if err != nil {
		return err
	}
	defer img.Close()
	if img.Empty() {
		return ErrReadFailed
	}
	img.CopyTo(dst)
	return nil
}

func (s *snapshotStream) Close() error {
	s.cancel()
	return nil
}

// redact strips credentials from a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("xxx")
	return u.String()
}

package capture

import (
	"context"

	"github.com/teslashibe/go-anipill/pkg/persist"
	"github.com/teslashibe/go-anipill/pkg/persist/mqtt"
	"github.com/teslashibe/go-anipill/pkg/reading"
)

// Sink receives every completed batch after the reading store is updated.
// Sink errors are logged and never fail the cycle.
type Sink interface {
	Name() string
	Consume(ctx context.Context, b reading.Batch) error
}

type sinkFunc struct {
	name string
	fn   func(ctx context.Context, b reading.Batch) error
}

func (s sinkFunc) Name() string { return s.name }

func (s sinkFunc) Consume(ctx context.Context, b reading.Batch) error { return s.fn(ctx, b) }

// NewSink adapts a function to the Sink interface.
func NewSink(name string, fn func(ctx context.Context, b reading.Batch) error) Sink {
	return sinkFunc{name: name, fn: fn}
}

// PersistSink hands valid readings to the persister.
func PersistSink(p *persist.Persister) Sink {
	return NewSink("persist", func(ctx context.Context, b reading.Batch) error {
		p.Submit(ctx, b)
		return nil
	})
}

// MQTTSink mirrors batches to a broker.
func MQTTSink(pub *mqtt.Publisher, cameraID string) Sink {
	return NewSink("mqtt", func(ctx context.Context, b reading.Batch) error {
		return pub.Publish(ctx, cameraID, b)
	})
}

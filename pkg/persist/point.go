// Package persist forwards valid readings to a time-series store and
// buffers points that could not be written.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/teslashibe/go-anipill/pkg/reading"
)

// Field and tag keys written with every point.
const (
	FieldTemperature = "temperature"

	TagSensorID   = "sensor_id"
	TagSensorName = "sensor_name"
	TagCameraID   = "camera_id"
)

// Point is one temperature sample ready for the store.
type Point struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Value       float64           `json:"value"`
	Time        time.Time         `json:"time"`
}

// SensorTag formats a sensor ID the way it is tagged in the store.
func SensorTag(id int) string {
	return fmt.Sprintf("sensor_%d", id)
}

// PointFromReading builds a point for r. It returns false for readings
// that are invalid or carry no temperature; those are never stored.
func PointFromReading(r reading.Reading, measurement, cameraID string) (Point, bool) {
	v, ok := r.Value()
	if !r.Valid || !ok {
		return Point{}, false
	}

	tags := map[string]string{
		TagSensorID: SensorTag(r.SensorID),
		TagCameraID: cameraID,
	}
	if r.SensorName != "" {
		tags[TagSensorName] = r.SensorName
	}

	return Point{
		Measurement: measurement,
		Tags:        tags,
		Value:       v,
		Time:        r.Timestamp,
	}, true
}

// Writer writes points to one store. Write must be atomic per point:
// either the point is stored or an error is returned.
type Writer interface {
	Name() string
	Write(ctx context.Context, p Point) error
	Ping(ctx context.Context) error
	Close() error
}

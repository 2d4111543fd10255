package camera

import (
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/pkg/roi"
)

// DefaultJPEGQuality is used for preview images.
const DefaultJPEGQuality = 80

// EncodeJPEG compresses m. quality outside 1..100 uses DefaultJPEGQuality.
func EncodeJPEG(m gocv.Mat, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// SnapshotJPEG encodes the latest frame, with region boxes drawn on it
// when regions is non-empty.
func (s *Source) SnapshotJPEG(regions []roi.Region, quality int) ([]byte, Resolution, error) {
	frame, err := s.Latest()
	if err != nil {
		return nil, Resolution{}, err
	}
	defer frame.Close()

	if len(regions) > 0 {
		roi.Draw(&frame.Image, regions)
	}

	data, err := EncodeJPEG(frame.Image, quality)
	if err != nil {
		return nil, Resolution{}, &Error{Op: "encode", Err: err}
	}
	return data, frame.Resolution(), nil
}

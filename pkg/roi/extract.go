package roi

import (
	"errors"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// ErrEmptyFrame is returned when extracting from an empty Mat.
var ErrEmptyFrame = errors.New("roi: empty frame")

// Extract crops the region out of frame. The returned Mat is an owned copy
// and must be closed by the caller; frame is never modified.
func Extract(frame gocv.Mat, r Region) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), ErrEmptyFrame
	}

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	rect, err := Clip(r, bounds)
	if err != nil {
		return gocv.NewMat(), err
	}

	view := frame.Region(rect)
	defer view.Close()
	return view.Clone(), nil
}

var overlayColor = color.RGBA{G: 255, A: 255}

// maxLabelLen is the longest label drawn before truncation.
const maxLabelLen = 12

// Draw renders region rectangles and labels onto img in place.
func Draw(img *gocv.Mat, regions []Region) {
	for _, r := range regions {
		gocv.Rectangle(img, r.Rect(), overlayColor, 2)

		label := r.Label()
		if len(label) > maxLabelLen {
			label = label[:maxLabelLen-3] + "..."
		}
		gocv.PutText(img, label, image.Pt(r.X, r.Y-5), gocv.FontHersheySimplex, 0.5, overlayColor, 1)
	}
}

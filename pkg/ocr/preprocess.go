package ocr

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Stage names reported with debug images.
const (
	StageInput    = "input"
	StageGray     = "gray"
	StageScaled   = "scaled"
	StageEnhanced = "enhanced"
	StageBinary   = "binary"
)

// Stage is one intermediate image of the pipeline.
type Stage struct {
	Name  string
	Image gocv.Mat
}

// Result holds the binarized image and, when requested, every stage.
// Close must be called to release the Mats.
type Result struct {
	Binary gocv.Mat
	Stages []Stage
}

// Close releases all Mats held by the result.
func (r *Result) Close() {
	r.Binary.Close()
	for _, s := range r.Stages {
		s.Image.Close()
	}
	r.Stages = nil
}

// Preprocess converts a cropped display into a black-on-white binary image.
// When keepStages is false only the final image is retained.
func Preprocess(src gocv.Mat, s Settings, keepStages bool) (Result, error) {
	if src.Empty() {
		return Result{Binary: gocv.NewMat()}, Wrap("preprocess", ErrEmptyImage)
	}
	s = s.Normalize()

	var res Result
	keep := func(name string, m gocv.Mat) {
		if keepStages {
			res.Stages = append(res.Stages, Stage{Name: name, Image: m.Clone()})
		}
	}
	keep(StageInput, src)

	gray := toGray(src)
	defer func() { gray.Close() }()
	keep(StageGray, gray)

	if s.MinHeight > 0 && gray.Rows() < s.MinHeight {
		f := float64(s.MinHeight) / float64(gray.Rows())
		scaled := gocv.NewMat()
		gocv.Resize(gray, &scaled, image.Point{}, f, f, gocv.InterpolationCubic)
		gray.Close()
		gray = scaled
		keep(StageScaled, gray)
	}

	binary := gocv.NewMat()
	switch s.Mode {
	case ModeAdaptive:
		source := gray
		if s.UseCLAHE {
			enhanced := gocv.NewMat()
			defer enhanced.Close()
			clahe := gocv.NewCLAHEWithParams(s.ClipLimit, image.Pt(s.TileGridSize, s.TileGridSize))
			clahe.Apply(gray, &enhanced)
			clahe.Close()
			keep(StageEnhanced, enhanced)
			source = enhanced
		}
		gocv.AdaptiveThreshold(source, &binary, 255, gocv.AdaptiveThresholdGaussian,
			gocv.ThresholdBinaryInv, s.BlockSize, float32(s.CConstant))
	case ModeSimple:
		gocv.Threshold(gray, &binary, float32(s.ThresholdValue), 255, gocv.ThresholdBinaryInv)
	default:
		binary.Close()
		res.Close()
		return Result{Binary: gocv.NewMat()}, Wrap("preprocess", fmt.Errorf("unknown mode %q", s.Mode))
	}

	if binary.Empty() {
		binary.Close()
		res.Close()
		return Result{Binary: gocv.NewMat()}, Wrap("preprocess", ErrEmptyImage)
	}

	keep(StageBinary, binary)
	res.Binary = binary
	return res, nil
}

func toGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// EncodePNG encodes a Mat as PNG bytes.
func EncodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, Wrap("encode", err)
	}
	defer buf.Close()

	// GetBytes aliases C memory that Close frees.
	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

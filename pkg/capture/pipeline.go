package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

const pngDataURI = "data:image/png;base64,"

// processAll runs every region of p against img with at most workers in
// flight. Results come back in region order, one per region.
func processAll(ctx context.Context, rec ocr.Recognizer, img gocv.Mat, p Plan, workers int, debug bool, ts time.Time) []reading.Reading {
	results := make([]reading.Reading, len(p.Regions))
	validator := reading.NewValidator(p.Parse)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range p.Regions {
		g.Go(func() error {
			results[i] = processRegion(gctx, rec, validator, img, r, p, debug, ts)
			return nil
		})
	}
	g.Wait()

	return results
}

// processRegion never fails: every problem ends up in the reading's reason.
func processRegion(ctx context.Context, rec ocr.Recognizer, v *reading.Validator, img gocv.Mat, r roi.Region, p Plan, debug bool, ts time.Time) (rd reading.Reading) {
	rd = reading.Reading{SensorID: r.ID, SensorName: r.Name, Timestamp: ts}

	defer func() {
		if e := recover(); e != nil {
			rd.Valid = false
			rd.Temperature = nil
			rd.Reason = reading.ReasonOCRFailed
			rd.Detail = fmt.Sprintf("panic: %v", e)
		}
	}()

	sub, err := roi.Extract(img, r)
	if err != nil {
		sub.Close()
		return fail(rd, reading.ReasonExtractionFailed, err)
	}
	defer sub.Close()

	pre, err := ocr.Preprocess(sub, p.Settings, debug)
	defer pre.Close()
	if err != nil {
		return fail(rd, reading.ReasonPreprocessFailed, err)
	}
	if debug {
		rd.DebugImages = encodeStages(pre)
	}

	text, err := rec.Recognize(ctx, pre.Binary, p.Settings.PSMMode)
	rd.RawText = text
	if err != nil {
		return fail(rd, reading.ReasonOCRFailed, err)
	}

	out := v.Validate(text, p.Range)
	rd.Temperature = out.Temperature
	rd.Valid = out.Valid
	rd.Reason = out.Reason
	return rd
}

func fail(rd reading.Reading, reason string, err error) reading.Reading {
	rd.Valid = false
	rd.Reason = reason
	rd.Detail = err.Error()
	return rd
}

// encodeStages renders debug stages as PNG data URIs keyed by stage name.
// Stages that fail to encode are skipped.
func encodeStages(pre ocr.Result) map[string]string {
	out := make(map[string]string, len(pre.Stages))
	for _, st := range pre.Stages {
		data, err := ocr.EncodePNG(st.Image)
		if err != nil {
			continue
		}
		out[st.Name] = pngDataURI + base64.StdEncoding.EncodeToString(data)
	}
	return out
}

// Package vision draws detection overlays and encodes frames with OpenCV.
package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// DefaultJPEGQuality matches the OpenCV default.
const DefaultJPEGQuality = 95

// Overlay colors are given in RGB because frames are RGB.
var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	labelColor = color.RGBA{R: 255, G: 255, B: 0, A: 0}
)

// Annotator draws boxes and "<class> <confidence>" labels on RGB frames.
type Annotator struct {
	Thickness int
	FontScale float64
}

// NewAnnotator returns an annotator with 2px boxes and 0.5 font scale.
func NewAnnotator() *Annotator {
	return &Annotator{Thickness: 2, FontScale: 0.5}
}

// Annotate returns a copy of frame with the detections drawn on it.
func (a *Annotator) Annotate(frame types.Frame, dets []types.Detection) (types.Frame, error) {
	mat, err := matFromFrame(frame)
	if err != nil {
		return frame, err
	}
	defer mat.Close()

	for _, d := range dets {
		rect := clampRect(d.BBox, frame.Width, frame.Height)
		if rect.Empty() {
			continue
		}
		if err := gocv.Rectangle(&mat, rect, boxColor, a.Thickness); err != nil {
			return frame, fmt.Errorf("failed to draw rectangle: %w", err)
		}

		pt := labelOrigin(rect)
		if err := gocv.PutText(&mat, Label(d), pt, gocv.FontHersheySimplex, a.FontScale, labelColor, 1); err != nil {
			return frame, fmt.Errorf("failed to draw text: %w", err)
		}
	}

	out := frame
	out.Data = mat.ToBytes()
	return out, nil
}

// JPEGEncoder compresses RGB frames to JPEG.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder returns an encoder with the given quality (1-100, 0 = default).
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// EncodeJPEG implements alert.Encoder and record.Encoder.
func (e *JPEGEncoder) EncodeJPEG(frame types.Frame) ([]byte, error) {
	rgb, err := matFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	if err := gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR); err != nil {
		return nil, fmt.Errorf("failed to convert RGB to BGR: %w", err)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, e.Quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func matFromFrame(frame types.Frame) (gocv.Mat, error) {
	if err := frame.Validate(); err != nil {
		return gocv.Mat{}, err
	}
	// NewMatFromBytes references the slice; clone so drawing never touches the input
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to wrap frame: %w", err)
	}
	return mat, nil
}

// clampRect converts a bbox to an integer rectangle inside the frame.
func clampRect(b types.BBox, width, height int) image.Rectangle {
	r := image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H))
	return r.Intersect(image.Rect(0, 0, width, height))
}

// labelOrigin puts the label just above the box, or inside when at the top edge.
func labelOrigin(r image.Rectangle) image.Point {
	if r.Min.Y >= 12 {
		return image.Pt(r.Min.X, r.Min.Y-5)
	}
	return image.Pt(r.Min.X, r.Min.Y+12)
}

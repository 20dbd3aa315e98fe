package model

import (
	"context"
	"errors"
	"image"
)

// ErrModelNotLoaded is returned when no segmentation backend is available.
var ErrModelNotLoaded = errors.New("YOLO model not loaded")

// Segmenter runs a pre-trained segmentation model over an image.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (*Result, error)
	Info() Info
	Close() error
}

// Info describes the loaded model.
type Info struct {
	Backend   string
	ModelPath string
	Classes   []string
}

// Detection is one object found by the model. Box is in image coordinates.
type Detection struct {
	Label      string
	ClassID    int
	Confidence float32
	Box        image.Rectangle
	Mask       *Mask
}

// Result is the model output for one image. All masks share the MaskWidth x
// MaskHeight grid, which covers the whole image but may be coarser than it.
type Result struct {
	ImageWidth  int
	ImageHeight int
	MaskWidth   int
	MaskHeight  int
	Detections  []Detection
}

// HasMasks reports whether any detection carries a mask.
func (r *Result) HasMasks() bool {
	for _, d := range r.Detections {
		if d.Mask != nil {
			return true
		}
	}
	return false
}

// CombinedArea counts the grid cells covered by at least one mask, so overlapping
// detections are not counted twice.
func (r *Result) CombinedArea() int {
	if r == nil || r.MaskWidth <= 0 || r.MaskHeight <= 0 {
		return 0
	}
	union := make([]bool, r.MaskWidth*r.MaskHeight)
	area := 0
	for _, d := range r.Detections {
		m := d.Mask
		if m == nil || m.Width != r.MaskWidth || m.Height != r.MaskHeight {
			continue
		}
		for i, v := range m.Pix {
			if v != 0 && !union[i] {
				union[i] = true
				area++
			}
		}
	}
	return area
}

// Mask is a binary bitmap, one byte per cell.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Set marks the cell at x, y.
func (m *Mask) Set(x, y int) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Pix[y*m.Width+x] = 1
}

// At reports whether the cell at x, y is set.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] != 0
}

// Area is the number of set cells.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

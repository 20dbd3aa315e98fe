package model

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledMask(w, h int, r image.Rectangle) *Mask {
	m := NewMask(w, h)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y)
		}
	}
	return m
}

func TestCombinedArea_CountsOverlapOnce(t *testing.T) {
	res := &Result{
		MaskWidth:  10,
		MaskHeight: 10,
		Detections: []Detection{
			{Mask: filledMask(10, 10, image.Rect(0, 0, 5, 5))},
			{Mask: filledMask(10, 10, image.Rect(3, 3, 8, 8))},
			{Mask: nil},
		},
	}
	assert.Equal(t, 25+25-4, res.CombinedArea())
	assert.True(t, res.HasMasks())
}

func TestCombinedArea_NoMasks(t *testing.T) {
	var nilResult *Result
	assert.Equal(t, 0, nilResult.CombinedArea())
	res := &Result{Detections: []Detection{{Label: "waste"}}}
	assert.Equal(t, 0, res.CombinedArea())
	assert.False(t, res.HasMasks())
}

func TestMask_BoundsAreIgnored(t *testing.T) {
	m := NewMask(2, 2)
	m.Set(-1, 0)
	m.Set(2, 2)
	m.Set(1, 1)
	assert.Equal(t, 1, m.Area())
	assert.True(t, m.At(1, 1))
	assert.False(t, m.At(5, 5))
}

func TestAnnotate_TintsMaskAndDrawsBox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for i := range img.Pix {
		img.Pix[i] = 0
	}
	res := &Result{
		ImageWidth: 20, ImageHeight: 20, MaskWidth: 10, MaskHeight: 10,
		Detections: []Detection{{
			ClassID: 0,
			Box:     image.Rect(2, 2, 18, 18),
			Mask:    filledMask(10, 10, image.Rect(4, 4, 6, 6)),
		}},
	}

	out := Annotate(img, res)
	require.Equal(t, img.Bounds(), out.Bounds())

	edge := out.RGBAAt(2, 10)
	assert.Equal(t, palette[0].R, edge.R)

	inside := out.RGBAAt(10, 10)
	assert.Greater(t, inside.R, uint8(0))
	assert.Less(t, inside.R, palette[0].R)

	untouched := out.RGBAAt(6, 10)
	assert.Equal(t, color.RGBA{}, untouched)
}

func TestAnnotate_NegativeClassID(t *testing.T) {
	res := &Result{
		ImageWidth: 8, ImageHeight: 8,
		Detections: []Detection{{ClassID: -1, Box: image.Rect(0, 0, 8, 8)}},
	}

	var out *image.RGBA
	require.NotPanics(t, func() { out = Annotate(image.NewRGBA(image.Rect(0, 0, 8, 8)), res) })
	assert.Equal(t, palette[len(palette)-1].R, out.RGBAAt(0, 4).R)
	assert.Equal(t, palette[1], classColor(len(palette)+1))
}

func TestEncodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeJPEG(&buf, Annotate(image.NewRGBA(image.Rect(0, 0, 8, 8)), nil)))
	_, err := jpeg.Decode(&buf)
	require.NoError(t, err)
}

package model

import (
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"
)

var palette = []color.RGBA{
	colornames.Orangered,
	colornames.Deepskyblue,
	colornames.Limegreen,
	colornames.Gold,
	colornames.Violet,
	colornames.Turquoise,
}

const (
	maskAlpha    = 0.45
	boxThickness = 3
)

// Annotate returns a copy of img with every mask tinted and every box outlined
// in a per-class colour.
func Annotate(img image.Image, res *Result) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	if res == nil {
		return out
	}

	for _, d := range res.Detections {
		c := classColor(d.ClassID)
		if d.Mask != nil {
			tintMask(out, d.Mask, c)
		}
		outline(out, d.Box, c)
	}
	return out
}

func classColor(classID int) color.RGBA {
	i := classID % len(palette)
	if i < 0 {
		i += len(palette)
	}
	return palette[i]
}

func tintMask(dst *image.RGBA, m *Mask, c color.RGBA) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	if m.Width == 0 || m.Height == 0 {
		return
	}
	for y := 0; y < h; y++ {
		my := y * m.Height / h
		for x := 0; x < w; x++ {
			if !m.At(x*m.Width/w, my) {
				continue
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i] = blend(dst.Pix[i], c.R)
			dst.Pix[i+1] = blend(dst.Pix[i+1], c.G)
			dst.Pix[i+2] = blend(dst.Pix[i+2], c.B)
		}
	}
}

func blend(base, over uint8) uint8 {
	return uint8(float64(base)*(1-maskAlpha) + float64(over)*maskAlpha + 0.5)
}

func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(dst.Rect)
	if r.Empty() {
		return
	}
	u := image.NewUniform(c)
	t := boxThickness
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// EncodeJPEG writes img the way processed images are stored.
func EncodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

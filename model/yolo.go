package model

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// numMaskCoeffs is the number of prototype coefficients a YOLOv8-seg head emits
// per anchor.
const numMaskCoeffs = 32

// letterboxFill is the padding colour ultralytics uses.
var letterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox maps between an image and the square model input it was fitted into.
type letterbox struct {
	size  int
	scale float64
	padX  int
	padY  int
	newW  int
	newH  int
	srcW  int
	srcH  int
}

func newLetterbox(srcW, srcH, size int) letterbox {
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	return letterbox{
		size:  size,
		scale: scale,
		padX:  (size - newW) / 2,
		padY:  (size - newH) / 2,
		newW:  newW,
		newH:  newH,
		srcW:  srcW,
		srcH:  srcH,
	}
}

// tensor renders img into a [3, size, size] RGB tensor scaled to 0..1.
func (lb letterbox) tensor(img image.Image, dst []float32) {
	resized := imaging.Resize(img, lb.newW, lb.newH, imaging.Linear)
	canvas := imaging.New(lb.size, lb.size, letterboxFill)
	canvas = imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY))

	plane := lb.size * lb.size
	for y := 0; y < lb.size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < lb.size; x++ {
			i := y*lb.size + x
			dst[i] = float32(row[x*4]) / 255
			dst[plane+i] = float32(row[x*4+1]) / 255
			dst[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
}

// toImage converts a point in model input space to image coordinates, clamped.
func (lb letterbox) toImage(x, y float32) image.Point {
	ix := int(math.Round((float64(x) - float64(lb.padX)) / lb.scale))
	iy := int(math.Round((float64(y) - float64(lb.padY)) / lb.scale))
	return image.Pt(clamp(ix, 0, lb.srcW), clamp(iy, 0, lb.srcH))
}

// candidate is one anchor that survived the confidence filter. box is x1, y1,
// x2, y2 in model input space.
type candidate struct {
	box    [4]float32
	score  float32
	class  int
	coeffs []float32
}

// decodePredictions reads a channel-major [4+classes+coeffs, anchors] head.
func decodePredictions(out []float32, numClasses, numAnchors int, conf float32) []candidate {
	channels := 4 + numClasses + numMaskCoeffs
	if len(out) < channels*numAnchors {
		return nil
	}
	at := func(c, i int) float32 { return out[c*numAnchors+i] }

	var cands []candidate
	for i := 0; i < numAnchors; i++ {
		class, score := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, i); s > score {
				class, score = c, s
			}
		}
		if score < conf {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		coeffs := make([]float32, numMaskCoeffs)
		for k := range coeffs {
			coeffs[k] = at(4+numClasses+k, i)
		}
		cands = append(cands, candidate{
			box:    [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			score:  score,
			class:  class,
			coeffs: coeffs,
		})
	}
	return cands
}

// nonMaxSuppression keeps the best box of every overlapping group of the same
// class, highest score first.
func nonMaxSuppression(cands []candidate, threshold float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	suppressed := make([]bool, len(cands))
	var kept []candidate
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].class != cands[i].class {
				continue
			}
			if iou(cands[i].box, cands[j].box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	inter := max(0, x2-x1) * max(0, y2-y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// buildMask combines the prototype planes with a candidate's coefficients,
// upsamples to the model input, crops to the box and drops the letterbox
// padding. The result lives on the newW x newH grid.
func buildMask(c candidate, protos []float32, protoH, protoW int, lb letterbox) *Mask {
	plane := protoH * protoW
	low := image.NewGray(image.Rect(0, 0, protoW, protoH))
	for idx := 0; idx < plane; idx++ {
		var sum float32
		for k, coeff := range c.coeffs {
			sum += coeff * protos[k*plane+idx]
		}
		low.Pix[idx] = uint8(sigmoid(sum)*255 + 0.5)
	}

	full := image.NewGray(image.Rect(0, 0, lb.size, lb.size))
	draw.BiLinear.Scale(full, full.Bounds(), low, low.Bounds(), draw.Src, nil)

	bx1 := clamp(int(math.Floor(float64(c.box[0]))), 0, lb.size)
	by1 := clamp(int(math.Floor(float64(c.box[1]))), 0, lb.size)
	bx2 := clamp(int(math.Ceil(float64(c.box[2]))), 0, lb.size)
	by2 := clamp(int(math.Ceil(float64(c.box[3]))), 0, lb.size)

	mask := NewMask(lb.newW, lb.newH)
	for iy := max(by1, lb.padY); iy < min(by2, lb.padY+lb.newH); iy++ {
		row := full.Pix[iy*full.Stride:]
		for ix := max(bx1, lb.padX); ix < min(bx2, lb.padX+lb.newW); ix++ {
			if row[ix] >= 128 {
				mask.Set(ix-lb.padX, iy-lb.padY)
			}
		}
	}
	return mask
}

// postprocess turns raw head outputs into a Result.
func postprocess(pred, protos []float32, numAnchors, protoH, protoW int, classes []string, conf, iouThreshold float32, lb letterbox) *Result {
	res := &Result{
		ImageWidth:  lb.srcW,
		ImageHeight: lb.srcH,
		MaskWidth:   lb.newW,
		MaskHeight:  lb.newH,
	}

	cands := nonMaxSuppression(decodePredictions(pred, len(classes), numAnchors, conf), iouThreshold)
	for _, c := range cands {
		mask := buildMask(c, protos, protoH, protoW, lb)
		res.Detections = append(res.Detections, Detection{
			Label:      classes[c.class],
			ClassID:    c.class,
			Confidence: c.score,
			Box:        image.Rectangle{Min: lb.toImage(c.box[0], c.box[1]), Max: lb.toImage(c.box[2], c.box[3])},
			Mask:       mask,
		})
	}
	return res
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// RemoteConfig configures a RemoteSegmenter.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	// HealthWait bounds how long NewRemoteSegmenter keeps probing the sidecar.
	HealthWait time.Duration
	Classes    []string
}

// RemoteSegmenter delegates segmentation to a YOLO sidecar over HTTP.
type RemoteSegmenter struct {
	baseURL string
	client  *http.Client
	classes []string
	logger  *zap.Logger
}

type remoteDetection struct {
	Label      string     `json:"label"`
	ClassID    int        `json:"classId"`
	Confidence float32    `json:"confidence"`
	Box        [4]float64 `json:"box"`
	Mask       string     `json:"mask"`
}

type remoteResponse struct {
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Detections []remoteDetection `json:"detections"`
}

// NewRemoteSegmenter creates the client and waits for the sidecar's health
// endpoint. An unreachable sidecar is logged, not fatal: it may come up later.
func NewRemoteSegmenter(ctx context.Context, cfg RemoteConfig, logger *zap.Logger) *RemoteSegmenter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &RemoteSegmenter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		classes: cfg.Classes,
		logger:  logger,
	}

	if cfg.HealthWait > 0 {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = cfg.HealthWait
		err := backoff.Retry(func() error {
			return s.CheckHealth(ctx)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			logger.Warn("segmentation sidecar not available", zap.String("url", s.baseURL), zap.Error(err))
		}
	}
	return s
}

// CheckHealth probes the sidecar.
func (s *RemoteSegmenter) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segmentation sidecar unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Segment uploads img as JPEG and decodes the sidecar's detections.
func (s *RemoteSegmenter) Segment(ctx context.Context, img image.Image) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/segment", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("segmentation failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	b := img.Bounds()
	return s.toResult(out, b.Dx(), b.Dy())
}

// toResult converts the wire format. The first mask fixes the grid; masks of
// any other size are rescaled onto it.
func (s *RemoteSegmenter) toResult(out remoteResponse, width, height int) (*Result, error) {
	res := &Result{ImageWidth: width, ImageHeight: height}
	bounds := image.Rect(0, 0, width, height)

	for i, d := range out.Detections {
		if d.ClassID < 0 {
			return nil, fmt.Errorf("detection %d: invalid class id %d", i, d.ClassID)
		}
		det := Detection{
			Label:      d.Label,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			Box: image.Rect(
				int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3]),
			).Intersect(bounds),
		}
		if det.Label == "" {
			if d.ClassID >= len(s.classes) {
				return nil, fmt.Errorf("detection %d: unknown class id %d", i, d.ClassID)
			}
			det.Label = s.classes[d.ClassID]
		}

		if d.Mask != "" {
			gray, err := decodeMaskPNG(d.Mask)
			if err != nil {
				return nil, fmt.Errorf("detection %d: %w", i, err)
			}
			if res.MaskWidth == 0 {
				gb := gray.Bounds()
				res.MaskWidth, res.MaskHeight = gb.Dx(), gb.Dy()
			}
			det.Mask = grayToMask(gray, res.MaskWidth, res.MaskHeight)
		}
		res.Detections = append(res.Detections, det)
	}
	return res, nil
}

func decodeMaskPNG(encoded string) (*image.Gray, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode mask base64: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode mask png: %w", err)
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g, nil
}

func grayToMask(g *image.Gray, width, height int) *Mask {
	b := g.Bounds()
	if b.Dx() != width || b.Dy() != height || b.Min != (image.Point{}) {
		scaled := image.NewGray(image.Rect(0, 0, width, height))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), g, b, draw.Src, nil)
		g = scaled
	}
	m := NewMask(width, height)
	for y := 0; y < height; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < width; x++ {
			if row[x] >= 128 {
				m.Pix[y*width+x] = 1
			}
		}
	}
	return m
}

// Info describes the remote model.
func (s *RemoteSegmenter) Info() Info {
	return Info{Backend: "remote", ModelPath: s.baseURL, Classes: s.classes}
}

// Close releases idle connections.
func (s *RemoteSegmenter) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ Segmenter = (*RemoteSegmenter)(nil)

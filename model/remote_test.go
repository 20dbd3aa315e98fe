package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func maskPNG(t *testing.T, w, h int, r image.Rectangle) string {
	t.Helper()
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g.Pix[y*g.Stride+x] = 255
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, g))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newSidecar(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/segment", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteSegmenter_Segment(t *testing.T) {
	srv := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, header, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "image.jpg", header.Filename)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"width":  20,
			"height": 10,
			"detections": []map[string]any{
				{"classId": 0, "confidence": 0.8, "box": []float64{1, 1, 9, 9}, "mask": maskPNG(t, 10, 5, image.Rect(0, 0, 4, 5))},
				{"label": "bag", "classId": 3, "confidence": 0.6, "box": []float64{5, 0, 30, 10}, "mask": maskPNG(t, 20, 10, image.Rect(0, 0, 20, 10))},
			},
		})
	})

	seg := NewRemoteSegmenter(context.Background(), RemoteConfig{
		BaseURL:    srv.URL + "/",
		Timeout:    time.Second,
		HealthWait: time.Second,
		Classes:    []string{"waste"},
	}, zap.NewNop())
	defer seg.Close()

	res, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 20, 10)))
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)

	assert.Equal(t, "waste", res.Detections[0].Label)
	assert.Equal(t, "bag", res.Detections[1].Label)
	assert.Equal(t, image.Rect(5, 0, 20, 10), res.Detections[1].Box)
	assert.Equal(t, 10, res.MaskWidth)
	assert.Equal(t, 5, res.MaskHeight)
	assert.Equal(t, 50, res.CombinedArea())

	info := seg.Info()
	assert.Equal(t, "remote", info.Backend)
	assert.Equal(t, srv.URL, info.ModelPath)
}

func TestRemoteSegmenter_ErrorStatus(t *testing.T) {
	srv := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	})
	seg := NewRemoteSegmenter(context.Background(), RemoteConfig{BaseURL: srv.URL}, zap.NewNop())

	_, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestRemoteSegmenter_BadMask(t *testing.T) {
	srv := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[{"label":"waste","box":[0,0,1,1],"mask":"not-base64!"}]}`))
	})
	seg := NewRemoteSegmenter(context.Background(), RemoteConfig{BaseURL: srv.URL}, zap.NewNop())

	_, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask")
}

func TestRemoteSegmenter_RejectsBadClassID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "negative",
			body: `{"detections":[{"label":"waste","classId":-1,"confidence":0.9,"box":[0,0,2,2]}]}`,
			want: "invalid class id -1",
		},
		{
			name: "unlabeled beyond configured classes",
			body: `{"detections":[{"classId":4,"confidence":0.9,"box":[0,0,2,2]}]}`,
			want: "unknown class id 4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			seg := NewRemoteSegmenter(context.Background(), RemoteConfig{BaseURL: srv.URL, Classes: []string{"waste"}}, zap.NewNop())

			_, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRemoteSegmenter_CheckHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	seg := NewRemoteSegmenter(context.Background(), RemoteConfig{BaseURL: srv.URL}, zap.NewNop())
	assert.Error(t, seg.CheckHealth(context.Background()))
}

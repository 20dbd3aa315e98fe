package model

import (
	"context"
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures an ONNXSegmenter.
type ONNXConfig struct {
	// ModelPath is the YOLOv8-seg .onnx export.
	ModelPath string
	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string
	// InputSize is the square input side the model was exported with.
	InputSize int
	// Classes lists the class names in model order.
	Classes []string
	// ConfThreshold drops anchors whose best class score is lower.
	ConfThreshold float32
	// IOUThreshold is the overlap above which NMS suppresses a box.
	IOUThreshold float32
	// PoolSize is the number of sessions that may run at the same time.
	PoolSize int
}

// onnxSession is a session together with the tensors bound to it. A session is
// only ever used by one request at a time.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	pred    *ort.Tensor[float32]
	protos  *ort.Tensor[float32]
}

// ONNXSegmenter runs a YOLOv8 segmentation export through ONNX Runtime.
//
// The export is expected to expose:
//   - input "images" with shape [1, 3, S, S]
//   - output "output0" with shape [1, 4+classes+32, anchors]
//   - output "output1" with shape [1, 32, S/4, S/4]
type ONNXSegmenter struct {
	cfg        ONNXConfig
	numAnchors int
	protoSide  int
	sessions   chan *onnxSession
	all        []*onnxSession
}

// anchorCount is the number of grid cells over the stride 8, 16 and 32 heads.
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// NewONNXSegmenter initializes the runtime environment and opens PoolSize
// sessions over the model.
//
// Parameters:
//   - cfg: model location, class names, thresholds and pool size
//
// Returns:
//   - *ONNXSegmenter: ready to segment
//   - error: error if the runtime or any session fails to initialize
func NewONNXSegmenter(cfg ONNXConfig) (*ONNXSegmenter, error) {
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, fmt.Errorf("input size must be a positive multiple of 32, got %d", cfg.InputSize)
	}
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("at least one class name is required")
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	s := &ONNXSegmenter{
		cfg:        cfg,
		numAnchors: anchorCount(cfg.InputSize),
		protoSide:  cfg.InputSize / 4,
		sessions:   make(chan *onnxSession, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		sess, err := s.newSession()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create session %d: %w", i, err)
		}
		s.all = append(s.all, sess)
		s.sessions <- sess
	}
	return s, nil
}

func (s *ONNXSegmenter) newSession() (*onnxSession, error) {
	size := int64(s.cfg.InputSize)
	channels := int64(4 + len(s.cfg.Classes) + numMaskCoeffs)
	side := int64(s.protoSide)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set intra op threads: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	pred, err := ort.NewEmptyTensor[float32](ort.NewShape(1, channels, int64(s.numAnchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create prediction tensor: %w", err)
	}
	protos, err := ort.NewEmptyTensor[float32](ort.NewShape(1, numMaskCoeffs, side, side))
	if err != nil {
		input.Destroy()
		pred.Destroy()
		return nil, fmt.Errorf("failed to create prototype tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		s.cfg.ModelPath,
		[]string{"images"},
		[]string{"output0", "output1"},
		[]ort.Value{input},
		[]ort.Value{pred, protos},
		options,
	)
	if err != nil {
		input.Destroy()
		pred.Destroy()
		protos.Destroy()
		return nil, fmt.Errorf(
			"failed to create session (check input/output node names): %w",
			err,
		)
	}

	return &onnxSession{session: session, input: input, pred: pred, protos: protos}, nil
}

// Segment letterboxes img, runs the model and decodes boxes and masks.
func (s *ONNXSegmenter) Segment(ctx context.Context, img image.Image) (*Result, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}
	lb := newLetterbox(b.Dx(), b.Dy(), s.cfg.InputSize)

	var sess *onnxSession
	select {
	case sess = <-s.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lb.tensor(img, sess.input.GetData())
	if err := sess.session.Run(); err != nil {
		s.sessions <- sess
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	pred := append([]float32(nil), sess.pred.GetData()...)
	protos := append([]float32(nil), sess.protos.GetData()...)
	s.sessions <- sess

	return postprocess(pred, protos, s.numAnchors, s.protoSide, s.protoSide,
		s.cfg.Classes, s.cfg.ConfThreshold, s.cfg.IOUThreshold, lb), nil
}

// Info describes the loaded model.
func (s *ONNXSegmenter) Info() Info {
	return Info{Backend: "onnx", ModelPath: s.cfg.ModelPath, Classes: s.cfg.Classes}
}

// Close cleans up every session and the runtime environment.
func (s *ONNXSegmenter) Close() error {
	for _, sess := range s.all {
		sess.input.Destroy()
		sess.pred.Destroy()
		sess.protos.Destroy()
		sess.session.Destroy()
	}
	s.all = nil
	return ort.DestroyEnvironment()
}

var _ Segmenter = (*ONNXSegmenter)(nil)

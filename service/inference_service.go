package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"waste-inference-service/data"
	"waste-inference-service/metrics"
	"waste-inference-service/model"
	"waste-inference-service/storage"
	"waste-inference-service/waste"
)

var (
	ErrNoImage          = errors.New("no file selected")
	ErrUnsupportedImage = errors.New("only JPEG and PNG images are allowed")
	ErrInvalidLocation  = errors.New("latitude must be within [-90, 90] and longitude within [-180, 180], both or neither")
)

// AnalysisStore persists processed uploads.
type AnalysisStore interface {
	Create(ctx context.Context, analysis *data.Analysis) error
	FindByID(ctx context.Context, id string) (*data.Analysis, error)
	FindAll(ctx context.Context, pagination data.Pagination) ([]data.Analysis, int64, error)
	Delete(ctx context.Context, id string) error
	Locations(ctx context.Context, limit int) ([]data.Location, error)
}

// Upload is one image submitted for processing.
type Upload struct {
	Filename  string
	Content   []byte
	Latitude  *float64
	Longitude *float64
	Address   string
}

// Health is the liveness report.
type Health struct {
	Status      string    `json:"status"`
	ModelLoaded bool      `json:"model_loaded"`
	Timestamp   time.Time `json:"timestamp"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Backend          string            `json:"backend"`
	ModelPath        string            `json:"model_path"`
	ModelLoaded      bool              `json:"model_loaded"`
	SupportedClasses map[string]string `json:"supported_classes"`
	TotalClasses     int               `json:"total_classes"`
}

// locationsLimit caps the heatmap feed.
const locationsLimit = 100

type InferenceService struct {
	segmenter model.Segmenter
	store     *storage.Store
	analyses  AnalysisStore
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewInferenceService wires the pipeline. segmenter and analyses may be nil:
// without a segmenter uploads are refused, without a store nothing is recorded.
func NewInferenceService(segmenter model.Segmenter, store *storage.Store, analyses AnalysisStore, recorder *metrics.Recorder, logger *zap.Logger) *InferenceService {
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceService{
		segmenter: segmenter,
		store:     store,
		analyses:  analyses,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// ModelLoaded reports whether uploads can be processed.
func (s *InferenceService) ModelLoaded() bool {
	return s.segmenter != nil
}

// Process stores the upload, segments it and derives the waste summary. A
// failing model run is not an error: the upload is reported as clean, without
// a processed image.
func (s *InferenceService) Process(ctx context.Context, up Upload) (*waste.Summary, error) {
	if up.Filename == "" {
		return nil, ErrNoImage
	}
	if s.segmenter == nil {
		return nil, model.ErrModelNotLoaded
	}
	if err := validateLocation(up.Latitude, up.Longitude); err != nil {
		return nil, err
	}
	mtype := mimetype.Detect(up.Content)
	if !mtype.Is("image/jpeg") && !mtype.Is("image/png") {
		return nil, ErrUnsupportedImage
	}

	imageID := uuid.NewString()
	log := s.logger.With(zap.String("image_id", imageID), zap.String("filename", up.Filename))

	originalPath, err := s.store.SaveUpload(imageID, bytes.NewReader(up.Content))
	if err != nil {
		s.metrics.Failed(metrics.StageSave)
		return nil, fmt.Errorf("save upload: %w", err)
	}
	log.Info("saved original image", zap.String("path", originalPath), zap.Int("bytes", len(up.Content)))

	area, res, processedPath, procErr := s.segment(ctx, imageID, up.Content, log)

	summary := waste.NewSummary(imageID, area)
	if res != nil {
		summary.Detections = detections(res)
	}
	if processedPath != "" {
		summary.SetProcessed(s.finalizeProcessed(imageID, up.Filename, log))
	}

	log.Info("image processed",
		zap.Int("waste_area", area),
		zap.Float64("estimated_volume", summary.EstimatedVolume),
		zap.String("severity", string(summary.SeverityLevel)),
	)
	s.metrics.Processed(string(summary.SeverityLevel))
	s.record(ctx, up, summary, procErr, log)

	return summary, nil
}

// segment decodes, runs the model and writes the annotated image under the
// image id. Any failure yields area 0 and no processed path.
func (s *InferenceService) segment(ctx context.Context, imageID string, content []byte, log *zap.Logger) (int, *model.Result, string, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		s.metrics.Failed(metrics.StageDecode)
		log.Warn("failed to decode image", zap.Error(err))
		return 0, nil, "", fmt.Errorf("decode image: %w", err)
	}

	start := s.now()
	res, err := s.segmenter.Segment(ctx, img)
	s.metrics.ObserveInference(s.now().Sub(start))
	if err != nil {
		s.metrics.Failed(metrics.StageSegment)
		log.Error("segmentation failed", zap.Error(err))
		return 0, nil, "", fmt.Errorf("segment image: %w", err)
	}
	if !res.HasMasks() {
		log.Warn("no masks found in model output", zap.Int("detections", len(res.Detections)))
	}
	area := res.CombinedArea()

	annotated := model.Annotate(img, res)
	path, err := s.store.WriteProcessed(imageID+".jpg", func(w io.Writer) error {
		return model.EncodeJPEG(w, annotated)
	})
	if err != nil {
		s.metrics.Failed(metrics.StageSave)
		log.Error("failed to save processed image", zap.Error(err))
		return area, res, "", nil
	}
	return area, res, path, nil
}

// finalizeProcessed renames "<id>.jpg" to the backend's naming convention,
// keeping the id name when the upload name is unusable.
func (s *InferenceService) finalizeProcessed(imageID, original string, log *zap.Logger) (string, string) {
	current := imageID + ".jpg"
	if !s.store.Exists(storage.Processed, current) {
		log.Warn("processed image disappeared before rename")
		return "", ""
	}
	target := waste.ProcessedFilename(original)
	if target == "" {
		log.Warn("no usable original filename, keeping id name")
		path, _ := s.store.Path(storage.Processed, current)
		return current, path
	}

	path, err := s.store.RenameProcessed(current, target)
	if err != nil {
		log.Warn("failed to rename processed image, keeping id name", zap.String("target", target), zap.Error(err))
		path, _ = s.store.Path(storage.Processed, current)
		return current, path
	}
	return target, path
}

func (s *InferenceService) record(ctx context.Context, up Upload, summary *waste.Summary, procErr error, log *zap.Logger) {
	if s.analyses == nil {
		return
	}
	analysis := &data.Analysis{
		ImageID:          summary.ImageID,
		OriginalFilename: up.Filename,
		TotalWasteArea:   int(summary.TotalWasteArea),
		EstimatedVolume:  summary.EstimatedVolume,
		SeverityLevel:    string(summary.SeverityLevel),
		Priority:         string(summary.Priority),
		Detections:       len(summary.Detections),
		Latitude:         up.Latitude,
		Longitude:        up.Longitude,
		Address:          up.Address,
		Status:           data.StatusSuccess,
		CreatedAt:        s.now().UTC(),
	}
	analysis.SetWasteTypes(summary.WasteTypes)
	if summary.ProcessedFilename != nil {
		analysis.ProcessedFilename = *summary.ProcessedFilename
	}
	if summary.ProcessedPath != nil {
		analysis.ProcessedPath = *summary.ProcessedPath
	}
	if procErr != nil {
		analysis.Status = data.StatusFail
		analysis.Error = procErr.Error()
	}

	if err := s.analyses.Create(ctx, analysis); err != nil {
		s.metrics.Failed(metrics.StageStore)
		log.Error("failed to record analysis", zap.Error(err))
	}
}

func detections(res *model.Result) []waste.Detection {
	out := make([]waste.Detection, 0, len(res.Detections))
	for _, d := range res.Detections {
		det := waste.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			X:          d.Box.Min.X,
			Y:          d.Box.Min.Y,
			Width:      d.Box.Dx(),
			Height:     d.Box.Dy(),
		}
		if d.Mask != nil {
			det.MaskArea = d.Mask.Area()
		}
		out = append(out, det)
	}
	return out
}

func validateLocation(lat, lng *float64) error {
	if lat == nil && lng == nil {
		return nil
	}
	if lat == nil || lng == nil {
		return ErrInvalidLocation
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}

// Health reports liveness and whether a model is available.
func (s *InferenceService) Health() Health {
	return Health{
		Status:      "healthy",
		ModelLoaded: s.ModelLoaded(),
		Timestamp:   s.now(),
	}
}

// ModelInfo describes the loaded model.
func (s *InferenceService) ModelInfo() (*ModelInfo, error) {
	if s.segmenter == nil {
		return nil, model.ErrModelNotLoaded
	}
	info := s.segmenter.Info()
	classes := make(map[string]string, len(info.Classes))
	for _, c := range info.Classes {
		if c == waste.TypeWaste {
			classes[c] = "General waste detection"
			continue
		}
		classes[c] = c + " detection"
	}
	return &ModelInfo{
		Backend:          info.Backend,
		ModelPath:        info.ModelPath,
		ModelLoaded:      true,
		SupportedClasses: classes,
		TotalClasses:     len(info.Classes),
	}, nil
}

// Locations feeds the heatmap.
func (s *InferenceService) Locations(ctx context.Context) ([]data.Location, error) {
	if s.analyses == nil {
		return []data.Location{}, nil
	}
	return s.analyses.Locations(ctx, locationsLimit)
}

// Analyses lists recorded uploads, newest first.
func (s *InferenceService) Analyses(ctx context.Context, p data.Pagination) ([]data.Analysis, int64, error) {
	if s.analyses == nil {
		return []data.Analysis{}, 0, nil
	}
	return s.analyses.FindAll(ctx, p)
}

// Analysis returns one recorded upload.
func (s *InferenceService) Analysis(ctx context.Context, id string) (*data.Analysis, error) {
	if s.analyses == nil {
		return nil, data.ErrNotFound
	}
	return s.analyses.FindByID(ctx, id)
}

// DeleteAnalysis forgets a recorded upload. Image files are kept.
func (s *InferenceService) DeleteAnalysis(ctx context.Context, id string) error {
	if s.analyses == nil {
		return data.ErrNotFound
	}
	return s.analyses.Delete(ctx, id)
}

// ImagePath resolves a stored image for serving.
func (s *InferenceService) ImagePath(kind storage.Kind, name string) (string, error) {
	return s.store.Open(kind, name)
}

// Close releases the model.
func (s *InferenceService) Close() error {
	if s.segmenter == nil {
		return nil
	}
	return s.segmenter.Close()
}

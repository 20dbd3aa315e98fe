package waste

// Detection is one segmented object as reported to clients.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	MaskArea   int     `json:"maskArea"`
}

// Summary is the JSON answer to a processed upload. The first six fields are
// what the reporting backend reads.
type Summary struct {
	TotalWasteArea    float64     `json:"totalWasteArea"`
	EstimatedVolume   float64     `json:"estimatedVolume"`
	WasteTypes        []string    `json:"wasteTypes"`
	SeverityLevel     Severity    `json:"severityLevel"`
	ProcessedFilename *string     `json:"processedFilename"`
	ProcessedPath     *string     `json:"processedPath"`
	ImageID           string      `json:"imageId"`
	Priority          Priority    `json:"priority"`
	Detections        []Detection `json:"detections"`
}

// NewSummary fills the derived metrics for a combined mask area.
func NewSummary(imageID string, pixelArea int) *Summary {
	volume := CalculateVolume(pixelArea)
	return &Summary{
		TotalWasteArea:  float64(pixelArea),
		EstimatedVolume: volume,
		WasteTypes:      Types(pixelArea),
		SeverityLevel:   SeverityFor(pixelArea, volume),
		ImageID:         imageID,
		Priority:        CalculatePriority(pixelArea, volume),
		Detections:      []Detection{},
	}
}

// SetProcessed records where the annotated image ended up. Empty values are
// reported as null.
func (s *Summary) SetProcessed(filename, path string) {
	s.ProcessedFilename = nil
	s.ProcessedPath = nil
	if filename != "" {
		s.ProcessedFilename = &filename
	}
	if path != "" {
		s.ProcessedPath = &path
	}
}

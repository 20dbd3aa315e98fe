package data

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no analysis matches the lookup.
var ErrNotFound = errors.New("analysis not found")

const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

type Analysis struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ImageID           string    `gorm:"type:varchar(64);index;not null" json:"imageId"`
	OriginalFilename  string    `gorm:"type:varchar(255)" json:"originalFilename"`
	ProcessedFilename string    `gorm:"type:varchar(255)" json:"processedFilename,omitempty"`
	ProcessedPath     string    `gorm:"type:varchar(512)" json:"processedPath,omitempty"`
	TotalWasteArea    int       `json:"totalWasteArea"`
	EstimatedVolume   float64   `json:"estimatedVolume"`
	SeverityLevel     string    `gorm:"type:varchar(10)" json:"severityLevel"`
	Priority          string    `gorm:"type:varchar(10)" json:"priority"`
	WasteTypes        string    `gorm:"type:text" json:"-"`
	Detections        int       `json:"detections"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	Address           string    `gorm:"type:varchar(255)" json:"address,omitempty"`
	Status            string    `gorm:"type:varchar(10);check:status IN ('success','fail')" json:"status"`
	Error             string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt         time.Time `gorm:"not null;index" json:"createdAt"`
}

// BeforeCreate assigns the id when the caller did not.
func (a *Analysis) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SetWasteTypes stores the type list as JSON text.
func (a *Analysis) SetWasteTypes(types []string) {
	if types == nil {
		types = []string{}
	}
	raw, _ := json.Marshal(types)
	a.WasteTypes = string(raw)
}

// Types decodes the stored type list.
func (a *Analysis) Types() []string {
	var types []string
	if err := json.Unmarshal([]byte(a.WasteTypes), &types); err != nil || types == nil {
		return []string{}
	}
	return types
}

// MarshalJSON exposes WasteTypes as a list.
func (a Analysis) MarshalJSON() ([]byte, error) {
	type plain Analysis
	return json.Marshal(struct {
		plain
		WasteTypes []string `json:"wasteTypes"`
	}{plain: plain(a), WasteTypes: a.Types()})
}

// Location is a heatmap point derived from a successful analysis.
type Location struct {
	ImageID         string    `json:"imageId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Address         string    `json:"address,omitempty"`
	SeverityLevel   string    `json:"severityLevel"`
	EstimatedVolume float64   `json:"estimatedVolume"`
	CreatedAt       time.Time `json:"createdAt"`
}

type AnalysisRepository struct {
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) *AnalysisRepository {
	return &AnalysisRepository{
		db: db,
	}
}

func (r *AnalysisRepository) Create(ctx context.Context, analysis *Analysis) error {
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(analysis).Error
}

func (r *AnalysisRepository) FindByID(ctx context.Context, id string) (*Analysis, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var analysis Analysis
	err = r.db.WithContext(ctx).First(&analysis, "id = ?", parsed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Normalize clamps the page to >= 1 and the size to 1..100 (default 10).
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 10
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	return p
}

// FindAll returns one page, newest first, with the total row count.
func (r *AnalysisRepository) FindAll(ctx context.Context, pagination Pagination) ([]Analysis, int64, error) {
	pagination = pagination.Normalize()

	var total int64
	if err := r.db.WithContext(ctx).Model(&Analysis{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var analyses []Analysis
	offset := (pagination.Page - 1) * pagination.PageSize
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(pagination.PageSize).
		Find(&analyses).Error
	if err != nil {
		return nil, 0, err
	}
	return analyses, total, nil
}

func (r *AnalysisRepository) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	res := r.db.WithContext(ctx).Delete(&Analysis{}, "id = ?", parsed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Locations lists geotagged successful analyses that found waste, newest first.
func (r *AnalysisRepository) Locations(ctx context.Context, limit int) ([]Location, error) {
	if limit < 1 {
		limit = 100
	}

	var analyses []Analysis
	err := r.db.WithContext(ctx).
		Where("status = ? AND total_waste_area > 0 AND latitude IS NOT NULL AND longitude IS NOT NULL", StatusSuccess).
		Order("created_at DESC").
		Limit(limit).
		Find(&analyses).Error
	if err != nil {
		return nil, err
	}

	locations := make([]Location, 0, len(analyses))
	for _, a := range analyses {
		locations = append(locations, Location{
			ImageID:         a.ImageID,
			Latitude:        *a.Latitude,
			Longitude:       *a.Longitude,
			Address:         a.Address,
			SeverityLevel:   a.SeverityLevel,
			EstimatedVolume: a.EstimatedVolume,
			CreatedAt:       a.CreatedAt,
		})
	}
	return locations, nil
}

package waste

import (
	"math"
	"path/filepath"
	"strings"
)

// Severity is the bucket a detected waste volume falls into.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Priority is the urgency the reporting backend assigns to a report.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// pixelsPerCubicMetre converts a segmented pixel area into an estimated volume.
const pixelsPerCubicMetre = 10000

// TypeWaste is the only class the model reports.
const TypeWaste = "waste"

// CalculateVolume estimates the waste volume in cubic metres from the masked
// pixel area, rounded to three decimals.
func CalculateVolume(pixelArea int) float64 {
	volume := float64(pixelArea) / pixelsPerCubicMetre
	return math.Round(volume*1000) / 1000
}

// DetermineSeverity buckets a volume. Boundaries are exclusive, so a volume of
// exactly 5 is high rather than critical.
func DetermineSeverity(volume float64) Severity {
	switch {
	case volume > 5:
		return SeverityCritical
	case volume > 2:
		return SeverityHigh
	case volume > 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityFor is DetermineSeverity with the no-detection rule applied.
func SeverityFor(pixelArea int, volume float64) Severity {
	if pixelArea == 0 {
		return SeverityLow
	}
	return DetermineSeverity(volume)
}

// CalculatePriority mirrors how the reporting backend ranks a report.
func CalculatePriority(pixelArea int, volume float64) Priority {
	if pixelArea == 0 {
		return PriorityLow
	}
	switch {
	case volume > 10:
		return PriorityUrgent
	case volume > 5:
		return PriorityHigh
	case volume > 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Types lists the waste classes present for the given area.
func Types(pixelArea int) []string {
	if pixelArea > 0 {
		return []string{TypeWaste}
	}
	return []string{}
}

// ProcessedFilename derives the name the backend expects for an annotated
// image: "processed_<base>.jpg". It returns "" when the uploaded name carries
// nothing usable.
func ProcessedFilename(original string) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return ""
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" || base == ".." {
		return ""
	}
	return "processed_" + base + ".jpg"
}

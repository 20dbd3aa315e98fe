package waste

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateVolume(t *testing.T) {
	assert.Equal(t, 0.0, CalculateVolume(0))
	assert.Equal(t, 1.0, CalculateVolume(10000))
	assert.Equal(t, 1.235, CalculateVolume(12346))
	assert.Equal(t, 0.001, CalculateVolume(7))
}

func TestDetermineSeverity_Boundaries(t *testing.T) {
	cases := map[float64]Severity{
		0:     SeverityLow,
		1:     SeverityLow,
		1.001: SeverityMedium,
		2:     SeverityMedium,
		2.5:   SeverityHigh,
		5:     SeverityHigh,
		5.001: SeverityCritical,
		42:    SeverityCritical,
	}
	for volume, want := range cases {
		assert.Equal(t, want, DetermineSeverity(volume), "volume %v", volume)
	}
}

func TestSeverityFor_NoWasteIsLow(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityFor(0, 9))
	assert.Equal(t, SeverityCritical, SeverityFor(60000, 6))
}

func TestCalculatePriority(t *testing.T) {
	assert.Equal(t, PriorityLow, CalculatePriority(0, 50))
	assert.Equal(t, PriorityLow, CalculatePriority(100, 2))
	assert.Equal(t, PriorityMedium, CalculatePriority(100, 3))
	assert.Equal(t, PriorityHigh, CalculatePriority(100, 10))
	assert.Equal(t, PriorityUrgent, CalculatePriority(100, 10.5))
}

func TestTypes(t *testing.T) {
	assert.Equal(t, []string{"waste"}, Types(1))
	assert.Empty(t, Types(0))
	assert.NotNil(t, Types(0))
}

func TestProcessedFilename(t *testing.T) {
	assert.Equal(t, "processed_wasteImage-1700-42.jpg", ProcessedFilename("wasteImage-1700-42.png"))
	assert.Equal(t, "processed_photo.jpg", ProcessedFilename("photo.jpg"))
	assert.Equal(t, "processed_archive.tar.jpg", ProcessedFilename("archive.tar.gz"))
	assert.Equal(t, "processed_noext.jpg", ProcessedFilename("noext"))
	assert.Equal(t, "processed_evil.jpg", ProcessedFilename("../../etc/evil.png"))
	assert.Equal(t, "processed_win.jpg", ProcessedFilename(`C:\Users\me\win.jpeg`))
	assert.Equal(t, "", ProcessedFilename(""))
	assert.Equal(t, "", ProcessedFilename(".jpg"))
}

func TestSummary_JSONShape(t *testing.T) {
	s := NewSummary("abc", 25000)
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 25000.0, got["totalWasteArea"])
	assert.Equal(t, 2.5, got["estimatedVolume"])
	assert.Equal(t, "high", got["severityLevel"])
	assert.Equal(t, "medium", got["priority"])
	assert.Equal(t, []any{"waste"}, got["wasteTypes"])
	assert.Nil(t, got["processedFilename"])
	assert.Nil(t, got["processedPath"])

	s.SetProcessed("processed_a.jpg", "processed/processed_a.jpg")
	require.NotNil(t, s.ProcessedFilename)
	assert.Equal(t, "processed_a.jpg", *s.ProcessedFilename)
	assert.Equal(t, "processed/processed_a.jpg", *s.ProcessedPath)
}

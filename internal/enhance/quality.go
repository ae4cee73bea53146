package enhance

import (
	"math"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// Weights of the quality score components; they sum to 100
const (
	pixelWeight     = 35.0
	dpiWeight       = 25.0
	formatWeight    = 15.0
	structureWeight = 25.0

	// targetPixels is the pixel count that earns the full pixel score
	targetPixels = 2_000_000.0
	// fullContrast is the intensity std-dev that earns the full structure score
	fullContrast = 60.0
	// uniformContrast marks an image with no usable structure
	uniformContrast = 4.0
	uniformCap      = 20.0
)

// LowQualityThreshold flags submissions worth a warning
const LowQualityThreshold = 40.0

// scoreProfile computes the 0-100 quality heuristic for a profile
func scoreProfile(p model.ImageProfile) float64 {
	pixels := float64(p.Width * p.Height)
	score := pixelWeight * math.Min(1, pixels/targetPixels)
	score += dpiWeight * dpiFactor(p.DPI)
	score += formatWeight * formatFactor(p.Format)
	score += structureWeight * math.Min(1, p.Contrast/fullContrast)

	if p.Contrast < uniformContrast && score > uniformCap {
		score = uniformCap
	}
	return math.Max(0, math.Min(100, score))
}

func dpiFactor(dpi int) float64 {
	switch {
	case dpi >= 300:
		return 1
	case dpi >= 200:
		return 0.75
	case dpi >= 150:
		return 0.5
	case dpi > 0:
		return 0.25
	default:
		// unknown density is common for phone photos
		return 0.4
	}
}

func formatFactor(format string) float64 {
	if IsLossless(format) {
		return 1
	}
	switch format {
	case FormatGIF:
		return 0.65
	case FormatWebP:
		return 0.6
	case FormatJPEG:
		return 0.55
	default:
		return 0.3
	}
}

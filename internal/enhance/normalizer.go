/**
 * Image Normalizer
 *
 * Decodes an uploaded exam image, applies EXIF orientation, converts it to a
 * single-channel working copy inside the configured resolution band and
 * derives the ImageProfile used by the rest of the pipeline.
 */

package enhance

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// NormalizerConfig bounds the working resolution
type NormalizerConfig struct {
	// HighResBound triggers a downsize when either side exceeds it
	HighResBound int
	// MaxWorkingDimension is the longest side after a downsize
	MaxWorkingDimension int
	// LowResBound triggers an upsize when the longest side is below it
	LowResBound int
	// MinUpscale is the smallest factor applied when upsizing
	MinUpscale float64
	// MaxPixels rejects images whose decoded raster would exceed it
	MaxPixels int
}

// DefaultMaxPixels admits a 600 DPI A3 scan with room to spare
const DefaultMaxPixels = 50_000_000

// DefaultNormalizerConfig returns the production resolution band
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		HighResBound:        4000,
		MaxWorkingDimension: 3000,
		LowResBound:         1000,
		MinUpscale:          1.5,
		MaxPixels:           DefaultMaxPixels,
	}
}

// NormalizedImage is the greyscale working copy handed to the variant generator
type NormalizedImage struct {
	Gray *image.Gray
	// Encoded is the lossless PNG encoding of Gray, used as the proxy baseline
	Encoded []byte
	Scale   float64
}

// Normalizer turns raw uploads into normalized images and profiles
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a normalizer, filling zero fields with defaults
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	def := DefaultNormalizerConfig()
	if cfg.HighResBound <= 0 {
		cfg.HighResBound = def.HighResBound
	}
	if cfg.MaxWorkingDimension <= 0 {
		cfg.MaxWorkingDimension = def.MaxWorkingDimension
	}
	if cfg.LowResBound <= 0 {
		cfg.LowResBound = def.LowResBound
	}
	if cfg.MinUpscale < 1 {
		cfg.MinUpscale = def.MinUpscale
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}
	return &Normalizer{cfg: cfg}
}

// Normalize decodes raw and returns the working image with its profile.
// An undecodable or oversized buffer is reported as INVALID_IMAGE.
func (n *Normalizer) Normalize(raw model.RawImage) (*NormalizedImage, model.ImageProfile, error) {
	img, profile, err := decode(raw.Data, n.cfg.MaxPixels)
	if err != nil {
		return nil, model.ImageProfile{}, err
	}

	working, scale := n.resize(img)
	gray := toGray(imaging.Grayscale(working))

	profile.Contrast = stdDev(gray)
	profile.QualityScore = scoreProfile(profile)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("encode working image: %w", err))
	}

	return &NormalizedImage{Gray: gray, Encoded: buf.Bytes(), Scale: scale}, profile, nil
}

// AssessQuality scores a buffer without producing a working copy
func AssessQuality(buffer []byte) (float64, error) {
	img, profile, err := decode(buffer, DefaultMaxPixels)
	if err != nil {
		return 0, err
	}
	profile.Contrast = stdDev(toGray(imaging.Grayscale(img)))
	return scoreProfile(profile), nil
}

func decode(data []byte, maxPixels int) (image.Image, model.ImageProfile, error) {
	if len(data) == 0 {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("empty buffer"))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("read metadata: %w", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("zero-sized image %dx%d", cfg.Width, cfg.Height))
	}
	// header dimensions are checked before the raster is allocated
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, model.ImageProfile{}, apperrors.NewInvalidImageError("", fmt.Errorf("decode: %w", err))
	}

	if detected := DetectFormat(data); detected != "" {
		format = detected
	}
	channels, depth := describeModel(cfg.ColorModel)
	b := img.Bounds()

	return img, model.ImageProfile{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Channels:   channels,
		BitDepth:   depth,
		DPI:        ReadDPI(data, format),
		Format:     format,
		Resolution: classifyResolution(b.Dx() * b.Dy()),
	}, nil
}

func (n *Normalizer) resize(img image.Image) (image.Image, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}

	if w > n.cfg.HighResBound || h > n.cfg.HighResBound {
		scale := float64(n.cfg.MaxWorkingDimension) / float64(longest)
		return imaging.Fit(img, n.cfg.MaxWorkingDimension, n.cfg.MaxWorkingDimension, imaging.Lanczos), scale
	}

	if longest < n.cfg.LowResBound {
		scale := float64(n.cfg.LowResBound) / float64(longest)
		if scale < n.cfg.MinUpscale {
			scale = n.cfg.MinUpscale
		}
		if limit := float64(n.cfg.MaxWorkingDimension) / float64(longest); scale > limit {
			scale = limit
		}
		nw := int(math.Round(float64(w) * scale))
		nh := int(math.Round(float64(h) * scale))
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		return imaging.Resize(img, nw, nh, imaging.CatmullRom), scale
	}

	return img, 1
}

func describeModel(m color.Model) (channels, depth int) {
	if _, ok := m.(color.Palette); ok {
		return 3, 8
	}
	switch m {
	case color.GrayModel:
		return 1, 8
	case color.Gray16Model:
		return 1, 16
	case color.RGBA64Model, color.NRGBA64Model:
		return 4, 16
	case color.RGBAModel, color.NRGBAModel, color.CMYKModel:
		return 4, 8
	case color.YCbCrModel:
		return 3, 8
	}
	return 3, 8
}

func classifyResolution(pixels int) model.Resolution {
	switch {
	case pixels < 480_000:
		return model.ResolutionLow
	case pixels > 4_000_000:
		return model.ResolutionHigh
	default:
		return model.ResolutionStandard
	}
}

// toGray copies the red channel of an already grey NRGBA image
func toGray(src *image.NRGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		srcRow := src.Pix[y*src.Stride : y*src.Stride+b.Dx()*4]
		dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
		for x := range dstRow {
			dstRow[x] = srcRow[x*4]
		}
	}
	return dst
}

// Histogram counts intensities of a greyscale image
func Histogram(g *image.Gray) [256]int {
	var hist [256]int
	b := g.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

func stdDev(g *image.Gray) float64 {
	hist := Histogram(g)
	var total, sum float64
	for i, c := range hist {
		total += float64(c)
		sum += float64(i) * float64(c)
	}
	if total == 0 {
		return 0
	}
	mean := sum / total
	var variance float64
	for i, c := range hist {
		d := float64(i) - mean
		variance += d * d * float64(c)
	}
	return math.Sqrt(variance / total)
}

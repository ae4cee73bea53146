/**
 * Enhancement Variant Generator
 *
 * Produces several differently enhanced copies of one normalized image so the
 * recognizer gets multiple shots at the same content. Recipes are deterministic
 * compositions of contrast gain, bounded blur, sharpen and Otsu binarization.
 */

package enhance

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// Catalogue names
const (
	VariantStandard       = "standard"
	VariantHighContrast   = "high_contrast"
	VariantDenoised       = "denoised"
	VariantBinarized      = "binarized"
	VariantSharpBinarized = "sharp_binarized"
	// VariantFallback is produced only when every recipe fails
	VariantFallback = "fallback"
)

// GeneratorConfig tunes the recipe parameters
type GeneratorConfig struct {
	BinarizeBias  float64
	BinarizeFloor int
	MaxBlurSigma  float64
}

// DefaultGeneratorConfig returns the production recipe tuning
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{BinarizeBias: 0.85, BinarizeFloor: 40, MaxBlurSigma: 1.5}
}

// Params are the per-image recipe parameters derived from the profile
type Params struct {
	Gain          float64
	DenoiseSigma  float64
	BinarizeBias  float64
	BinarizeFloor int
}

// Recipe is one named enhancement
type Recipe struct {
	Name  string
	Apply func(src *image.Gray, p Params) image.Image
}

// Generator runs the recipe catalogue
type Generator struct {
	cfg     GeneratorConfig
	recipes []Recipe
	logger  *logging.Logger
}

// NewGenerator creates a generator with the default catalogue
func NewGenerator(cfg GeneratorConfig, logger *logging.Logger) *Generator {
	def := DefaultGeneratorConfig()
	if cfg.BinarizeBias <= 0 || cfg.BinarizeBias > 1 {
		cfg.BinarizeBias = def.BinarizeBias
	}
	if cfg.BinarizeFloor <= 0 {
		cfg.BinarizeFloor = def.BinarizeFloor
	}
	if cfg.MaxBlurSigma <= 0 {
		cfg.MaxBlurSigma = def.MaxBlurSigma
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Generator{cfg: cfg, recipes: Catalogue(), logger: logger}
}

// WithRecipes replaces the catalogue; used by tools and tests
func (g *Generator) WithRecipes(recipes []Recipe) *Generator {
	clone := *g
	clone.recipes = recipes
	return &clone
}

// Catalogue returns the fixed recipe list in preference order
func Catalogue() []Recipe {
	return []Recipe{
		{Name: VariantStandard, Apply: func(src *image.Gray, p Params) image.Image {
			return imaging.Sharpen(imaging.AdjustContrast(src, p.Gain), 1.0)
		}},
		{Name: VariantHighContrast, Apply: func(src *image.Gray, p Params) image.Image {
			return imaging.AdjustContrast(stretch(src, 0.01, 0.99), p.Gain*1.5)
		}},
		{Name: VariantDenoised, Apply: func(src *image.Gray, p Params) image.Image {
			return imaging.Sharpen(imaging.Blur(src, p.DenoiseSigma), 0.8)
		}},
		{Name: VariantBinarized, Apply: func(src *image.Gray, p Params) image.Image {
			return binarize(imaging.Blur(src, 0.5), p)
		}},
		{Name: VariantSharpBinarized, Apply: func(src *image.Gray, p Params) image.Image {
			return binarize(stretch(imaging.Sharpen(src, 1.2), 0.01, 0.99), p)
		}},
	}
}

// ParamsFor adapts recipe strength to the image profile
func (g *Generator) ParamsFor(profile model.ImageProfile) Params {
	p := Params{
		Gain:          20,
		DenoiseSigma:  0.7,
		BinarizeBias:  g.cfg.BinarizeBias,
		BinarizeFloor: g.cfg.BinarizeFloor,
	}
	if profile.Contrast < 30 {
		p.Gain = 40
	}
	if profile.QualityScore < LowQualityThreshold {
		p.DenoiseSigma = 1.2
	}
	if p.DenoiseSigma > g.cfg.MaxBlurSigma {
		p.DenoiseSigma = g.cfg.MaxBlurSigma
	}
	return p
}

// Generate runs every recipe and returns the variants ranked by proxy.
// Failing recipes are skipped and reported; when none succeed a single
// fallback greyscale variant is returned.
func (g *Generator) Generate(ctx context.Context, img *NormalizedImage, profile model.ImageProfile) ([]model.Variant, []error) {
	params := g.ParamsFor(profile)
	base := float64(len(img.Encoded))
	if base == 0 {
		base = 1
	}

	var variants []model.Variant
	var errs []error
	for _, recipe := range g.recipes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("variant generation interrupted: %w", err))
			break
		}
		buf, err := runRecipe(recipe, img.Gray, params)
		if err != nil {
			g.logger.Warn("Variant recipe failed", "variant", recipe.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		variants = append(variants, model.Variant{
			Name:   recipe.Name,
			Buffer: buf,
			Proxy:  float64(len(buf)) / base,
		})
	}

	if len(variants) == 0 {
		g.logger.Warn("All variant recipes failed, using greyscale fallback", "failures", len(errs))
		return []model.Variant{{Name: VariantFallback, Buffer: img.Encoded, Proxy: 1, Rank: 1}}, errs
	}

	// stable sort keeps catalogue order on equal proxies
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Proxy > variants[j].Proxy
	})
	for i := range variants {
		variants[i].Rank = i + 1
	}
	return variants, errs
}

// IsFallback reports whether the variant list is the degraded fallback
func IsFallback(variants []model.Variant) bool {
	return len(variants) == 1 && variants[0].Name == VariantFallback
}

func runRecipe(recipe Recipe, src *image.Gray, p Params) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("variant %s panicked: %v", recipe.Name, r)
		}
	}()

	out := recipe.Apply(src, p)
	if out == nil || out.Bounds().Empty() {
		return nil, fmt.Errorf("variant %s produced an empty image", recipe.Name)
	}

	var b bytes.Buffer
	if err := imaging.Encode(&b, toGray(imaging.Grayscale(out)), imaging.PNG); err != nil {
		return nil, fmt.Errorf("variant %s encode: %w", recipe.Name, err)
	}
	return b.Bytes(), nil
}

// stretch maps the [low, high] intensity percentiles linearly onto [0, 255]
func stretch(img image.Image, low, high float64) *image.NRGBA {
	gray := toGray(imaging.Grayscale(img))
	hist := Histogram(gray)
	lo, hi := percentile(hist, low), percentile(hist, high)
	if hi <= lo {
		return imaging.Clone(gray)
	}
	span := float64(hi - lo)
	return imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		v := (float64(c.R) - float64(lo)) * 255 / span
		g := clampByte(v)
		return color.NRGBA{R: g, G: g, B: g, A: c.A}
	})
}

// binarize applies the biased Otsu threshold
func binarize(img image.Image, p Params) *image.NRGBA {
	gray := toGray(imaging.Grayscale(img))
	t := BiasedThreshold(OtsuThreshold(Histogram(gray)), p.BinarizeBias, p.BinarizeFloor)
	return imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		if int(c.R) > t {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{A: c.A}
	})
}

func percentile(hist [256]int, q float64) int {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	target := int(q * float64(total))
	acc := 0
	for i, c := range hist {
		acc += c
		if acc > target {
			return i
		}
	}
	return 255
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

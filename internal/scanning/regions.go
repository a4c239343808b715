package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/disintegration/imaging"
)

const (
	minRegionConfidence = 0.5
	// minRegionFraction drops boxes covering less than this share of either side
	minRegionFraction = 0.05
)

// RegionSplitter detects several receipts photographed together and crops
// each one into its own image
type RegionSplitter struct {
	provider Provider
	metrics  *Metrics
	timeout  time.Duration
}

// NewRegionSplitter creates a RegionSplitter backed by provider
func NewRegionSplitter(provider Provider, metrics *Metrics) *RegionSplitter {
	return &RegionSplitter{
		provider: provider,
		metrics:  metrics,
		timeout:  30 * time.Second,
	}
}

// Split returns one image per detected receipt. When fewer than two receipts
// are found, or detection fails, the input image is returned unchanged.
func (s *RegionSplitter) Split(ctx context.Context, img NormalizedImage) []NormalizedImage {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	text, err := s.provider.Generate(ctx, img, regionPrompt)
	s.metrics.observeCall(s.provider.Name(), "detect_regions", started, err)
	if err != nil {
		slog.Warn("Region detection failed, using whole page", "file_id", img.FileID, "page", img.PageIndex, "error", err)
		return []NormalizedImage{img}
	}

	regions, err := parseRegions(text)
	if err != nil {
		slog.Warn("Unreadable region detection response", "file_id", img.FileID, "error", err, "response", text)
		return []NormalizedImage{img}
	}

	regions = usableRegions(regions)
	if len(regions) < 2 {
		return []NormalizedImage{img}
	}

	crops, err := cropRegions(img, regions)
	if err != nil {
		slog.Warn("Cropping regions failed, using whole page", "file_id", img.FileID, "error", err)
		return []NormalizedImage{img}
	}

	slog.Info("Split page into regions", "file_id", img.FileID, "page", img.PageIndex, "regions", len(crops))
	return crops
}

// usableRegions drops low-confidence and degenerate boxes and orders the rest
// top-to-bottom, left-to-right
func usableRegions(regions []wireRegion) []wireRegion {
	out := make([]wireRegion, 0, len(regions))
	for _, r := range regions {
		r.X, r.Y = clamp01(r.X), clamp01(r.Y)
		r.Width = math.Min(clamp01(r.Width), 1-r.X)
		r.Height = math.Min(clamp01(r.Height), 1-r.Y)
		if r.Confidence < minRegionConfidence || r.Width < minRegionFraction || r.Height < minRegionFraction {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func cropRegions(img NormalizedImage, regions []wireRegion) ([]NormalizedImage, error) {
	src, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding page image: %w", err)
	}
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	crops := make([]NormalizedImage, 0, len(regions))
	for i, r := range regions {
		rect := image.Rect(
			b.Min.X+int(math.Round(r.X*w)),
			b.Min.Y+int(math.Round(r.Y*h)),
			b.Min.X+int(math.Round((r.X+r.Width)*w)),
			b.Min.Y+int(math.Round((r.Y+r.Height)*h)),
		)
		cropped := imaging.Crop(src, rect)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, cropped, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
			return nil, fmt.Errorf("encoding region %d: %w", i, err)
		}

		cb := cropped.Bounds()
		crops = append(crops, NormalizedImage{
			Data:        buf.Bytes(),
			Format:      "jpeg",
			Width:       cb.Dx(),
			Height:      cb.Dy(),
			PageIndex:   img.PageIndex,
			FileID:      img.FileID,
			RegionIndex: i,
			Label:       r.Type,
		})
	}
	return crops, nil
}

package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// Format is a sniffed input format
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatHEIC    Format = "heic"
	FormatUnknown Format = ""
)

// NormalizerConfig controls rasterization and sizing
type NormalizerConfig struct {
	// DPI used to rasterize PDF pages
	DPI float64
	// MaxDimension caps the long edge; larger images are downscaled
	MaxDimension int
	// MinDimension is the smallest acceptable long edge; smaller images are upscaled
	MinDimension int
	// JPEGQuality of the encoded output
	JPEGQuality int
}

// DefaultNormalizerConfig keeps small print legible while staying well under
// provider image limits
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		DPI:          150,
		MaxDimension: 2000,
		MinDimension: 1000,
		JPEGQuality:  90,
	}
}

// Normalizer turns uploaded PDFs and images into JPEG bitmaps of bounded size
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a Normalizer; zero config fields fall back to defaults
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	def := DefaultNormalizerConfig()
	if cfg.DPI <= 0 {
		cfg.DPI = def.DPI
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.MinDimension <= 0 {
		cfg.MinDimension = def.MinDimension
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	return &Normalizer{cfg: cfg}
}

// SniffFormat detects the format from magic bytes
func SniffFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return FormatJPEG
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47}):
		return FormatPNG
	case bytes.HasPrefix(data, []byte("GIF8")):
		return FormatGIF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	case isHEICFormat(data):
		return FormatHEIC
	default:
		return FormatUnknown
	}
}

// isHEICFormat checks for an ftyp box with a HEIC/HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// IsSupportedMIMEType reports whether uploads declared as mimeType are accepted
func IsSupportedMIMEType(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "application/pdf", "image/jpeg", "image/jpg", "image/png", "image/gif",
		"image/webp", "image/heic", "image/heif":
		return true
	}
	return false
}

// detect resolves the input format, deciding between UnsupportedFormat and
// CorruptInput when the bytes are not recognisable
func detect(data []byte, mimeType string) (Format, error) {
	if f := SniffFormat(data); f != FormatUnknown {
		return f, nil
	}
	if IsSupportedMIMEType(mimeType) {
		return FormatUnknown, errs.CorruptInput(fmt.Sprintf("content does not match declared type %s", mimeType), nil)
	}
	return FormatUnknown, errs.UnsupportedFormat(fmt.Sprintf("unsupported file type %q", mimeType), nil)
}

// PageCount returns the number of pages; raster images have one
func (n *Normalizer) PageCount(data []byte, mimeType string) (int, error) {
	format, err := detect(data, mimeType)
	if err != nil {
		return 0, err
	}
	if format != FormatPDF {
		return 1, nil
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, errs.CorruptInput("opening PDF", err)
	}
	defer doc.Close()

	return doc.NumPage(), nil
}

// Normalize converts one page of the input into a NormalizedImage
func (n *Normalizer) Normalize(data []byte, mimeType string, pageIndex int, fileID string) (*NormalizedImage, error) {
	format, err := detect(data, mimeType)
	if err != nil {
		return nil, err
	}

	if format == FormatPDF {
		doc, err := fitz.NewFromMemory(data)
		if err != nil {
			return nil, errs.CorruptInput("opening PDF", err)
		}
		defer doc.Close()
		return n.renderPage(doc, pageIndex, fileID)
	}

	if pageIndex != 0 {
		return nil, errs.PageOutOfRange(pageIndex, 1)
	}
	img, err := decodeImage(data, format)
	if err != nil {
		return nil, err
	}
	return n.finish(img, pageIndex, fileID)
}

// NormalizeAll converts every page of the input
func (n *Normalizer) NormalizeAll(ctx context.Context, data []byte, mimeType string, fileID string) ([]NormalizedImage, error) {
	format, err := detect(data, mimeType)
	if err != nil {
		return nil, err
	}

	if format != FormatPDF {
		img, err := n.Normalize(data, mimeType, 0, fileID)
		if err != nil {
			return nil, err
		}
		return []NormalizedImage{*img}, nil
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, errs.CorruptInput("opening PDF", err)
	}
	defer doc.Close()

	pages := make([]NormalizedImage, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := n.renderPage(doc, i, fileID)
		if err != nil {
			return nil, fmt.Errorf("rendering page %d: %w", i, err)
		}
		pages = append(pages, *page)
	}
	return pages, nil
}

func (n *Normalizer) renderPage(doc *fitz.Document, pageIndex int, fileID string) (*NormalizedImage, error) {
	count := doc.NumPage()
	if pageIndex < 0 || pageIndex >= count {
		return nil, errs.PageOutOfRange(pageIndex, count)
	}

	img, err := doc.ImageDPI(pageIndex, n.cfg.DPI)
	if err != nil {
		return nil, errs.CorruptInput(fmt.Sprintf("rendering PDF page %d", pageIndex), err)
	}
	return n.finish(img, pageIndex, fileID)
}

// decodeImage decodes a raster image, applying EXIF orientation
func decodeImage(data []byte, format Format) (image.Image, error) {
	if format == FormatHEIC {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errs.CorruptInput("decoding HEIC/HEIF image", err)
		}
		return img, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errs.CorruptInput(fmt.Sprintf("decoding %s image", format), err)
	}
	return img, nil
}

// finish scales the image into the configured bounds and encodes it as JPEG
func (n *Normalizer) finish(img image.Image, pageIndex int, fileID string) (*NormalizedImage, error) {
	img = n.resize(img)

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errs.CorruptInput("image has no pixels", nil)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.cfg.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	return &NormalizedImage{
		Data:        buf.Bytes(),
		Format:      "jpeg",
		Width:       b.Dx(),
		Height:      b.Dy(),
		PageIndex:   pageIndex,
		FileID:      fileID,
		RegionIndex: -1,
	}, nil
}

// resize keeps the long edge within [MinDimension, MaxDimension]
func (n *Normalizer) resize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return img
	}
	long := max(w, h)

	switch {
	case long > n.cfg.MaxDimension:
		return imaging.Fit(img, n.cfg.MaxDimension, n.cfg.MaxDimension, imaging.Lanczos)
	case long < n.cfg.MinDimension:
		if w >= h {
			return imaging.Resize(img, n.cfg.MinDimension, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, n.cfg.MinDimension, imaging.Lanczos)
	default:
		return img
	}
}

package scanning

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zombor/bewirtungsbeleg/internal/money"
)

// DocumentType is what a page turned out to be
type DocumentType string

const (
	Invoice     DocumentType = "Invoice"
	PaymentSlip DocumentType = "PaymentSlip"
	Unknown     DocumentType = "Unknown"
)

// NormalizedImage is a single page or region ready for the provider
type NormalizedImage struct {
	Data        []byte `json:"-"`
	Format      string `json:"format"` // always "jpeg"
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PageIndex   int    `json:"page_index"`
	FileID      string `json:"file_id"`
	RegionIndex int    `json:"region_index"` // -1 for whole pages
	Label       string `json:"label,omitempty"`
}

// MIMEType returns the content type of Data
func (n NormalizedImage) MIMEType() string {
	return "image/" + n.Format
}

// ClassificationResult is the classifier's verdict for one page
type ClassificationResult struct {
	DocumentType DocumentType `json:"document_type"`
	Confidence   float64      `json:"confidence"`
	Rationale    string       `json:"rationale"`
}

// VATLine is the VAT printed for one rate
type VATLine struct {
	Rate   decimal.Decimal `json:"rate"` // percent, e.g. 19
	Net    money.Amount    `json:"net"`
	Amount money.Amount    `json:"amount"`
}

// ExtractionResult holds the typed fields read from one page.
// Absent text fields are nil, absent amounts are money.Absent().
type ExtractionResult struct {
	DocumentType      DocumentType `json:"document_type"`
	RestaurantName    *string      `json:"restaurant_name"`
	RestaurantAddress *string      `json:"restaurant_address"`
	Date              *string      `json:"date"` // DD.MM.YYYY

	Gross        money.Amount `json:"gross"`
	Net          money.Amount `json:"net"`
	VAT          money.Amount `json:"vat"`
	VATBreakdown []VATLine    `json:"vat_breakdown,omitempty"`
	Paid         money.Amount `json:"paid"`

	Occasion     *string  `json:"occasion"`
	Participants []string `json:"participants,omitempty"`

	// Derived names the fields filled in by derivation rather than read
	Derived []string `json:"derived,omitempty"`
}

// HasUsableField reports whether anything at all was read from the page
func (r *ExtractionResult) HasUsableField() bool {
	return r.RestaurantName != nil || r.RestaurantAddress != nil || r.Date != nil ||
		r.Gross.IsPresent() || r.Net.IsPresent() || r.VAT.IsPresent() || r.Paid.IsPresent() ||
		len(r.VATBreakdown) > 0
}

// Provider is a vision/LLM backend answering one prompt about one image
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string
	// Generate sends the image and prompt and returns the raw text answer.
	// Implementations pin sampling so identical input gives identical output.
	Generate(ctx context.Context, img NormalizedImage, prompt string) (string, error)
	// Close releases resources
	Close() error
}

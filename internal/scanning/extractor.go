package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/money"
)

// Extractor reads typed financial fields from a normalized page
type Extractor struct {
	provider Provider
	retry    RetryConfig
	metrics  *Metrics
}

// ExtractorOption configures an Extractor
type ExtractorOption func(*Extractor)

// WithRetryConfig overrides the default retry policy
func WithRetryConfig(cfg RetryConfig) ExtractorOption {
	return func(e *Extractor) {
		e.retry = cfg
	}
}

// WithMetrics records provider calls and failures
func WithMetrics(m *Metrics) ExtractorOption {
	return func(e *Extractor) {
		e.metrics = m
	}
}

// NewExtractor creates an Extractor backed by provider
func NewExtractor(provider Provider, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		provider: provider,
		retry:    DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type extractSettings struct {
	foreign bool
}

// ExtractOption adjusts a single extraction
type ExtractOption func(*extractSettings)

// WithForeignInvoice treats the document as a foreign invoice: net equals
// gross and no domestic VAT applies
func WithForeignInvoice() ExtractOption {
	return func(s *extractSettings) {
		s.foreign = true
	}
}

// Extract sends the page to the provider and validates the answer
func (e *Extractor) Extract(ctx context.Context, img NormalizedImage, cls ClassificationResult, opts ...ExtractOption) (*ExtractionResult, error) {
	var settings extractSettings
	for _, opt := range opts {
		opt(&settings)
	}

	prompt := extractionPrompt(cls.DocumentType)
	text, err := withRetry(ctx, e.retry, "extraction", func(ctx context.Context) (string, error) {
		started := time.Now()
		text, err := e.provider.Generate(ctx, img, prompt)
		e.metrics.observeCall(e.provider.Name(), "extract", started, err)
		return text, err
	})
	if err != nil {
		e.metrics.observeExtractionError(err)
		return nil, err
	}

	result, reported, err := parseExtraction(text)
	if err != nil {
		slog.Warn("Provider response violates extraction schema",
			"file_id", img.FileID,
			"page", img.PageIndex,
			"error", err,
			"response", text,
		)
		malformed := errs.MalformedResponse(fmt.Sprintf("page %d of %s", img.PageIndex, img.FileID), err)
		e.metrics.observeExtractionError(malformed)
		return nil, malformed
	}

	result.DocumentType = cls.DocumentType
	if result.DocumentType == Unknown {
		result.DocumentType = reported
	}

	if settings.foreign && result.DocumentType != PaymentSlip {
		applyForeignInvoice(result)
	}
	deriveAmounts(result)

	if err := checkInvariants(result); err != nil {
		slog.Warn("Extraction result incomplete for its document type",
			"file_id", img.FileID,
			"page", img.PageIndex,
			"document_type", result.DocumentType,
			"error", err,
			"response", text,
		)
		e.metrics.observeExtractionError(err)
		return nil, err
	}

	return result, nil
}

// applyForeignInvoice sets net = gross and VAT = 0.00 at rate 0
func applyForeignInvoice(r *ExtractionResult) {
	if !r.Gross.IsPresent() {
		return
	}
	r.Net = r.Gross
	r.VAT = money.MustParse("0.00")
	r.VATBreakdown = []VATLine{{Rate: money.RateZero, Net: r.Gross, Amount: r.VAT}}
	r.Derived = append(r.Derived, "net", "vat")
}

// deriveAmounts fills in exactly one missing amount of gross, net and VAT from
// the other two, sums the VAT breakdown when no total was printed, and takes
// a payment slip's printed total as the paid amount
func deriveAmounts(r *ExtractionResult) {
	if !r.VAT.IsPresent() && len(r.VATBreakdown) > 0 {
		amounts := make([]money.Amount, 0, len(r.VATBreakdown))
		for _, line := range r.VATBreakdown {
			amounts = append(amounts, line.Amount)
		}
		r.VAT = money.Sum(amounts...)
		r.Derived = append(r.Derived, "vat")
	}

	switch {
	case r.Gross.IsPresent() && r.VAT.IsPresent() && !r.Net.IsPresent():
		r.Net = r.Gross.Sub(r.VAT)
		r.Derived = append(r.Derived, "net")
	case r.Gross.IsPresent() && r.Net.IsPresent() && !r.VAT.IsPresent():
		r.VAT = r.Gross.Sub(r.Net)
		r.Derived = append(r.Derived, "vat")
	case r.Net.IsPresent() && r.VAT.IsPresent() && !r.Gross.IsPresent():
		r.Gross = r.Net.Add(r.VAT)
		r.Derived = append(r.Derived, "gross")
	}

	if r.DocumentType == PaymentSlip && !r.Paid.IsPresent() && r.Gross.IsPresent() {
		r.Paid = r.Gross
		r.Derived = append(r.Derived, "paid")
	}
}

// checkInvariants enforces the field presence required by the document type
func checkInvariants(r *ExtractionResult) error {
	switch r.DocumentType {
	case PaymentSlip:
		if !r.Paid.IsPresent() {
			return errs.MalformedResponse("payment slip without paid amount", nil)
		}
	case Invoice:
		if !r.Gross.IsPresent() || !r.Net.IsPresent() || !r.VAT.IsPresent() {
			return errs.MalformedResponse("invoice without gross, net and VAT amounts", nil)
		}
	default:
		if !r.HasUsableField() {
			return errs.UnsupportedDocument("no usable field on unclassified page")
		}
	}
	return nil
}

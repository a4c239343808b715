package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// filenameBias pulls the hinted type's probability this far towards 1
	filenameBias = 0.5
	// tieMargin below which the verdict is Unknown
	tieMargin = 0.05
)

var (
	paymentSlipKeywords = []string{
		"kreditkartenbeleg", "kundenbeleg", "kartenbeleg", "kartenzahlung",
		"zahlungsbeleg", "ec-beleg", "ec_beleg", "creditcard", "kreditkarte",
	}
	invoiceKeywords = []string{
		"bewirtungsrechnung", "rechnung", "invoice",
	}
)

// Classifier decides whether a page is an invoice or a payment slip
type Classifier struct {
	provider Provider
	metrics  *Metrics
	timeout  time.Duration
}

// NewClassifier creates a Classifier. provider may be nil, in which case only
// the filename hint is used.
func NewClassifier(provider Provider, metrics *Metrics) *Classifier {
	return &Classifier{
		provider: provider,
		metrics:  metrics,
		timeout:  30 * time.Second,
	}
}

// foldFilename lowercases and strips diacritics so "Zahlungsbestätigung" and
// "ZAHLUNGSBESTATIGUNG" compare equal
func foldFilename(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return cases.Fold().String(folded)
}

// FilenameHint returns the document type suggested by the filename, or Unknown
// when the name matches neither or both keyword sets
func FilenameHint(filename string) DocumentType {
	if filename == "" {
		return Unknown
	}
	name := foldFilename(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))

	slip := containsAny(name, paymentSlipKeywords)
	invoice := containsAny(name, invoiceKeywords)
	switch {
	case slip && !invoice:
		return PaymentSlip
	case invoice && !slip:
		return Invoice
	default:
		return Unknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Classify combines the filename hint with content-based classification.
// It never fails; the worst case is Unknown with confidence 0.
func (c *Classifier) Classify(ctx context.Context, img NormalizedImage, filenameHint string) ClassificationResult {
	hint := FilenameHint(filenameHint)
	scores, contentOK := c.classifyContent(ctx, img)

	result := blend(hint, scores, contentOK)
	c.metrics.observeClassification(result.DocumentType)

	slog.Info("Page classified",
		"file_id", img.FileID,
		"page", img.PageIndex,
		"filename_hint", hint,
		"document_type", result.DocumentType,
		"confidence", result.Confidence,
	)
	return result
}

func (c *Classifier) classifyContent(ctx context.Context, img NormalizedImage) (contentScores, bool) {
	if c.provider == nil {
		return contentScores{invoice: 0.5, slip: 0.5}, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	text, err := c.provider.Generate(ctx, img, classifyPrompt)
	c.metrics.observeCall(c.provider.Name(), "classify", started, err)
	if err != nil {
		slog.Warn("Content classification failed, falling back to filename", "file_id", img.FileID, "page", img.PageIndex, "error", err)
		return contentScores{invoice: 0.5, slip: 0.5}, false
	}

	scores, err := parseClassification(text)
	if err != nil {
		slog.Warn("Unreadable classification response", "file_id", img.FileID, "page", img.PageIndex, "error", err, "response", text)
		return contentScores{invoice: 0.5, slip: 0.5}, false
	}
	return scores, true
}

// blend applies the filename bias to the content probabilities
func blend(hint DocumentType, scores contentScores, contentOK bool) ClassificationResult {
	invoice, slip := scores.invoice, scores.slip
	switch hint {
	case Invoice:
		invoice += filenameBias * (1 - invoice)
	case PaymentSlip:
		slip += filenameBias * (1 - slip)
	}

	var rationale []string
	if hint != Unknown {
		rationale = append(rationale, fmt.Sprintf("filename suggests %s", hint))
	}
	if contentOK && scores.reason != "" {
		rationale = append(rationale, "content: "+scores.reason)
	} else if !contentOK {
		rationale = append(rationale, "content classification unavailable")
	}

	total := invoice + slip
	if total == 0 || math.Abs(invoice-slip) < tieMargin {
		rationale = append(rationale, "no clear winner")
		return ClassificationResult{DocumentType: Unknown, Confidence: 0, Rationale: strings.Join(rationale, "; ")}
	}

	result := ClassificationResult{DocumentType: Invoice, Confidence: invoice / total}
	if slip > invoice {
		result = ClassificationResult{DocumentType: PaymentSlip, Confidence: slip / total}
	}
	if hint != Unknown && hint != result.DocumentType {
		rationale = append(rationale, "content overrides filename")
	}
	result.Confidence = math.Round(result.Confidence*100) / 100
	result.Rationale = strings.Join(rationale, "; ")
	return result
}

package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/bewirtungsbeleg/internal/money"
)

// germanDate is the date layout used on the Bewirtungsbeleg
const germanDate = "02.01.2006"

var dateLayouts = []string{
	germanDate,
	"2.1.2006",
	"02.01.06",
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
}

// extractJSONObject strips markdown fences and surrounding prose from a model answer
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// NormalizeDate converts the common receipt date spellings to DD.MM.YYYY
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format(germanDate), true
		}
	}
	return "", false
}

// rateValue accepts "19", "19%", 19 or 0.19
type rateValue struct {
	decimal.Decimal
	set bool
}

func (r *rateValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = rateValue{}
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*r = rateValue{}
		return nil
	}
	d, err := money.ParseRate(s)
	if err != nil {
		return err
	}
	*r = rateValue{Decimal: d, set: true}
	return nil
}

type wireVATLine struct {
	Satz   rateValue    `json:"satz"`
	Netto  money.Amount `json:"netto"`
	Betrag money.Amount `json:"betrag"`
}

type wireExtraction struct {
	BelegTyp            *string       `json:"belegTyp"`
	RestaurantName      *string       `json:"restaurantName"`
	RestaurantAnschrift *string       `json:"restaurantAnschrift"`
	Datum               *string       `json:"datum"`
	Gesamtbetrag        money.Amount  `json:"gesamtbetrag"`
	Netto               money.Amount  `json:"netto"`
	Mwst                money.Amount  `json:"mwst"`
	MwstAufteilung      []wireVATLine `json:"mwstAufteilung"`
	KreditkartenBetrag  money.Amount  `json:"kreditkartenBetrag"`
	Anlass              *string       `json:"anlass"`
	Teilnehmer          []string      `json:"teilnehmer"`
}

// parseDocumentType maps the German labels used in prompts
func parseDocumentType(s string) DocumentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rechnung", "invoice":
		return Invoice
	case "kundenbeleg", "kreditkartenbeleg", "paymentslip", "payment_slip":
		return PaymentSlip
	default:
		return Unknown
	}
}

func cleanText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

// parseExtraction validates a provider answer against the extraction schema.
// It returns the typed result and the document type the provider reported.
func parseExtraction(text string) (*ExtractionResult, DocumentType, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, Unknown, err
	}

	var w wireExtraction
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, Unknown, fmt.Errorf("unmarshaling json: %w", err)
	}

	reported := Unknown
	if w.BelegTyp != nil {
		reported = parseDocumentType(*w.BelegTyp)
	}

	result := &ExtractionResult{
		RestaurantName:    cleanText(w.RestaurantName),
		RestaurantAddress: cleanText(w.RestaurantAnschrift),
		Gross:             w.Gesamtbetrag,
		Net:               w.Netto,
		VAT:               w.Mwst,
		Paid:              w.KreditkartenBetrag,
		Occasion:          cleanText(w.Anlass),
	}

	if d := cleanText(w.Datum); d != nil {
		if normalized, ok := NormalizeDate(*d); ok {
			result.Date = &normalized
		}
	}

	for _, line := range w.MwstAufteilung {
		if !line.Betrag.IsPresent() || !line.Satz.set {
			continue
		}
		result.VATBreakdown = append(result.VATBreakdown, VATLine{
			Rate:   line.Satz.Decimal,
			Net:    line.Netto,
			Amount: line.Betrag,
		})
	}

	for _, name := range w.Teilnehmer {
		if name = strings.TrimSpace(name); name != "" {
			result.Participants = append(result.Participants, name)
		}
	}

	return result, reported, nil
}

type wireClassification struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Details    *struct {
		RechnungProbability    *float64 `json:"rechnungProbability"`
		KundenbelegProbability *float64 `json:"kundenbelegProbability"`
	} `json:"details"`
}

// contentScores are the provider's invoice and payment slip probabilities
type contentScores struct {
	invoice float64
	slip    float64
	reason  string
}

// parseClassification reads the classification answer into probabilities
func parseClassification(text string) (contentScores, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return contentScores{}, err
	}

	var w wireClassification
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return contentScores{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	scores := contentScores{reason: strings.TrimSpace(w.Reason)}
	if w.Details != nil && w.Details.RechnungProbability != nil && w.Details.KundenbelegProbability != nil {
		scores.invoice = clamp01(*w.Details.RechnungProbability)
		scores.slip = clamp01(*w.Details.KundenbelegProbability)
		return scores, nil
	}

	conf := clamp01(w.Confidence)
	switch parseDocumentType(w.Type) {
	case Invoice:
		scores.invoice, scores.slip = conf, 1-conf
	case PaymentSlip:
		scores.invoice, scores.slip = 1-conf, conf
	default:
		scores.invoice, scores.slip = 0.5, 0.5
	}
	return scores, nil
}

type wireRegion struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// parseRegions reads the region detection answer
func parseRegions(text string) ([]wireRegion, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var w struct {
		Regions []wireRegion `json:"regions"`
	}
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	return w.Regions, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

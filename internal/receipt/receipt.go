package receipt

import (
	"time"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/money"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

// Bewirtungsart values
const (
	BewirtungsartKunden      = "kunden"
	BewirtungsartMitarbeiter = "mitarbeiter"
)

// Zahlungsart values
const (
	ZahlungsartFirma  = "firma"
	ZahlungsartPrivat = "privat"
	ZahlungsartBar    = "bar"
)

// PageResult is the extraction outcome of one page (or one region of a page)
type PageResult struct {
	FileID         string                        `json:"file_id"`
	PageIndex      int                           `json:"page_index"`
	RegionIndex    int                           `json:"region_index"`
	Classification scanning.ClassificationResult `json:"classification"`
	Extraction     *scanning.ExtractionResult    `json:"extraction"`
}

// Source names a page that contributed to a reconciled receipt
type Source struct {
	FileID       string                `json:"file_id"`
	PageIndex    int                   `json:"page_index"`
	RegionIndex  int                   `json:"region_index"`
	DocumentType scanning.DocumentType `json:"document_type"`
}

// ReconciledReceipt is the merged record of one Bewirtung. Text fields are
// empty when unknown, amounts are money.Absent().
type ReconciledReceipt struct {
	Datum               string `json:"datum"`
	RestaurantName      string `json:"restaurantName"`
	RestaurantAnschrift string `json:"restaurantAnschrift"`

	Gesamtbetrag       money.Amount       `json:"gesamtbetrag"`
	GesamtbetragNetto  money.Amount       `json:"gesamtbetragNetto"`
	GesamtbetragMwst   money.Amount       `json:"gesamtbetragMwst"`
	MwstAufteilung     []scanning.VATLine `json:"mwstAufteilung"`
	KreditkartenBetrag money.Amount       `json:"kreditkartenBetrag"`
	Trinkgeld          money.Amount       `json:"trinkgeld"`
	TrinkgeldMwst      money.Amount       `json:"trinkgeldMwst"`

	Teilnehmer             []string `json:"teilnehmer"`
	Anlass                 string   `json:"anlass"`
	Bewirtungsart          string   `json:"bewirtungsart"`
	Zahlungsart            string   `json:"zahlungsart"`
	GeschaeftspartnerNamen string   `json:"geschaeftspartnerNamen"`
	GeschaeftspartnerFirma string   `json:"geschaeftspartnerFirma"`

	IstEigenbeleg            bool `json:"istEigenbeleg"`
	IstAuslaendischeRechnung bool `json:"istAuslaendischeRechnung"`

	Sources []Source `json:"sources"`
}

// clone returns a deep copy so callers can modify it freely
func (r *ReconciledReceipt) clone() *ReconciledReceipt {
	c := *r
	c.MwstAufteilung = append([]scanning.VATLine(nil), r.MwstAufteilung...)
	c.Teilnehmer = append([]string(nil), r.Teilnehmer...)
	c.Sources = append([]Source(nil), r.Sources...)
	return &c
}

// Declaration holds what the user states about the Bewirtung on upload
type Declaration struct {
	Bewirtungsart            string   `json:"bewirtungsart"`
	Zahlungsart              string   `json:"zahlungsart"`
	Teilnehmer               []string `json:"teilnehmer"`
	Anlass                   string   `json:"anlass"`
	GeschaeftspartnerNamen   string   `json:"geschaeftspartnerNamen"`
	GeschaeftspartnerFirma   string   `json:"geschaeftspartnerFirma"`
	IstAuslaendischeRechnung bool     `json:"istAuslaendischeRechnung"`
}

// ValidationContext carries the declared facts validation depends on
type ValidationContext struct {
	Bewirtungsart            string
	IstAuslaendischeRechnung bool
}

// Status is the review state of a submission
type Status string

const (
	StatusNeedsReview Status = "needs_review"
	StatusValidated   Status = "validated"
)

// Upload is one file as received from the client
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Attachment is a stored upload that must be embedded in the final PDF
type Attachment struct {
	Index       int    `json:"index"`
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Path        string `json:"path"`
	Size        int    `json:"size"`
	Pages       int    `json:"pages"`
}

// PageOutcome records what happened to one page during processing
type PageOutcome struct {
	FileID         string                        `json:"file_id"`
	Filename       string                        `json:"filename"`
	PageIndex      int                           `json:"page_index"`
	RegionIndex    int                           `json:"region_index"`
	Classification scanning.ClassificationResult `json:"classification"`
	Derived        []string                      `json:"derived,omitempty"`
	ErrorKind      errs.Kind                     `json:"error_kind,omitempty"`
	Error          string                        `json:"error,omitempty"`
}

// Submission is one processed upload with its receipt and review state
type Submission struct {
	ID          string             `json:"id"`
	Status      Status             `json:"status"`
	Declaration Declaration        `json:"declaration"`
	Receipt     *ReconciledReceipt `json:"receipt"`
	FieldErrors []FieldError       `json:"fieldErrors"`
	Pages       []PageOutcome      `json:"pages"`
	Attachments []Attachment       `json:"attachments"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

package receipt

import (
	"fmt"
	"strings"
)

// PDFVATLine is one VAT rate row as printed on the form
type PDFVATLine struct {
	Satz   string `json:"satz"`
	Netto  string `json:"netto"`
	Betrag string `json:"betrag"`
}

// AttachmentRef points the PDF filler at an upload to embed
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// PDFFields is what the form filler needs: every amount as a German decimal
// string, absent amounts as ""
type PDFFields struct {
	Datum                    string          `json:"datum"`
	RestaurantName           string          `json:"restaurantName"`
	RestaurantAnschrift      string          `json:"restaurantAnschrift"`
	Gesamtbetrag             string          `json:"gesamtbetrag"`
	GesamtbetragNetto        string          `json:"gesamtbetragNetto"`
	GesamtbetragMwst         string          `json:"gesamtbetragMwst"`
	MwstAufteilung           []PDFVATLine    `json:"mwstAufteilung"`
	KreditkartenBetrag       string          `json:"kreditkartenBetrag"`
	Trinkgeld                string          `json:"trinkgeld"`
	TrinkgeldMwst            string          `json:"trinkgeldMwst"`
	Teilnehmer               string          `json:"teilnehmer"`
	Anlass                   string          `json:"anlass"`
	Bewirtungsart            string          `json:"bewirtungsart"`
	Zahlungsart              string          `json:"zahlungsart"`
	GeschaeftspartnerNamen   string          `json:"geschaeftspartnerNamen"`
	GeschaeftspartnerFirma   string          `json:"geschaeftspartnerFirma"`
	IstEigenbeleg            bool            `json:"istEigenbeleg"`
	IstAuslaendischeRechnung bool            `json:"istAuslaendischeRechnung"`
	Attachments              []AttachmentRef `json:"attachments"`
}

// PDFFields renders the validated receipt for the form filler
func (v *ValidatedReceipt) PDFFields(submissionID string, attachments []Attachment) PDFFields {
	f := PDFFields{
		Datum:                    v.Datum,
		RestaurantName:           v.RestaurantName,
		RestaurantAnschrift:      v.RestaurantAnschrift,
		Gesamtbetrag:             v.Gesamtbetrag.German(),
		GesamtbetragNetto:        v.GesamtbetragNetto.German(),
		GesamtbetragMwst:         v.GesamtbetragMwst.German(),
		KreditkartenBetrag:       v.KreditkartenBetrag.German(),
		Trinkgeld:                v.Trinkgeld.German(),
		TrinkgeldMwst:            v.TrinkgeldMwst.German(),
		Teilnehmer:               strings.Join(v.Teilnehmer, ", "),
		Anlass:                   v.Anlass,
		Bewirtungsart:            v.Bewirtungsart,
		Zahlungsart:              v.Zahlungsart,
		GeschaeftspartnerNamen:   v.GeschaeftspartnerNamen,
		GeschaeftspartnerFirma:   v.GeschaeftspartnerFirma,
		IstEigenbeleg:            v.IstEigenbeleg,
		IstAuslaendischeRechnung: v.IstAuslaendischeRechnung,
		MwstAufteilung:           make([]PDFVATLine, 0, len(v.MwstAufteilung)),
		Attachments:              make([]AttachmentRef, 0, len(attachments)),
	}
	for _, line := range v.MwstAufteilung {
		f.MwstAufteilung = append(f.MwstAufteilung, PDFVATLine{
			Satz:   line.Rate.String() + " %",
			Netto:  line.Net.German(),
			Betrag: line.Amount.German(),
		})
	}
	for _, a := range attachments {
		f.Attachments = append(f.Attachments, AttachmentRef{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         fmt.Sprintf("/api/submissions/%s/files/%d", submissionID, a.Index),
		})
	}
	return f
}

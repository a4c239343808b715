package receipt

import (
	"strings"

	"github.com/zombor/bewirtungsbeleg/internal/money"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

// Correction holds user edits to a receipt. Nil fields are left unchanged;
// an amount set to "" clears it.
type Correction struct {
	Datum               *string `json:"datum"`
	RestaurantName      *string `json:"restaurantName"`
	RestaurantAnschrift *string `json:"restaurantAnschrift"`

	Gesamtbetrag       *money.Amount       `json:"gesamtbetrag"`
	GesamtbetragNetto  *money.Amount       `json:"gesamtbetragNetto"`
	GesamtbetragMwst   *money.Amount       `json:"gesamtbetragMwst"`
	MwstAufteilung     *[]scanning.VATLine `json:"mwstAufteilung"`
	KreditkartenBetrag *money.Amount       `json:"kreditkartenBetrag"`

	Teilnehmer               *[]string `json:"teilnehmer"`
	Anlass                   *string   `json:"anlass"`
	Bewirtungsart            *string   `json:"bewirtungsart"`
	Zahlungsart              *string   `json:"zahlungsart"`
	GeschaeftspartnerNamen   *string   `json:"geschaeftspartnerNamen"`
	GeschaeftspartnerFirma   *string   `json:"geschaeftspartnerFirma"`
	IstAuslaendischeRechnung *bool     `json:"istAuslaendischeRechnung"`
}

// ApplyCorrection returns a copy of r with c applied and the tip recomputed.
// A correction that makes the tip negative fails with NegativeTip. Adding an
// invoice total to an Eigenbeleg clears the Eigenbeleg flag.
func ApplyCorrection(r *ReconciledReceipt, c Correction) (*ReconciledReceipt, error) {
	out := r.clone()

	setText := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setAmount := func(dst *money.Amount, v *money.Amount) {
		if v != nil {
			*dst = *v
		}
	}

	if c.Datum != nil {
		if d, ok := scanning.NormalizeDate(*c.Datum); ok {
			out.Datum = d
		} else {
			// left as typed so validation reports it
			out.Datum = strings.TrimSpace(*c.Datum)
		}
	}
	setText(&out.RestaurantName, c.RestaurantName)
	setText(&out.RestaurantAnschrift, c.RestaurantAnschrift)
	setAmount(&out.Gesamtbetrag, c.Gesamtbetrag)
	setAmount(&out.GesamtbetragNetto, c.GesamtbetragNetto)
	setAmount(&out.GesamtbetragMwst, c.GesamtbetragMwst)
	setAmount(&out.KreditkartenBetrag, c.KreditkartenBetrag)
	if c.MwstAufteilung != nil {
		out.MwstAufteilung = append([]scanning.VATLine(nil), (*c.MwstAufteilung)...)
	}
	if c.Teilnehmer != nil {
		out.Teilnehmer = cleanList(*c.Teilnehmer)
	}
	setText(&out.Anlass, c.Anlass)
	if c.Bewirtungsart != nil {
		out.Bewirtungsart = strings.ToLower(strings.TrimSpace(*c.Bewirtungsart))
	}
	if c.Zahlungsart != nil {
		out.Zahlungsart = strings.ToLower(strings.TrimSpace(*c.Zahlungsart))
	}
	setText(&out.GeschaeftspartnerNamen, c.GeschaeftspartnerNamen)
	setText(&out.GeschaeftspartnerFirma, c.GeschaeftspartnerFirma)
	if c.IstAuslaendischeRechnung != nil {
		out.IstAuslaendischeRechnung = *c.IstAuslaendischeRechnung
	}

	// an invoice total turns an Eigenbeleg back into an invoice-backed receipt
	if out.Gesamtbetrag.IsPresent() {
		out.IstEigenbeleg = false
	}

	if err := computeTip(out); err != nil {
		return nil, err
	}
	return out, nil
}

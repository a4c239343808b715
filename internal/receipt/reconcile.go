package receipt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/money"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

// Reconcile merges the page results of one submission into a single receipt.
// Results are keyed by document type, so the physical page order does not
// matter.
func Reconcile(results []PageResult) (*ReconciledReceipt, error) {
	byType := make(map[scanning.DocumentType][]PageResult)
	for _, res := range results {
		if res.Extraction == nil {
			continue
		}
		t := res.Extraction.DocumentType
		byType[t] = append(byType[t], res)
	}
	for t := range byType {
		sortResults(byType[t])
	}

	invoices := byType[scanning.Invoice]
	slips := byType[scanning.PaymentSlip]
	unknown := byType[scanning.Unknown]

	if len(invoices) == 0 && len(slips) == 0 && len(unknown) == 0 {
		return nil, errs.New(errs.KindNoUsableData, "no page produced usable data", nil)
	}
	if len(invoices) > 1 || len(slips) > 1 {
		return nil, errs.Conflict(errs.KindConflictingDocuments,
			fmt.Sprintf("expected at most one invoice and one payment slip, found %d invoices and %d payment slips", len(invoices), len(slips)))
	}

	r := &ReconciledReceipt{
		Gesamtbetrag:       money.Absent(),
		GesamtbetragNetto:  money.Absent(),
		GesamtbetragMwst:   money.Absent(),
		KreditkartenBetrag: money.Absent(),
		Trinkgeld:          money.Absent(),
		TrinkgeldMwst:      money.Absent(),
	}

	var identity []*scanning.ExtractionResult
	if len(invoices) == 1 {
		inv := invoices[0].Extraction
		r.Gesamtbetrag = inv.Gross
		r.GesamtbetragNetto = inv.Net
		r.GesamtbetragMwst = inv.VAT
		r.MwstAufteilung = append([]scanning.VATLine(nil), inv.VATBreakdown...)
		identity = append(identity, inv)
	}
	if len(slips) == 1 {
		slip := slips[0].Extraction
		r.KreditkartenBetrag = slip.Paid
		identity = append(identity, slip)
	}
	if agreed := agreeingUnknown(unknown); agreed != nil {
		identity = append(identity, agreed)
		// amounts read from unclassified pages stand in for a missing invoice
		if len(invoices) == 0 {
			r.Gesamtbetrag = agreed.Gross
			r.GesamtbetragNetto = agreed.Net
			r.GesamtbetragMwst = agreed.VAT
			r.MwstAufteilung = append([]scanning.VATLine(nil), agreed.VATBreakdown...)
		}
	}
	applyIdentity(r, identity)

	if len(slips) == 1 {
		if len(invoices) == 0 && !r.Gesamtbetrag.IsPresent() {
			r.IstEigenbeleg = true
		}
		if err := computeTip(r); err != nil {
			return nil, err
		}
	}

	for _, group := range [][]PageResult{invoices, slips, unknown} {
		for _, res := range group {
			r.Sources = append(r.Sources, Source{
				FileID:       res.FileID,
				PageIndex:    res.PageIndex,
				RegionIndex:  res.RegionIndex,
				DocumentType: res.Extraction.DocumentType,
			})
		}
	}

	return r, nil
}

// computeTip sets trinkgeld = kreditkartenBetrag - gesamtbetrag and its 19%
// VAT share. A negative tip is a conflict and is never clamped.
func computeTip(r *ReconciledReceipt) error {
	r.Trinkgeld = money.Absent()
	r.TrinkgeldMwst = money.Absent()
	if !r.KreditkartenBetrag.IsPresent() || !r.Gesamtbetrag.IsPresent() {
		return nil
	}

	tip := r.KreditkartenBetrag.Sub(r.Gesamtbetrag)
	if tip.IsNegative() {
		return errs.Conflict(errs.KindNegativeTip,
			fmt.Sprintf("paid amount %s is below invoice total %s", r.KreditkartenBetrag, r.Gesamtbetrag))
	}
	r.Trinkgeld = tip
	r.TrinkgeldMwst = tip.MulRate(money.Fraction(money.RateStandard))
	return nil
}

// agreeingUnknown merges unclassified pages. Identity is kept only when every
// page that names a field names the same value. Amounts are kept only when
// they agree too; otherwise all of them are left absent.
func agreeingUnknown(results []PageResult) *scanning.ExtractionResult {
	if len(results) == 0 {
		return nil
	}
	merged := &scanning.ExtractionResult{
		Gross: money.Absent(),
		Net:   money.Absent(),
		VAT:   money.Absent(),
	}
	amountsAgree := true
	for _, res := range results {
		ext := res.Extraction
		if !mergeAgreeing(&merged.RestaurantName, ext.RestaurantName) ||
			!mergeAgreeing(&merged.RestaurantAddress, ext.RestaurantAddress) ||
			!mergeAgreeing(&merged.Date, ext.Date) {
			return nil
		}
		amountsAgree = amountsAgree &&
			mergeAmount(&merged.Gross, ext.Gross) &&
			mergeAmount(&merged.Net, ext.Net) &&
			mergeAmount(&merged.VAT, ext.VAT)
		if len(merged.VATBreakdown) == 0 {
			merged.VATBreakdown = ext.VATBreakdown
		}
	}
	if !amountsAgree {
		merged.Gross, merged.Net, merged.VAT = money.Absent(), money.Absent(), money.Absent()
		merged.VATBreakdown = nil
	}
	return merged
}

func mergeAgreeing(dst **string, v *string) bool {
	if v == nil {
		return true
	}
	if *dst == nil {
		*dst = v
		return true
	}
	return strings.EqualFold(**dst, *v)
}

func mergeAmount(dst *money.Amount, v money.Amount) bool {
	if !v.IsPresent() {
		return true
	}
	if !dst.IsPresent() {
		*dst = v
		return true
	}
	return dst.Equal(v)
}

// applyIdentity fills restaurant, date, occasion and participants from the
// first source that has them
func applyIdentity(r *ReconciledReceipt, sources []*scanning.ExtractionResult) {
	for _, s := range sources {
		if r.RestaurantName == "" && s.RestaurantName != nil {
			r.RestaurantName = *s.RestaurantName
		}
		if r.RestaurantAnschrift == "" && s.RestaurantAddress != nil {
			r.RestaurantAnschrift = *s.RestaurantAddress
		}
		if r.Datum == "" && s.Date != nil {
			r.Datum = *s.Date
		}
		if r.Anlass == "" && s.Occasion != nil {
			r.Anlass = *s.Occasion
		}
		if len(r.Teilnehmer) == 0 && len(s.Participants) > 0 {
			r.Teilnehmer = append([]string(nil), s.Participants...)
		}
	}
}

func sortResults(results []PageResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		if a.PageIndex != b.PageIndex {
			return a.PageIndex < b.PageIndex
		}
		return a.RegionIndex < b.RegionIndex
	})
}

// ApplyDeclaration copies the user's declaration onto the receipt. Declared
// participants and occasion take precedence over anything read from the
// documents.
func ApplyDeclaration(r *ReconciledReceipt, d Declaration) *ReconciledReceipt {
	out := r.clone()
	out.Bewirtungsart = strings.ToLower(strings.TrimSpace(d.Bewirtungsart))
	out.Zahlungsart = strings.ToLower(strings.TrimSpace(d.Zahlungsart))
	out.GeschaeftspartnerNamen = strings.TrimSpace(d.GeschaeftspartnerNamen)
	out.GeschaeftspartnerFirma = strings.TrimSpace(d.GeschaeftspartnerFirma)
	out.IstAuslaendischeRechnung = d.IstAuslaendischeRechnung

	if participants := cleanList(d.Teilnehmer); len(participants) > 0 {
		out.Teilnehmer = participants
	}
	if anlass := strings.TrimSpace(d.Anlass); anlass != "" {
		out.Anlass = anlass
	}
	return out
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

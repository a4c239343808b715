package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/money"
)

// FieldError flags one field the user has to fix
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is the complete set of problems found in one validation pass
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = e.Field + ": " + e.Message
	}
	return fmt.Sprintf("%d field errors: %s", len(fe), strings.Join(parts, "; "))
}

// Unwrap lets errs.Is(err, errs.KindValidation) match
func (fe FieldErrors) Unwrap() error {
	return errs.New(errs.KindValidation, fmt.Sprintf("%d field errors", len(fe)), nil)
}

// ValidatedReceipt is a receipt that passed validation
type ValidatedReceipt struct {
	ReconciledReceipt
}

type validator struct {
	errs FieldErrors
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.add(field, "Pflichtfeld")
	}
}

func (v *validator) requiredAmount(field string, a money.Amount) {
	if !a.IsPresent() {
		v.add(field, "Pflichtfeld")
	}
}

// Validate checks r against the required-field sets and financial invariants
// and returns every problem at once as FieldErrors. r is never modified.
func Validate(r *ReconciledReceipt, vc ValidationContext) (*ValidatedReceipt, error) {
	v := &validator{}

	v.required("restaurantName", r.RestaurantName)
	if strings.TrimSpace(r.Datum) == "" {
		v.add("datum", "Pflichtfeld")
	} else if _, err := time.Parse("02.01.2006", r.Datum); err != nil {
		v.add("datum", "Datum muss im Format TT.MM.JJJJ angegeben werden")
	}

	eigenbelegWithPayment := r.IstEigenbeleg && r.KreditkartenBetrag.IsPresent()
	if !eigenbelegWithPayment {
		v.requiredAmount("gesamtbetrag", r.Gesamtbetrag)
	}

	if len(cleanList(r.Teilnehmer)) == 0 {
		v.add("teilnehmer", "Mindestens ein Teilnehmer ist erforderlich")
	}
	v.required("anlass", r.Anlass)

	switch vc.Bewirtungsart {
	case BewirtungsartKunden:
		v.required("geschaeftspartnerNamen", r.GeschaeftspartnerNamen)
		v.required("geschaeftspartnerFirma", r.GeschaeftspartnerFirma)
	case BewirtungsartMitarbeiter:
	case "":
		v.add("bewirtungsart", "Pflichtfeld")
	default:
		v.add("bewirtungsart", "Ungültige Bewirtungsart %q, erlaubt sind kunden oder mitarbeiter", vc.Bewirtungsart)
	}

	switch r.Zahlungsart {
	case ZahlungsartFirma, ZahlungsartPrivat, ZahlungsartBar:
	case "":
		v.add("zahlungsart", "Pflichtfeld")
	default:
		v.add("zahlungsart", "Ungültige Zahlungsart %q, erlaubt sind firma, privat oder bar", r.Zahlungsart)
	}

	if !vc.IstAuslaendischeRechnung && !r.IstEigenbeleg {
		validateVATSplit(v, r)
	}

	amounts := []struct {
		field string
		value money.Amount
	}{
		{"gesamtbetrag", r.Gesamtbetrag},
		{"gesamtbetragNetto", r.GesamtbetragNetto},
		{"gesamtbetragMwst", r.GesamtbetragMwst},
		{"kreditkartenBetrag", r.KreditkartenBetrag},
		{"trinkgeld", r.Trinkgeld},
		{"trinkgeldMwst", r.TrinkgeldMwst},
	}
	for _, a := range amounts {
		if a.value.IsNegative() {
			v.add(a.field, "Betrag darf nicht negativ sein")
		}
	}
	for i, line := range r.MwstAufteilung {
		if line.Net.IsNegative() || line.Amount.IsNegative() {
			v.add(fmt.Sprintf("mwstAufteilung[%d]", i), "Betrag darf nicht negativ sein")
		}
	}

	validateTip(v, r)

	if len(v.errs) > 0 {
		return nil, v.errs
	}
	return &ValidatedReceipt{ReconciledReceipt: *r.clone()}, nil
}

// validateVATSplit applies the domestic invariants: netto + mwst = brutto and
// per-rate VAT = round(net * rate)
func validateVATSplit(v *validator, r *ReconciledReceipt) {
	v.requiredAmount("gesamtbetragNetto", r.GesamtbetragNetto)
	v.requiredAmount("gesamtbetragMwst", r.GesamtbetragMwst)

	if r.Gesamtbetrag.IsPresent() && r.GesamtbetragNetto.IsPresent() && r.GesamtbetragMwst.IsPresent() {
		sum := r.GesamtbetragNetto.Add(r.GesamtbetragMwst)
		if !sum.Within(r.Gesamtbetrag, money.Cent) {
			v.add("gesamtbetrag", "Bruttobetrag %s entspricht nicht Netto %s + MwSt. %s",
				r.Gesamtbetrag, r.GesamtbetragNetto, r.GesamtbetragMwst)
		}
	}

	lineAmounts := make([]money.Amount, 0, len(r.MwstAufteilung))
	for i, line := range r.MwstAufteilung {
		field := fmt.Sprintf("mwstAufteilung[%d]", i)
		lineAmounts = append(lineAmounts, line.Amount)
		if !money.IsLegalRate(line.Rate) {
			v.add(field+".satz", "Ungültiger MwSt.-Satz %s%%, erlaubt sind 0, 7 oder 19", line.Rate.String())
			continue
		}
		if line.Net.IsPresent() && line.Amount.IsPresent() {
			expected := line.Net.MulRate(money.Fraction(line.Rate))
			if !expected.Within(line.Amount, money.Cent) {
				v.add(field+".betrag", "MwSt. %s passt nicht zu %s%% von %s (erwartet %s)",
					line.Amount, line.Rate.String(), line.Net, expected)
			}
		}
	}

	if total := money.Sum(lineAmounts...); total.IsPresent() && r.GesamtbetragMwst.IsPresent() {
		if !total.Within(r.GesamtbetragMwst, money.Cent) {
			v.add("mwstAufteilung", "Summe der MwSt.-Beträge %s entspricht nicht der MwSt. %s", total, r.GesamtbetragMwst)
		}
	}
}

// validateTip re-checks the tip identity instead of trusting stored values
func validateTip(v *validator, r *ReconciledReceipt) {
	if !r.KreditkartenBetrag.IsPresent() || !r.Gesamtbetrag.IsPresent() {
		if r.Trinkgeld.IsPresent() {
			v.add("trinkgeld", "Trinkgeld ohne Rechnungs- und Kartenbetrag")
		}
		return
	}

	tip := r.KreditkartenBetrag.Sub(r.Gesamtbetrag)
	if tip.IsNegative() {
		v.add("kreditkartenBetrag", "Kartenbetrag %s liegt unter dem Rechnungsbetrag %s", r.KreditkartenBetrag, r.Gesamtbetrag)
		return
	}
	if !r.Trinkgeld.Equal(tip) {
		v.add("trinkgeld", "Trinkgeld muss %s betragen", tip)
	}
	if expected := tip.MulRate(money.Fraction(money.RateStandard)); !r.TrinkgeldMwst.Equal(expected) {
		v.add("trinkgeldMwst", "MwSt. auf Trinkgeld muss %s betragen", expected)
	}
}

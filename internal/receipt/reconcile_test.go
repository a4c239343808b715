package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

var _ = Describe("Reconcile", func() {
	var (
		results []PageResult
		r       *ReconciledReceipt
		err     error
	)

	invoicePage := func(fileID string, page int) PageResult {
		return PageResult{FileID: fileID, PageIndex: page, RegionIndex: -1, Extraction: invoiceExtraction()}
	}
	slipPage := func(fileID string, page int, paid string) PageResult {
		return PageResult{FileID: fileID, PageIndex: page, RegionIndex: -1, Extraction: slipExtraction(paid)}
	}
	unknownPage := func(fileID string, page int, name string) PageResult {
		ext := &scanning.ExtractionResult{
			DocumentType: scanning.Unknown,
			Gross:        amount("1.00"),
		}
		if name != "" {
			ext.RestaurantName = strPtr(name)
		}
		return PageResult{FileID: fileID, PageIndex: page, RegionIndex: -1, Extraction: ext}
	}

	JustBeforeEach(func() {
		r, err = Reconcile(results)
	})

	When("an invoice and a payment slip are present", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0), slipPage("f0", 1, "105.00")}
		})

		It("computes the tip and its VAT", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Gesamtbetrag.String()).To(Equal("99.90"))
			Expect(r.GesamtbetragNetto.String()).To(Equal("83.95"))
			Expect(r.GesamtbetragMwst.String()).To(Equal("15.95"))
			Expect(r.KreditkartenBetrag.String()).To(Equal("105.00"))
			Expect(r.Trinkgeld.String()).To(Equal("5.10"))
			Expect(r.TrinkgeldMwst.String()).To(Equal("0.97"))
			Expect(r.IstEigenbeleg).To(BeFalse())
		})

		It("takes identity from the invoice first", func() {
			Expect(r.RestaurantName).To(Equal("Osteria del Parco"))
			Expect(r.RestaurantAnschrift).To(Equal("Anzinger St 1, 85586 Poing"))
			Expect(r.Datum).To(Equal("19.09.2025"))
		})

		It("lists the sources invoice first", func() {
			Expect(r.Sources).To(Equal([]Source{
				{FileID: "f0", PageIndex: 0, RegionIndex: -1, DocumentType: scanning.Invoice},
				{FileID: "f0", PageIndex: 1, RegionIndex: -1, DocumentType: scanning.PaymentSlip},
			}))
		})

		It("does not depend on the order of the pages", func() {
			swapped, swapErr := Reconcile([]PageResult{results[1], results[0]})
			Expect(swapErr).NotTo(HaveOccurred())
			Expect(swapped.Trinkgeld.String()).To(Equal(r.Trinkgeld.String()))
			Expect(swapped.TrinkgeldMwst.String()).To(Equal(r.TrinkgeldMwst.String()))
			Expect(swapped.RestaurantName).To(Equal(r.RestaurantName))
			Expect(swapped.Sources).To(Equal(r.Sources))
		})
	})

	When("the slip shows less than the invoice", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0), slipPage("f1", 0, "85.00")}
		})

		It("returns a negative tip conflict instead of clamping", func() {
			Expect(r).To(BeNil())
			Expect(errs.Is(err, errs.KindNegativeTip)).To(BeTrue())
			Expect(errs.CategoryOf(err)).To(Equal(errs.CategoryConflict))
		})
	})

	When("the slip matches the invoice exactly", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0), slipPage("f1", 0, "99.90")}
		})

		It("records a zero tip, which is present", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Trinkgeld.IsPresent()).To(BeTrue())
			Expect(r.Trinkgeld.String()).To(Equal("0.00"))
			Expect(r.TrinkgeldMwst.String()).To(Equal("0.00"))
		})
	})

	When("two invoices are present", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0), invoicePage("f1", 0)}
		})

		It("returns ConflictingDocuments", func() {
			Expect(r).To(BeNil())
			Expect(errs.Is(err, errs.KindConflictingDocuments)).To(BeTrue())
		})
	})

	When("one invoice and two slips are present", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0), slipPage("f0", 1, "105.00"), slipPage("f1", 0, "110.00")}
		})

		It("returns ConflictingDocuments", func() {
			Expect(errs.Is(err, errs.KindConflictingDocuments)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("2 payment slips"))
		})
	})

	When("only a payment slip is present", func() {
		BeforeEach(func() {
			results = []PageResult{slipPage("f0", 0, "42.50")}
		})

		It("produces an Eigenbeleg without gross or tip", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.IstEigenbeleg).To(BeTrue())
			Expect(r.KreditkartenBetrag.String()).To(Equal("42.50"))
			Expect(r.Gesamtbetrag.IsPresent()).To(BeFalse())
			Expect(r.Trinkgeld.IsPresent()).To(BeFalse())
			Expect(r.RestaurantName).To(Equal("OSTERIA DEL PARCO"))
		})
	})

	When("only an invoice is present", func() {
		BeforeEach(func() {
			results = []PageResult{invoicePage("f0", 0)}
		})

		It("leaves payment and tip absent rather than zero", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.KreditkartenBetrag.IsPresent()).To(BeFalse())
			Expect(r.Trinkgeld.IsPresent()).To(BeFalse())
			Expect(r.TrinkgeldMwst.IsPresent()).To(BeFalse())
			Expect(r.IstEigenbeleg).To(BeFalse())
			Expect(r.MwstAufteilung).To(HaveLen(1))
		})
	})

	When("no page produced an extraction", func() {
		BeforeEach(func() {
			results = []PageResult{{FileID: "f0", PageIndex: 0}}
		})

		It("returns NoUsableData", func() {
			Expect(errs.Is(err, errs.KindNoUsableData)).To(BeTrue())
		})
	})

	When("there are no results at all", func() {
		BeforeEach(func() {
			results = nil
		})

		It("returns NoUsableData", func() {
			Expect(errs.Is(err, errs.KindNoUsableData)).To(BeTrue())
		})
	})

	When("unclassified pages agree on the restaurant", func() {
		BeforeEach(func() {
			results = []PageResult{unknownPage("f0", 0, "Zum Goldenen Hirsch"), unknownPage("f0", 1, "zum goldenen hirsch")}
		})

		It("uses their identity and amounts", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.RestaurantName).To(Equal("Zum Goldenen Hirsch"))
			Expect(r.Gesamtbetrag.String()).To(Equal("1.00"))
			Expect(r.Sources).To(HaveLen(2))
		})
	})

	When("a single unclassified page carries invoice amounts", func() {
		BeforeEach(func() {
			ext := invoiceExtraction()
			ext.DocumentType = scanning.Unknown
			results = []PageResult{{FileID: "f0", RegionIndex: -1, Extraction: ext}}
		})

		It("keeps the amounts it read", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.RestaurantName).To(Equal("Osteria del Parco"))
			Expect(r.Gesamtbetrag.String()).To(Equal("99.90"))
			Expect(r.GesamtbetragNetto.String()).To(Equal("83.95"))
			Expect(r.GesamtbetragMwst.String()).To(Equal("15.95"))
			Expect(r.MwstAufteilung).To(HaveLen(1))
			Expect(r.IstEigenbeleg).To(BeFalse())
		})
	})

	When("unclassified pages agree on identity but not on amounts", func() {
		BeforeEach(func() {
			other := unknownPage("f1", 0, "Zum Goldenen Hirsch")
			other.Extraction.Gross = amount("2.00")
			results = []PageResult{unknownPage("f0", 0, "Zum Goldenen Hirsch"), other}
		})

		It("keeps the identity and drops the amounts", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.RestaurantName).To(Equal("Zum Goldenen Hirsch"))
			Expect(r.Gesamtbetrag.IsPresent()).To(BeFalse())
		})
	})

	When("an unclassified page with a total accompanies a payment slip", func() {
		BeforeEach(func() {
			ext := invoiceExtraction()
			ext.DocumentType = scanning.Unknown
			results = []PageResult{slipPage("f1", 0, "105.00"), {FileID: "f0", RegionIndex: -1, Extraction: ext}}
		})

		It("computes the tip instead of producing an Eigenbeleg", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.IstEigenbeleg).To(BeFalse())
			Expect(r.Gesamtbetrag.String()).To(Equal("99.90"))
			Expect(r.Trinkgeld.String()).To(Equal("5.10"))
			Expect(r.TrinkgeldMwst.String()).To(Equal("0.97"))
		})
	})

	When("unclassified pages disagree", func() {
		BeforeEach(func() {
			results = []PageResult{unknownPage("f0", 0, "Zum Goldenen Hirsch"), unknownPage("f1", 0, "Pizzeria Roma")}
		})

		It("takes no identity from them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.RestaurantName).To(BeEmpty())
		})
	})

	When("an unclassified page disagrees with the invoice", func() {
		BeforeEach(func() {
			results = []PageResult{unknownPage("f1", 0, "Pizzeria Roma"), invoicePage("f0", 0)}
		})

		It("keeps the invoice identity and amounts", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(r.RestaurantName).To(Equal("Osteria del Parco"))
			Expect(r.Gesamtbetrag.String()).To(Equal("99.90"))
			Expect(r.Sources[0].DocumentType).To(Equal(scanning.Invoice))
		})
	})
})

var _ = Describe("ApplyDeclaration", func() {
	It("copies declared facts without touching the input", func() {
		base, err := Reconcile([]PageResult{{FileID: "f0", RegionIndex: -1, Extraction: invoiceExtraction()}})
		Expect(err).NotTo(HaveOccurred())
		base.Anlass = "aus dem Beleg"

		out := ApplyDeclaration(base, Declaration{
			Bewirtungsart:          " Kunden ",
			Zahlungsart:            "FIRMA",
			Teilnehmer:             []string{" Anna Schmidt ", "", "Ben Weber"},
			Anlass:                 "Vertragsverhandlung",
			GeschaeftspartnerNamen: "Carla Neumann",
			GeschaeftspartnerFirma: "Neumann GmbH",
		})

		Expect(out.Bewirtungsart).To(Equal(BewirtungsartKunden))
		Expect(out.Zahlungsart).To(Equal(ZahlungsartFirma))
		Expect(out.Teilnehmer).To(Equal([]string{"Anna Schmidt", "Ben Weber"}))
		Expect(out.Anlass).To(Equal("Vertragsverhandlung"))
		Expect(out.GeschaeftspartnerFirma).To(Equal("Neumann GmbH"))

		Expect(base.Bewirtungsart).To(BeEmpty())
		Expect(base.Anlass).To(Equal("aus dem Beleg"))
	})

	It("keeps extracted participants when none are declared", func() {
		base := &ReconciledReceipt{Teilnehmer: []string{"Dora Klein"}, Anlass: "Jubiläum"}
		out := ApplyDeclaration(base, Declaration{Bewirtungsart: "mitarbeiter"})
		Expect(out.Teilnehmer).To(Equal([]string{"Dora Klein"}))
		Expect(out.Anlass).To(Equal("Jubiläum"))
	})
})

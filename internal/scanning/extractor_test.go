package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

const invoiceAnswer = `{
	"belegTyp": "rechnung",
	"restaurantName": "Osteria del Parco",
	"restaurantAnschrift": "Anzinger St 1, 85586 Poing",
	"datum": "19.09.2025",
	"gesamtbetrag": "99,90",
	"netto": "83,95",
	"mwst": "15,95",
	"mwstAufteilung": [{"satz": "19", "netto": "83,95", "betrag": "15,95"}],
	"kreditkartenBetrag": null
}`

var _ = Describe("Extractor", func() {
	var (
		provider  *mockProvider
		extractor *Extractor
		cls       ClassificationResult
		opts      []ExtractOption
		ctx       context.Context
		result    *ExtractionResult
		err       error
	)

	BeforeEach(func() {
		provider = &mockProvider{}
		cls = ClassificationResult{DocumentType: Invoice, Confidence: 0.9}
		opts = nil
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		extractor = NewExtractor(provider, WithRetryConfig(RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		}))
		result, err = extractor.Extract(ctx, testImage("f1"), cls, opts...)
	})

	When("the provider returns a complete invoice", func() {
		BeforeEach(func() {
			provider.responses = []string{invoiceAnswer}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should keep the classified type", func() {
			Expect(result.DocumentType).To(Equal(Invoice))
		})

		It("should return canonical amounts", func() {
			Expect(result.Gross.String()).To(Equal("99.90"))
			Expect(result.Net.String()).To(Equal("83.95"))
			Expect(result.VAT.String()).To(Equal("15.95"))
		})

		It("should use the invoice prompt", func() {
			Expect(provider.prompts).To(ConsistOf(invoiceExtractionPrompt))
		})

		It("should not derive anything", func() {
			Expect(result.Derived).To(BeEmpty())
		})
	})

	When("the invoice lacks the net amount", func() {
		BeforeEach(func() {
			provider.responses = []string{`{"gesamtbetrag": "99,90", "mwst": "15,95"}`}
		})

		It("should derive it from gross and VAT", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Net.String()).To(Equal("83.95"))
			Expect(result.Derived).To(ConsistOf("net"))
		})
	})

	When("the invoice only has a VAT breakdown", func() {
		BeforeEach(func() {
			provider.responses = []string{`{"gesamtbetrag": "50,00", "netto": "44,18", "mwstAufteilung": [{"satz": "7", "betrag": "1,40"}, {"satz": "19", "betrag": "4,42"}]}`}
		})

		It("should sum the breakdown into the VAT total", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.VAT.String()).To(Equal("5.82"))
		})
	})

	When("the invoice lacks both net and VAT", func() {
		BeforeEach(func() {
			provider.responses = []string{`{"gesamtbetrag": "99,90"}`}
		})

		It("returns MalformedResponse", func() {
			Expect(errs.Is(err, errs.KindMalformedResponse)).To(BeTrue())
		})
	})

	When("a foreign invoice lacks net and VAT", func() {
		BeforeEach(func() {
			provider.responses = []string{`{"gesamtbetrag": "120,00"}`}
			opts = []ExtractOption{WithForeignInvoice()}
		})

		It("should set net to gross and VAT to zero", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Net.String()).To(Equal("120.00"))
			Expect(result.VAT.String()).To(Equal("0.00"))
			Expect(result.VATBreakdown).To(HaveLen(1))
			Expect(result.VATBreakdown[0].Rate.IsZero()).To(BeTrue())
		})
	})

	When("a payment slip only prints a total", func() {
		BeforeEach(func() {
			cls = ClassificationResult{DocumentType: PaymentSlip, Confidence: 0.8}
			provider.responses = []string{`{"belegTyp": "kundenbeleg", "gesamtbetrag": "105,00"}`}
		})

		It("should take the total as the paid amount", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Paid.String()).To(Equal("105.00"))
			Expect(result.Derived).To(ContainElement("paid"))
		})

		It("should use the payment slip prompt", func() {
			Expect(provider.prompts).To(ConsistOf(paymentSlipExtractionPrompt))
		})
	})

	When("a payment slip has no amount at all", func() {
		BeforeEach(func() {
			cls = ClassificationResult{DocumentType: PaymentSlip}
			provider.responses = []string{`{"restaurantName": "Osteria"}`}
		})

		It("returns MalformedResponse", func() {
			Expect(errs.Is(err, errs.KindMalformedResponse)).To(BeTrue())
		})
	})

	When("the page was unclassified and the provider recognises a slip", func() {
		BeforeEach(func() {
			cls = ClassificationResult{DocumentType: Unknown}
			provider.responses = []string{`{"belegTyp": "kundenbeleg", "kreditkartenBetrag": "105,00"}`}
		})

		It("should adopt the provider's type", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DocumentType).To(Equal(PaymentSlip))
		})

		It("should use the generic prompt", func() {
			Expect(provider.prompts).To(ConsistOf(unknownExtractionPrompt))
		})
	})

	When("the page was unclassified and nothing could be read", func() {
		BeforeEach(func() {
			cls = ClassificationResult{DocumentType: Unknown}
			provider.responses = []string{`{"belegTyp": "unbekannt"}`}
		})

		It("returns a soft UnsupportedDocument failure", func() {
			Expect(errs.Is(err, errs.KindUnsupportedDocument)).To(BeTrue())
			Expect(errs.Retryable(err)).To(BeFalse())
		})
	})

	When("the provider answers with invalid JSON", func() {
		BeforeEach(func() {
			provider.responses = []string{"Die Rechnung zeigt 99,90 EUR"}
		})

		It("returns MalformedResponse", func() {
			Expect(errs.Is(err, errs.KindMalformedResponse)).To(BeTrue())
		})

		It("should not retry", func() {
			Expect(provider.callCount()).To(Equal(1))
		})
	})

	When("the provider is briefly unavailable", func() {
		BeforeEach(func() {
			unavailable := errs.ServiceUnavailable("calling mock", errors.New("503"))
			provider.errs = []error{unavailable, unavailable, nil}
			provider.responses = []string{"", "", invoiceAnswer}
		})

		It("should retry until it succeeds", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(provider.callCount()).To(Equal(3))
			Expect(result.Gross.String()).To(Equal("99.90"))
		})
	})

	When("the provider stays unavailable", func() {
		BeforeEach(func() {
			provider.errs = []error{errs.ServiceUnavailable("calling mock", errors.New("503"))}
		})

		It("should give up after the attempt cap", func() {
			Expect(provider.callCount()).To(Equal(3))
		})

		It("returns a retryable ServiceUnavailable error", func() {
			Expect(errs.Is(err, errs.KindServiceUnavailable)).To(BeTrue())
			Expect(errs.Retryable(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("after 3 attempts"))
		})
	})

	When("the provider rejects the request", func() {
		BeforeEach(func() {
			provider.errs = []error{errs.ProviderRejected("calling mock", fmt.Errorf("status 401"))}
		})

		It("should not retry", func() {
			Expect(provider.callCount()).To(Equal(1))
			Expect(errs.Is(err, errs.KindServiceUnavailable)).To(BeTrue())
		})
	})

	When("the caller has cancelled", func() {
		BeforeEach(func() {
			c, cancel := context.WithCancel(context.Background())
			cancel()
			ctx = c
			provider.responses = []string{invoiceAnswer}
		})

		It("returns the context error without calling the provider", func() {
			Expect(err).To(MatchError(context.Canceled))
			Expect(provider.callCount()).To(BeZero())
		})
	})
})

var _ = Describe("calculateBackoff", func() {
	It("doubles up to the cap", func() {
		cfg := RetryConfig{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second}
		Expect(calculateBackoff(0, cfg)).To(Equal(500 * time.Millisecond))
		Expect(calculateBackoff(1, cfg)).To(Equal(time.Second))
		Expect(calculateBackoff(2, cfg)).To(Equal(2 * time.Second))
		Expect(calculateBackoff(5, cfg)).To(Equal(2 * time.Second))
	})
})

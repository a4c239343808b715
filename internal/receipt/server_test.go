package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

// multipartRequest builds a multipart form request carrying files and values
func multipartRequest(url, fileField string, files []Upload, values map[string]string) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		part, err := writer.CreateFormFile(fileField, f.Filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(f.Data)
		Expect(err).NotTo(HaveOccurred())
	}
	for k, v := range values {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())

	req, err := http.NewRequest(http.MethodPost, url, body)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(data, v)).To(Succeed(), string(data))
}

var _ = Describe("Server", func() {
	var (
		db         *mockDB
		storage    *mockStorage
		classifier *mockClassifier
		extractor  *mockExtractor
		service    *Service
		server     *Server
		auth       BasicAuth
		opts       []ServerOption
		testServer *httptest.Server
	)

	declaration := map[string]string{
		"bewirtungsart": "mitarbeiter",
		"zahlungsart":   "firma",
		"teilnehmer":    "Anna Schmidt\nBen Weber",
		"anlass":        "Projektabschluss",
	}
	uploads := []Upload{
		{Filename: "Rechnung.jpg", Data: []byte("rechnung")},
		{Filename: "Kundenbeleg.jpg", Data: []byte("kundenbeleg")},
	}

	do := func(req *http.Request) *http.Response {
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}
	get := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, testServer.URL+path, nil)
		Expect(err).NotTo(HaveOccurred())
		return do(req)
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		classifier = newMockClassifier()
		extractor = newMockExtractor()
		auth = BasicAuth{}
		opts = nil

		extractor.results[pageKey("f0", 0)] = invoiceExtraction()
		extractor.results[pageKey("f1", 0)] = slipExtraction("105.00")
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, storage, Pipeline{
			Normalizer: newMockNormalizer(),
			Classifier: classifier,
			Extractor:  extractor,
		}, Config{PageTimeout: time.Second}, &mockIDGenerator{id: "sub-1"}, &mockTimeSource{now: time.Date(2025, 9, 20, 0, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux(), opts...)
		testServer = httptest.NewServer(server)
	})

	AfterEach(func() {
		testServer.Close()
	})

	Describe("POST /api/submissions", func() {
		var (
			files  []Upload
			values map[string]string
			resp   *http.Response
		)

		BeforeEach(func() {
			files = uploads
			values = declaration
		})

		JustBeforeEach(func() {
			resp = do(multipartRequest(testServer.URL+"/api/submissions", "files", files, values))
		})

		When("the pipeline succeeds", func() {
			It("returns the created submission", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var sub Submission
				decodeBody(resp, &sub)
				Expect(sub.ID).To(Equal("sub-1"))
				Expect(sub.Status).To(Equal(StatusValidated))
				Expect(sub.Receipt.Trinkgeld.String()).To(Equal("5.10"))
				Expect(sub.Declaration.Teilnehmer).To(Equal([]string{"Anna Schmidt", "Ben Weber"}))
			})

			It("guesses the content type from the extension", func() {
				var sub Submission
				decodeBody(resp, &sub)
				Expect(sub.Attachments[0].ContentType).To(Equal("image/jpeg"))
			})
		})

		When("the invoice is declared foreign", func() {
			BeforeEach(func() {
				values = map[string]string{"bewirtungsart": "mitarbeiter", "istAuslaendischeRechnung": "ja"}
			})

			It("passes the flag on", func() {
				var sub Submission
				decodeBody(resp, &sub)
				Expect(sub.Declaration.IstAuslaendischeRechnung).To(BeTrue())
				Expect(sub.Status).To(Equal(StatusNeedsReview))
				Expect(sub.FieldErrors).NotTo(BeEmpty())
			})
		})

		When("no file is uploaded", func() {
			BeforeEach(func() {
				files = nil
			})

			It("returns Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the documents conflict", func() {
			BeforeEach(func() {
				extractor.results[pageKey("f1", 0)] = invoiceExtraction()
			})

			It("returns Conflict with the error kind", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				var body map[string]any
				decodeBody(resp, &body)
				Expect(body["kind"]).To(Equal(string(errs.KindConflictingDocuments)))
			})
		})

		When("the provider is unavailable", func() {
			BeforeEach(func() {
				extractor.errs[pageKey("f0", 0)] = errs.ServiceUnavailable("provider down", nil)
			})

			It("returns Service Unavailable with Retry-After", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(resp.Header.Get("Retry-After")).To(Equal("30"))
				var body map[string]any
				decodeBody(resp, &body)
				Expect(body["retryable"]).To(BeTrue())
			})
		})

		When("the provider rejects the request", func() {
			BeforeEach(func() {
				extractor.errs[pageKey("f0", 0)] = errs.ProviderRejected("invalid api key", nil)
			})

			It("does not ask the client to retry", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(resp.Header.Get("Retry-After")).To(BeEmpty())
				resp.Body.Close()
			})
		})

		When("nothing usable is found", func() {
			BeforeEach(func() {
				extractor.errs[pageKey("f0", 0)] = errs.UnsupportedDocument("empty")
				extractor.errs[pageKey("f1", 0)] = errs.MalformedResponse("garbage", nil)
			})

			It("returns Unprocessable Entity", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				resp.Body.Close()
			})
		})

		When("the rate limit is exceeded", func() {
			BeforeEach(func() {
				opts = []ServerOption{WithRateLimiter(NewRateLimiter(1))}
			})

			It("refuses the next request with 429", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()

				second := do(multipartRequest(testServer.URL+"/api/submissions", "files", files, values))
				defer second.Body.Close()
				Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
				Expect(second.Header.Get("Retry-After")).To(Equal("60"))
			})
		})
	})

	Describe("POST /api/classify", func() {
		It("returns the classification of the first page", func() {
			classifier.results[pageKey("f0", 0)] = scanning.PaymentSlip
			resp := do(multipartRequest(testServer.URL+"/api/classify", "file", uploads[1:], nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result scanning.ClassificationResult
			decodeBody(resp, &result)
			Expect(result.DocumentType).To(Equal(scanning.PaymentSlip))
		})

		It("requires a file", func() {
			resp := do(multipartRequest(testServer.URL+"/api/classify", "file", nil, nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("stored submissions", func() {
		BeforeEach(func() {
			r := ApplyDeclaration(reconciled(invoiceExtraction(), slipExtraction("105.00")), completeDeclaration())
			db.submissions["open"] = &Submission{
				ID:          "open",
				Status:      StatusNeedsReview,
				Receipt:     r,
				Attachments: []Attachment{{Index: 0, Filename: "Rechnung.pdf", ContentType: "application/pdf", Path: "open/0_Rechnung.pdf"}},
			}
			db.submissions["done"] = &Submission{ID: "done", Status: StatusValidated, Receipt: r}
			storage.files["open/0_Rechnung.pdf"] = []byte("%PDF-1.4")
		})

		It("lists all submissions", func() {
			resp := get("/api/submissions")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var subs []*Submission
			decodeBody(resp, &subs)
			Expect(subs).To(HaveLen(2))
		})

		It("returns a single submission", func() {
			resp := get("/api/submissions/open")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var sub Submission
			decodeBody(resp, &sub)
			Expect(sub.ID).To(Equal("open"))
		})

		It("returns Not Found for unknown submissions", func() {
			resp := get("/api/submissions/missing")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("deletes a submission", func() {
			req, err := http.NewRequest(http.MethodDelete, testServer.URL+"/api/submissions/open", nil)
			Expect(err).NotTo(HaveOccurred())
			resp := do(req)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.submissions).NotTo(HaveKey("open"))
		})

		Describe("PUT /api/submissions/{id}/receipt", func() {
			put := func(id, body string) *http.Response {
				req, err := http.NewRequest(http.MethodPut, testServer.URL+"/api/submissions/"+id+"/receipt", strings.NewReader(body))
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Content-Type", "application/json")
				return do(req)
			}

			It("applies the correction", func() {
				resp := put("open", `{"kreditkartenBetrag": "110,00"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var sub Submission
				decodeBody(resp, &sub)
				Expect(sub.Receipt.Trinkgeld.String()).To(Equal("10.10"))
				Expect(sub.Status).To(Equal(StatusValidated))
			})

			It("rejects malformed JSON", func() {
				resp := put("open", `{"gesamtbetrag": `)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("rejects an oversized body", func() {
				resp := put("open", `{"anlass": "`+strings.Repeat("x", 2<<20)+`"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				Expect(db.submissions["open"].Receipt.Anlass).NotTo(HavePrefix("xxx"))
			})

			It("rejects a negative tip as a conflict", func() {
				resp := put("open", `{"gesamtbetrag": "120.00"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})

			It("refuses to change a validated submission", func() {
				resp := put("done", `{"anlass": "Neu"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		Describe("GET /api/submissions/{id}/pdf-fields", func() {
			It("returns German formatted fields", func() {
				resp := get("/api/submissions/done/pdf-fields")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var fields PDFFields
				decodeBody(resp, &fields)
				Expect(fields.Gesamtbetrag).To(Equal("99,90"))
				Expect(fields.Trinkgeld).To(Equal("5,10"))
			})

			It("returns Conflict while review is pending", func() {
				resp := get("/api/submissions/open/pdf-fields")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		Describe("GET /api/submissions/{id}/files/{index}", func() {
			It("serves the stored file", func() {
				resp := get("/api/submissions/open/files/0")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
				data, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("%PDF-1.4")))
			})

			It("rejects a non-numeric index", func() {
				resp := get("/api/submissions/open/files/abc")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("returns Not Found for a missing index", func() {
				resp := get("/api/submissions/open/files/5")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "buchhaltung", Password: "geheim"}
		})

		It("rejects requests without credentials", func() {
			resp := get("/api/submissions")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, testServer.URL+"/api/submissions", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("buchhaltung", "falsch")
			resp := do(req)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, testServer.URL+"/api/submissions", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("buchhaltung:geheim")))
			resp := do(req)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves the health check open", func() {
			resp := get("/healthz")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, testServer.URL+"/api/submissions", nil)
			Expect(err).NotTo(HaveOccurred())
			resp := do(req)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("GET /metrics", func() {
		BeforeEach(func() {
			reg := prometheus.NewRegistry()
			served := prometheus.NewCounter(prometheus.CounterOpts{Name: "bewirtung_test_pages_total", Help: "test"})
			reg.MustRegister(served)
			served.Add(3)
			opts = []ServerOption{WithGatherer(reg)}
		})

		It("serves the configured registry", func() {
			resp := get("/metrics")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("bewirtung_test_pages_total 3"))
		})
	})
})

var _ = Describe("writeError", func() {
	DescribeTable("maps errors to status codes",
		func(err error, status int) {
			rec := httptest.NewRecorder()
			writeError(rec, err)
			Expect(rec.Code).To(Equal(status))
		},
		Entry("not found", ErrNotFound, http.StatusNotFound),
		Entry("validated", ErrSubmissionValidated, http.StatusConflict),
		Entry("field errors", FieldErrors{{Field: "datum", Message: "Pflichtfeld"}}, http.StatusUnprocessableEntity),
		Entry("unsupported format", errs.UnsupportedFormat("tiff", nil), http.StatusBadRequest),
		Entry("page out of range", errs.PageOutOfRange(3, 1), http.StatusBadRequest),
		Entry("malformed response", errs.MalformedResponse("bad", nil), http.StatusUnprocessableEntity),
		Entry("negative tip", errs.Conflict(errs.KindNegativeTip, "tip"), http.StatusConflict),
		Entry("unknown", io.ErrUnexpectedEOF, http.StatusInternalServerError),
	)
})

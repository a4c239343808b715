package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// maxRequestSize caps a whole multipart upload
const maxRequestSize = 110 << 20

// maxCorrectionSize bounds the JSON body of a receipt correction
const maxCorrectionSize = 1 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := map[string]any{"error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeError maps pipeline errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var fieldErrs FieldErrors
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "Nicht gefunden", nil)
		return
	case errors.Is(err, ErrSubmissionValidated), errors.Is(err, ErrNotValidated):
		writeJSONError(w, http.StatusConflict, err.Error(), nil)
		return
	case errors.As(err, &fieldErrs):
		writeJSONError(w, http.StatusUnprocessableEntity, "Validierung fehlgeschlagen", map[string]any{"fieldErrors": []FieldError(fieldErrs)})
		return
	}

	kind := errs.KindOf(err)
	extra := map[string]any{"kind": kind}
	switch kind.Category() {
	case errs.CategoryInput:
		writeJSONError(w, http.StatusBadRequest, err.Error(), extra)
	case errs.CategoryTransient:
		extra["retryable"] = errs.Retryable(err)
		if errs.Retryable(err) {
			w.Header().Set("Retry-After", "30")
		}
		writeJSONError(w, http.StatusServiceUnavailable, err.Error(), extra)
	case errs.CategoryConflict:
		writeJSONError(w, http.StatusConflict, err.Error(), extra)
	case errs.CategoryExtraction, errs.CategorySchema, errs.CategoryValidation:
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error(), extra)
	default:
		slog.Error("Internal error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// readUpload reads one multipart file, guessing the content type from the
// extension when the client sent none
func readUpload(header *multipart.FileHeader) (Upload, error) {
	f, err := header.Open()
	if err != nil {
		return Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Upload{}, err
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".webp":
			contentType = "image/webp"
		case ".gif":
			contentType = "image/gif"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}

	return Upload{Filename: header.Filename, ContentType: contentType, Data: data}, nil
}

// splitParticipants accepts repeated fields as well as one field with one
// name per line or separated by semicolons
func splitParticipants(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ';' }) {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func parseDeclaration(form *multipart.Form) Declaration {
	value := func(key string) string {
		if vs := form.Value[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	var foreign bool
	switch strings.ToLower(value("istAuslaendischeRechnung")) {
	case "on", "ja", "yes":
		foreign = true
	default:
		foreign, _ = strconv.ParseBool(value("istAuslaendischeRechnung"))
	}

	return Declaration{
		Bewirtungsart:            value("bewirtungsart"),
		Zahlungsart:              value("zahlungsart"),
		Teilnehmer:               splitParticipants(form.Value["teilnehmer"]),
		Anlass:                   value("anlass"),
		GeschaeftspartnerNamen:   value("geschaeftspartnerNamen"),
		GeschaeftspartnerFirma:   value("geschaeftspartnerFirma"),
		IstAuslaendischeRechnung: foreign,
	}
}

// handleCreateSubmission runs the pipeline over the uploaded files
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Upload ist zu groß", nil)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Error parsing form", nil)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "Keine Datei hochgeladen", nil)
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, h := range headers {
		u, err := readUpload(h)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", h.Filename)
			writeJSONError(w, http.StatusBadRequest, "Datei konnte nicht gelesen werden", nil)
			return
		}
		uploads = append(uploads, u)
	}

	sub, err := s.service.Process(r.Context(), uploads, parseDeclaration(r.MultipartForm))
	if err != nil {
		slog.Error("Error processing submission", "files", len(uploads), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// handleClassify classifies the first page of a single file
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Error parsing form", nil)
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "Keine Datei hochgeladen", nil)
		return
	}

	u, err := readUpload(headers[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Datei konnte nicht gelesen werden", nil)
		return
	}

	result, err := s.service.Classify(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListSubmissions returns all submissions
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.service.ListSubmissions()
	if err != nil {
		slog.Error("Error listing submissions", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleGetSubmission returns a single submission
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.GetSubmission(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleDeleteSubmission deletes a submission and its files
func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSubmission(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCorrectReceipt applies user corrections
func (s *Server) handleCorrectReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCorrectionSize)
	var c Correction
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Korrektur ist zu groß", nil)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid request body", map[string]any{"detail": err.Error()})
		return
	}

	sub, err := s.service.Correct(r.PathValue("id"), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handlePDFFields returns the form fields of a validated submission
func (s *Server) handlePDFFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.service.PDFFields(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

// handleGetAttachment returns the bytes of one uploaded file
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Ungültiger Dateiindex", nil)
		return
	}
	data, contentType, err := s.service.GetAttachment(r.PathValue("id"), index)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

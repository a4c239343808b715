package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
	"github.com/zombor/bewirtungsbeleg/internal/scanning"
)

var (
	// ErrSubmissionValidated is returned when changing a validated submission
	ErrSubmissionValidated = errors.New("submission is validated and can no longer be changed")
	// ErrNotValidated is returned when PDF fields are requested too early
	ErrNotValidated = errors.New("submission has unresolved field errors")
)

// IDGenerator generates unique IDs for submissions
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Normalizer turns uploads into provider-ready page images
type Normalizer interface {
	PageCount(data []byte, mimeType string) (int, error)
	Normalize(data []byte, mimeType string, pageIndex int, fileID string) (*scanning.NormalizedImage, error)
	NormalizeAll(ctx context.Context, data []byte, mimeType string, fileID string) ([]scanning.NormalizedImage, error)
}

// Classifier decides what a page is
type Classifier interface {
	Classify(ctx context.Context, img scanning.NormalizedImage, filenameHint string) scanning.ClassificationResult
}

// Extractor reads the fields of a classified page
type Extractor interface {
	Extract(ctx context.Context, img scanning.NormalizedImage, cls scanning.ClassificationResult, opts ...scanning.ExtractOption) (*scanning.ExtractionResult, error)
}

// RegionSplitter separates several receipts photographed on one page
type RegionSplitter interface {
	Split(ctx context.Context, img scanning.NormalizedImage) []scanning.NormalizedImage
}

// Pipeline bundles the scanning stages. Splitter may be nil.
type Pipeline struct {
	Normalizer Normalizer
	Classifier Classifier
	Extractor  Extractor
	Splitter   RegionSplitter
}

// Config bounds the work done per submission
type Config struct {
	// PageTimeout applies to each page individually
	PageTimeout time.Duration
	// Overhead is added once per submission for reconciliation and validation
	Overhead time.Duration
	// MaxConcurrentPages limits provider calls in flight per submission
	MaxConcurrentPages int
	MaxFileSize        int
	MaxFiles           int
	// MaxPages bounds the pages of all uploads together
	MaxPages int
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		PageTimeout:        90 * time.Second,
		Overhead:           5 * time.Second,
		MaxConcurrentPages: 4,
		MaxFileSize:        10 << 20,
		MaxFiles:           10,
		MaxPages:           20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageTimeout <= 0 {
		c.PageTimeout = d.PageTimeout
	}
	if c.Overhead <= 0 {
		c.Overhead = d.Overhead
	}
	if c.MaxConcurrentPages <= 0 {
		c.MaxConcurrentPages = d.MaxConcurrentPages
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	return c
}

// Service handles submission operations
type Service struct {
	db          DB
	storage     Storage
	pipeline    Pipeline
	config      Config
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, pipeline Pipeline, cfg Config) *Service {
	return NewServiceWithDeps(db, storage, pipeline, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, pipeline Pipeline, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		pipeline:    pipeline,
		config:      cfg.withDefaults(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
	safeExtension       = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
	stripMarks          = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(filename))
	if !safeExtension.MatchString(ext) {
		ext = ""
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	// Ä -> A so German names survive the ASCII filter
	if folded, _, err := transform.String(stripMarks, base); err == nil {
		base = folded
	}
	base = strings.ReplaceAll(base, "ß", "ss")
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "beleg"
	}

	return base + ext
}

// contentTypeFor maps a sniffed format to its MIME type
func contentTypeFor(f scanning.Format, declared string) string {
	switch f {
	case scanning.FormatPDF:
		return "application/pdf"
	case scanning.FormatHEIC:
		if strings.Contains(declared, "heif") {
			return "image/heif"
		}
		return "image/heic"
	case scanning.FormatUnknown:
		return declared
	default:
		return "image/" + string(f)
	}
}

type uploadPlan struct {
	upload      Upload
	fileID      string
	contentType string
	pages       int
	images      []scanning.NormalizedImage
}

type pageJob struct {
	plan  *uploadPlan
	image scanning.NormalizedImage
}

// pageOutput is what one page job produced: one entry per region
type pageOutput struct {
	outcomes []PageOutcome
	results  []PageResult
}

// planUploads checks each upload and counts its pages
func (s *Service) planUploads(uploads []Upload) ([]*uploadPlan, error) {
	if len(uploads) == 0 {
		return nil, errs.New(errs.KindNoUsableData, "no files uploaded", nil)
	}
	if len(uploads) > s.config.MaxFiles {
		return nil, errs.New(errs.KindFileTooLarge, fmt.Sprintf("at most %d files per submission", s.config.MaxFiles), nil)
	}

	plans := make([]*uploadPlan, 0, len(uploads))
	total := 0
	for i, u := range uploads {
		if len(u.Data) > s.config.MaxFileSize {
			return nil, errs.New(errs.KindFileTooLarge,
				fmt.Sprintf("%s is %d bytes, limit is %d", u.Filename, len(u.Data), s.config.MaxFileSize), nil)
		}
		contentType := contentTypeFor(scanning.SniffFormat(u.Data), strings.ToLower(strings.TrimSpace(u.ContentType)))
		pages, err := s.pipeline.Normalizer.PageCount(u.Data, contentType)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", u.Filename, err)
		}
		plans = append(plans, &uploadPlan{
			upload:      u,
			fileID:      fmt.Sprintf("f%d", i),
			contentType: contentType,
			pages:       pages,
		})
		total += pages
	}
	if total > s.config.MaxPages {
		return nil, errs.New(errs.KindFileTooLarge, fmt.Sprintf("%d pages uploaded, limit is %d", total, s.config.MaxPages), nil)
	}
	return plans, nil
}

// rasterize renders every upload once, opening each document a single time
func (s *Service) rasterize(ctx context.Context, plans []*uploadPlan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentPages)
	for _, p := range plans {
		g.Go(func() error {
			images, err := s.pipeline.Normalizer.NormalizeAll(gctx, p.upload.Data, p.contentType, p.fileID)
			if err != nil {
				return fmt.Errorf("normalizing %s: %w", p.upload.Filename, err)
			}
			p.images = images
			return nil
		})
	}
	return g.Wait()
}

// Process runs the full pipeline over the uploads and stores the submission.
// Nothing is written unless processing completes.
func (s *Service) Process(ctx context.Context, uploads []Upload, decl Declaration) (*Submission, error) {
	plans, err := s.planUploads(uploads)
	if err != nil {
		return nil, err
	}

	pageCount := 0
	for _, p := range plans {
		pageCount += p.pages
	}

	budget := time.Duration(pageCount)*s.config.PageTimeout + s.config.Overhead
	subCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := s.rasterize(subCtx, plans); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("processing submission: %w", ctxErr)
		}
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) && errs.KindOf(err) == "" {
			return nil, errs.ServiceUnavailable(fmt.Sprintf("submission exceeded its %s budget", budget), err)
		}
		return nil, err
	}

	var jobs []pageJob
	for _, p := range plans {
		for _, img := range p.images {
			jobs = append(jobs, pageJob{plan: p, image: img})
		}
	}

	slog.Info("Processing submission", "files", len(plans), "pages", len(jobs), "budget", budget)

	outputs := make([]pageOutput, len(jobs))
	g, gctx := errgroup.WithContext(subCtx)
	g.SetLimit(s.config.MaxConcurrentPages)
	for i, job := range jobs {
		g.Go(func() error {
			out, err := s.processPage(gctx, job, decl)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("processing submission: %w", ctxErr)
		}
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) && errs.KindOf(err) == "" {
			return nil, errs.ServiceUnavailable(fmt.Sprintf("submission exceeded its %s budget", budget), err)
		}
		return nil, err
	}

	var (
		outcomes []PageOutcome
		results  []PageResult
	)
	for _, out := range outputs {
		outcomes = append(outcomes, out.outcomes...)
		results = append(results, out.results...)
	}
	if len(results) == 0 {
		return nil, errs.New(errs.KindNoUsableData, fmt.Sprintf("none of %d pages could be read", len(outcomes)), nil)
	}

	reconciled, err := Reconcile(results)
	if err != nil {
		slog.Warn("Reconciliation failed", "error", err, "pages", len(results))
		return nil, err
	}
	reconciled = ApplyDeclaration(reconciled, decl)

	sub := &Submission{
		ID:          s.idGenerator.Generate(),
		Declaration: decl,
		Receipt:     reconciled,
		Pages:       outcomes,
	}
	s.revalidate(sub)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("processing submission: %w", err)
	}
	if err := s.persist(sub, plans); err != nil {
		return nil, err
	}

	slog.Info("Submission processed", "id", sub.ID, "status", sub.Status, "field_errors", len(sub.FieldErrors))
	return sub, nil
}

// processPage normalizes, classifies and extracts one page. Soft failures are
// recorded in the output; only errors that must stop the submission are returned.
func (s *Service) processPage(ctx context.Context, job pageJob, decl Declaration) (pageOutput, error) {
	pageCtx, cancel := context.WithTimeout(ctx, s.config.PageTimeout)
	defer cancel()

	p := job.plan
	pageIndex := job.image.PageIndex

	images := []scanning.NormalizedImage{job.image}
	if s.pipeline.Splitter != nil {
		images = s.pipeline.Splitter.Split(pageCtx, job.image)
	}

	var opts []scanning.ExtractOption
	if decl.IstAuslaendischeRechnung {
		opts = append(opts, scanning.WithForeignInvoice())
	}

	var out pageOutput
	for _, region := range images {
		hint := p.upload.Filename
		if region.Label != "" {
			hint = region.Label
		}
		cls := s.pipeline.Classifier.Classify(pageCtx, region, hint)
		outcome := PageOutcome{
			FileID:         p.fileID,
			Filename:       p.upload.Filename,
			PageIndex:      pageIndex,
			RegionIndex:    region.RegionIndex,
			Classification: cls,
		}

		ext, err := s.pipeline.Extractor.Extract(pageCtx, region, cls, opts...)
		if err != nil {
			if pageCtx.Err() != nil && ctx.Err() == nil {
				return pageOutput{}, errs.ServiceUnavailable(
					fmt.Sprintf("page %d of %s exceeded %s", pageIndex, p.upload.Filename, s.config.PageTimeout), err)
			}
			switch errs.KindOf(err) {
			case errs.KindMalformedResponse, errs.KindUnsupportedDocument:
				slog.Warn("Page extraction failed", "file", p.upload.Filename, "page", pageIndex, "region", region.RegionIndex, "error", err)
				outcome.ErrorKind = errs.KindOf(err)
				outcome.Error = err.Error()
				out.outcomes = append(out.outcomes, outcome)
				continue
			default:
				return pageOutput{}, fmt.Errorf("extracting page %d of %s: %w", pageIndex, p.upload.Filename, err)
			}
		}

		outcome.Classification.DocumentType = ext.DocumentType
		outcome.Derived = ext.Derived
		out.outcomes = append(out.outcomes, outcome)
		out.results = append(out.results, PageResult{
			FileID:         p.fileID,
			PageIndex:      pageIndex,
			RegionIndex:    region.RegionIndex,
			Classification: cls,
			Extraction:     ext,
		})
	}
	return out, nil
}

// revalidate sets status and field errors from the current receipt
func (s *Service) revalidate(sub *Submission) {
	vc := ValidationContext{
		Bewirtungsart:            sub.Receipt.Bewirtungsart,
		IstAuslaendischeRechnung: sub.Receipt.IstAuslaendischeRechnung,
	}
	_, err := Validate(sub.Receipt, vc)

	var fieldErrs FieldErrors
	switch {
	case err == nil:
		sub.Status = StatusValidated
		sub.FieldErrors = []FieldError{}
	case errors.As(err, &fieldErrs):
		sub.Status = StatusNeedsReview
		sub.FieldErrors = fieldErrs
	}
}

// persist stores the attachments and then the submission, removing the
// attachments again if the database write fails
func (s *Service) persist(sub *Submission, plans []*uploadPlan) error {
	now := s.timeSource.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	for i, p := range plans {
		name := fmt.Sprintf("%d_%s", i, sanitizeFilename(p.upload.Filename))
		path, err := s.storage.Save(sub.ID, name, p.upload.Data)
		if err != nil {
			s.cleanupFiles(sub.ID)
			return fmt.Errorf("saving attachment: %w", err)
		}
		sub.Attachments = append(sub.Attachments, Attachment{
			Index:       i,
			FileID:      p.fileID,
			Filename:    p.upload.Filename,
			ContentType: p.contentType,
			Path:        path,
			Size:        len(p.upload.Data),
			Pages:       p.pages,
		})
	}

	if err := s.db.SaveSubmission(sub); err != nil {
		s.cleanupFiles(sub.ID)
		return fmt.Errorf("saving submission to database: %w", err)
	}
	return nil
}

func (s *Service) cleanupFiles(id string) {
	if err := s.storage.DeleteAll(id); err != nil {
		slog.Warn("Failed to clean up attachments", "submission", id, "error", err)
	}
}

// Classify normalizes the first page of one upload and classifies it
func (s *Service) Classify(ctx context.Context, upload Upload) (scanning.ClassificationResult, error) {
	plans, err := s.planUploads([]Upload{upload})
	if err != nil {
		return scanning.ClassificationResult{}, err
	}
	p := plans[0]

	img, err := s.pipeline.Normalizer.Normalize(p.upload.Data, p.contentType, 0, p.fileID)
	if err != nil {
		return scanning.ClassificationResult{}, fmt.Errorf("normalizing %s: %w", upload.Filename, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.PageTimeout)
	defer cancel()
	return s.pipeline.Classifier.Classify(ctx, *img, upload.Filename), nil
}

// Correct applies user corrections and re-validates. Validated submissions
// are immutable.
func (s *Service) Correct(id string, c Correction) (*Submission, error) {
	sub, err := s.db.UpdateSubmission(id, func(sub *Submission) error {
		if sub.Status == StatusValidated {
			return ErrSubmissionValidated
		}
		corrected, err := ApplyCorrection(sub.Receipt, c)
		if err != nil {
			return err
		}
		sub.Receipt = corrected
		s.revalidate(sub)
		sub.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("correcting submission: %w", err)
	}
	slog.Info("Submission corrected", "id", id, "status", sub.Status, "field_errors", len(sub.FieldErrors))
	return sub, nil
}

// PDFFields returns the form fields of a validated submission
func (s *Service) PDFFields(id string) (*PDFFields, error) {
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	if sub.Status != StatusValidated {
		return nil, ErrNotValidated
	}

	validated, err := Validate(sub.Receipt, ValidationContext{
		Bewirtungsart:            sub.Receipt.Bewirtungsart,
		IstAuslaendischeRechnung: sub.Receipt.IstAuslaendischeRechnung,
	})
	if err != nil {
		return nil, fmt.Errorf("revalidating submission: %w", err)
	}
	fields := validated.PDFFields(sub.ID, sub.Attachments)
	return &fields, nil
}

// GetSubmission retrieves a submission by ID
func (s *Service) GetSubmission(id string) (*Submission, error) {
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		return nil, fmt.Errorf("getting submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns all submissions
func (s *Service) ListSubmissions() ([]*Submission, error) {
	subs, err := s.db.ListSubmissions()
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	return subs, nil
}

// DeleteSubmission removes a submission and its files
func (s *Service) DeleteSubmission(id string) error {
	if _, err := s.db.GetSubmission(id); err != nil {
		return fmt.Errorf("getting submission for deletion: %w", err)
	}

	// Log error but continue with database deletion
	if err := s.storage.DeleteAll(id); err != nil {
		slog.Warn("Failed to delete files", "submission", id, "error", err)
	}

	if err := s.db.DeleteSubmission(id); err != nil {
		return fmt.Errorf("deleting submission from database: %w", err)
	}
	return nil
}

// GetAttachment returns the bytes and content type of one stored upload
func (s *Service) GetAttachment(id string, index int) ([]byte, string, error) {
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting submission: %w", err)
	}
	if index < 0 || index >= len(sub.Attachments) {
		return nil, "", fmt.Errorf("attachment %d of %s: %w", index, id, ErrNotFound)
	}

	a := sub.Attachments[index]
	data, err := s.storage.Get(a.Path)
	if err != nil {
		return nil, "", fmt.Errorf("getting attachment file: %w", err)
	}
	return data, a.ContentType, nil
}

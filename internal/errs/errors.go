package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a specific failure in the receipt pipeline
type Kind string

const (
	KindUnsupportedFormat    Kind = "unsupported_format"
	KindCorruptInput         Kind = "corrupt_input"
	KindPageOutOfRange       Kind = "page_out_of_range"
	KindFileTooLarge         Kind = "file_too_large"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindMalformedResponse    Kind = "malformed_response"
	KindUnsupportedDocument  Kind = "unsupported_document"
	KindNoUsableData         Kind = "no_usable_data"
	KindConflictingDocuments Kind = "conflicting_documents"
	KindNegativeTip          Kind = "negative_tip"
	KindValidation           Kind = "validation"
)

// Category groups kinds by how callers are expected to react
type Category string

const (
	CategoryInput      Category = "input"
	CategoryTransient  Category = "transient"
	CategorySchema     Category = "schema"
	CategoryExtraction Category = "extraction"
	CategoryConflict   Category = "conflict"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Category returns the category a kind belongs to
func (k Kind) Category() Category {
	switch k {
	case KindUnsupportedFormat, KindCorruptInput, KindPageOutOfRange, KindFileTooLarge:
		return CategoryInput
	case KindServiceUnavailable:
		return CategoryTransient
	case KindMalformedResponse:
		return CategorySchema
	case KindUnsupportedDocument, KindNoUsableData:
		return CategoryExtraction
	case KindConflictingDocuments, KindNegativeTip:
		return CategoryConflict
	case KindValidation:
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// Error is a pipeline error carrying its kind
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Permanent marks a ServiceUnavailable failure that must not be retried
	// (rejected credentials, bad request).
	Permanent bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new pipeline error
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func UnsupportedFormat(message string, err error) *Error {
	return New(KindUnsupportedFormat, message, err)
}

func CorruptInput(message string, err error) *Error {
	return New(KindCorruptInput, message, err)
}

func PageOutOfRange(page, count int) *Error {
	return New(KindPageOutOfRange, fmt.Sprintf("page %d requested, document has %d", page, count), nil)
}

func ServiceUnavailable(message string, err error) *Error {
	return New(KindServiceUnavailable, message, err)
}

// ProviderRejected is a ServiceUnavailable error that retrying cannot fix
func ProviderRejected(message string, err error) *Error {
	e := New(KindServiceUnavailable, message, err)
	e.Permanent = true
	return e
}

func MalformedResponse(message string, err error) *Error {
	return New(KindMalformedResponse, message, err)
}

func UnsupportedDocument(message string) *Error {
	return New(KindUnsupportedDocument, message, nil)
}

func Conflict(kind Kind, message string) *Error {
	return New(kind, message, nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CategoryOf returns the category of err, CategoryInternal for foreign errors
func CategoryOf(err error) Category {
	return KindOf(err).Category()
}

// Retryable reports whether retrying the same call may succeed
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindServiceUnavailable && !e.Permanent
}

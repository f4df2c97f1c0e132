// Package export compiles a book's chapters in one language into PDF or
// DOCX output.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	BookID   string
	Language string
	Format   Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates no chapter content could be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

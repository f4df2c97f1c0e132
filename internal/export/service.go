package export

import (
	"context"
	"fmt"
	"time"

	"folio/api/internal/content"
	"folio/api/internal/store"
)

// DataStore defines the interface for book and chapter metadata
type DataStore interface {
	GetBook(ctx context.Context, bookID string) (store.Book, error)
	ListChapters(ctx context.Context, bookID string) ([]store.Chapter, error)
}

// ContentLoader loads the latest chapter document in a language
type ContentLoader interface {
	GetLatest(ctx context.Context, chapterID, language string) (content.Document, bool, error)
}

// Service provides book export functionality
type Service struct {
	store   DataStore
	content ContentLoader
}

// NewService creates a new export service
func NewService(store DataStore, loader ContentLoader) *Service {
	return &Service{store: store, content: loader}
}

// Export compiles all chapters with content in the requested language and
// generates the requested format. Chapters with no content in that language
// are skipped.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	book, err := s.store.GetBook(ctx, req.BookID)
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	chapters, err := s.store.ListChapters(ctx, req.BookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}

	data := TemplateData{
		Title:      book.Title,
		AuthorName: book.AuthorName,
		Language:   req.Language,
		ExportedAt: time.Now(),
	}

	for _, chapter := range chapters {
		doc, ok, err := s.content.GetLatest(ctx, chapter.ID, req.Language)
		if err != nil {
			return nil, fmt.Errorf("load chapter %s content: %w", chapter.ID, err)
		}
		if !ok {
			continue
		}
		data.Chapters = append(data.Chapters, TemplateChapter{
			Number:      chapter.Number,
			Title:       chapter.Title,
			ContentHTML: SafeHTML(BlocksToHTML(doc)),
		})
	}

	if len(data.Chapters) == 0 {
		return nil, fmt.Errorf("%w: no chapters with %s content", ErrContentUnavailable, req.Language)
	}

	html, err := RenderBookHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, book.Title)
	case FormatDOCX:
		return exportDOCX(html, book.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

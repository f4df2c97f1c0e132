package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"folio/api/internal/store"
)

// auditStore records one row per provider call for usage accounting.
type auditStore interface {
	InsertLLMServiceCall(ctx context.Context, call store.LLMServiceCall) error
}

// Service runs translation and summary requests against the configured
// provider, rate limited, with every call audited.
type Service struct {
	provider Provider
	limiter  *RateLimiter
	audit    auditStore
}

func NewService(provider Provider, limiter *RateLimiter, audit auditStore) *Service {
	return &Service{
		provider: provider,
		limiter:  limiter,
		audit:    audit,
	}
}

// CallMeta identifies what a provider call was made for.
type CallMeta struct {
	BookID    string
	BookTitle string
	ChapterID string
	Language  string
}

// TranslateBlocks translates each block text into the target language,
// one provider call per block so structure is preserved.
func (s *Service) TranslateBlocks(ctx context.Context, meta CallMeta, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, errors.New("nothing to translate")
	}

	systemPrompt := TranslateBlockPrompt(meta.BookTitle, meta.Language)
	out := make([]string, 0, len(texts))
	promptChars := 0
	completionChars := 0
	start := time.Now()

	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			out = append(out, text)
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		promptChars += len(text)
		translated, err := s.provider.Complete(ctx, systemPrompt, text)
		if err != nil {
			s.record(ctx, meta, "translate", promptChars, completionChars, start, err)
			return nil, fmt.Errorf("translate block: %w", err)
		}
		completionChars += len(translated)
		out = append(out, strings.TrimSpace(translated))
	}

	s.record(ctx, meta, "translate", promptChars, completionChars, start, nil)
	return out, nil
}

// Summarize produces key points for a chapter's text.
func (s *Service) Summarize(ctx context.Context, meta CallMeta, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("nothing to summarize")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	summary, err := s.provider.Complete(ctx, SummarizeChapterPrompt(meta.BookTitle, meta.Language), text)
	s.record(ctx, meta, "summarize", len(text), len(summary), start, err)
	if err != nil {
		return "", fmt.Errorf("summarize chapter: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// TestConnection sends a short test request to the provider.
func (s *Service) TestConnection(ctx context.Context) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return s.provider.Test(ctx)
}

// ProviderName returns the active provider's name.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

func (s *Service) record(ctx context.Context, meta CallMeta, operation string, promptChars, completionChars int, start time.Time, callErr error) {
	call := store.LLMServiceCall{
		ProviderName:    s.provider.Name(),
		Operation:       operation,
		BookID:          meta.BookID,
		ChapterID:       meta.ChapterID,
		Language:        meta.Language,
		PromptChars:     promptChars,
		CompletionChars: completionChars,
		DurationMS:      time.Since(start).Milliseconds(),
		Status:          "ok",
	}
	if callErr != nil {
		call.Status = "error"
		call.Error = callErr.Error()
	}
	if err := s.audit.InsertLLMServiceCall(ctx, call); err != nil {
		log.Printf("llm audit insert failed: %v", err)
	}
}

package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"folio/api/internal/content"
	"folio/api/internal/export"
	"folio/api/internal/llm"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/textdiff"
	"folio/api/internal/util"
)

// ---- chapter content ----

type ContentInput struct {
	Title  string          `json:"title"`
	Blocks []content.Block `json:"blocks"`
	Note   string          `json:"note"`
}

// SaveChapterContent writes the next content version for a chapter in one
// language and appends the changelog row carrying the unified diff against
// the previous version. Edits in the book's original language need write
// permission; any other language needs translate permission.
func (s *Service) SaveChapterContent(ctx context.Context, session Session, chapterID, language string, input ContentInput) (map[string]any, error) {
	language = normalizeLanguage(language)
	if language == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "language is required", nil)
	}
	if len(input.Blocks) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "blocks are required", nil)
	}

	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	book, err := s.store.GetBook(ctx, chapter.BookID)
	if err != nil {
		return nil, err
	}
	action := rbac.ActionWrite
	if language != book.OriginalLanguage {
		action = rbac.ActionTranslate
	}
	role, err := s.roleForBook(ctx, session, book)
	if err != nil {
		return nil, err
	}
	if role == "" || !rbac.Can(role, action) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	doc := content.Document{
		ChapterID: chapterID,
		Language:  language,
		Title:     strings.TrimSpace(input.Title),
		Blocks:    input.Blocks,
	}
	if doc.Title == "" {
		doc.Title = chapter.Title
	}
	row, err := s.content.PutVersion(ctx, doc, session.UserName, strings.TrimSpace(input.Note))
	if err != nil {
		return nil, err
	}

	// Version numbers are dense per (chapter, language), so the version this
	// write superseded is row.Version-1. Reading it after the write keeps the
	// diff base correct when two saves land close together.
	fromVersion := row.Version - 1
	previousRaw := ""
	if fromVersion > 0 {
		previousRaw, err = s.content.GetRaw(ctx, chapterID, language, fromVersion)
		if err != nil {
			return nil, err
		}
	}

	diff := textdiff.Unified(
		versionLabel(language, fromVersion),
		versionLabel(language, row.Version),
		previousRaw,
		doc.RenderRaw(),
	)
	entryAction := "CONTENT_EDITED"
	if fromVersion == 0 {
		entryAction = "CONTENT_CREATED"
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID:      book.ID,
		ChapterID:   chapterID,
		Language:    language,
		Action:      entryAction,
		FromVersion: fromVersion,
		ToVersion:   row.Version,
		Diff:        diff.Text,
		Added:       diff.Added,
		Removed:     diff.Removed,
		Actor:       session.UserName,
	}); err != nil {
		return nil, err
	}

	if language != book.OriginalLanguage {
		if err := s.store.UpsertTranslation(ctx, store.Translation{
			ChapterID:      chapterID,
			Language:       language,
			Status:         "IN_PROGRESS",
			CurrentVersion: row.Version,
			TranslatedBy:   session.UserName,
		}); err != nil {
			return nil, err
		}
		s.startMatchingAssignment(ctx, session, book.ID, chapterID, language)
	}
	if err := s.store.TouchChapter(ctx, chapterID, session.UserName); err != nil {
		return nil, err
	}
	s.indexChapter(chapter, book)

	return map[string]any{
		"version": versionPayload(row),
		"diff": map[string]any{
			"added":   diff.Added,
			"removed": diff.Removed,
		},
	}, nil
}

// startMatchingAssignment flips a pending assignment to IN_PROGRESS when its
// translator saves their first content for the assigned chapter and language.
func (s *Service) startMatchingAssignment(ctx context.Context, session Session, bookID, chapterID, language string) {
	assignments, err := s.store.ListAssignments(ctx, bookID)
	if err != nil {
		return
	}
	for _, a := range assignments {
		if a.Status != "PENDING" || a.TranslatorID != session.UserID || a.Language != language {
			continue
		}
		if a.ChapterID != "" && a.ChapterID != chapterID {
			continue
		}
		_ = s.store.UpdateAssignmentStatus(ctx, a.ID, "IN_PROGRESS", a.Note, "")
	}
}

// GetChapterContent loads a stored version's structured document. version 0
// means latest.
func (s *Service) GetChapterContent(ctx context.Context, session Session, chapterID, language string, version int) (map[string]any, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead); err != nil {
		return nil, err
	}
	language = normalizeLanguage(language)

	var doc content.Document
	if version == 0 {
		loaded, ok, err := s.content.GetLatest(ctx, chapterID, language)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No content in this language yet", nil)
		}
		doc = loaded
	} else {
		loaded, err := s.content.GetVersion(ctx, chapterID, language, version)
		if err != nil {
			return nil, err
		}
		doc = loaded
	}
	return map[string]any{"document": doc}, nil
}

// GetChapterRaw loads the plain-text rendering of a stored version.
func (s *Service) GetChapterRaw(ctx context.Context, session Session, chapterID, language string, version int) (string, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead); err != nil {
		return "", err
	}
	language = normalizeLanguage(language)
	if version == 0 {
		latest, err := s.store.LatestChapterVersion(ctx, chapterID, language)
		if err != nil {
			return "", err
		}
		if latest == nil {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "No content in this language yet", nil)
		}
		version = latest.Version
	}
	return s.content.GetRaw(ctx, chapterID, language, version)
}

func (s *Service) ListContentVersions(ctx context.Context, session Session, chapterID, language string) ([]map[string]any, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead); err != nil {
		return nil, err
	}
	versions, err := s.store.ListChapterVersions(ctx, chapterID, normalizeLanguage(language))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return items, nil
}

// DiffVersions computes the unified diff between two stored versions of one
// chapter. Cross-language pairs are allowed for translation review.
func (s *Service) DiffVersions(ctx context.Context, session Session, chapterID, fromLanguage string, fromVersion int, toLanguage string, toVersion int) (map[string]any, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead); err != nil {
		return nil, err
	}
	fromLanguage = normalizeLanguage(fromLanguage)
	toLanguage = normalizeLanguage(toLanguage)
	if fromVersion < 1 || toVersion < 1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fromVersion and toVersion are required", nil)
	}

	fromRaw, err := s.content.GetRaw(ctx, chapterID, fromLanguage, fromVersion)
	if err != nil {
		return nil, err
	}
	toRaw, err := s.content.GetRaw(ctx, chapterID, toLanguage, toVersion)
	if err != nil {
		return nil, err
	}

	diff := textdiff.Unified(
		versionLabel(fromLanguage, fromVersion),
		versionLabel(toLanguage, toVersion),
		fromRaw,
		toRaw,
	)
	return map[string]any{
		"from":    versionLabel(fromLanguage, fromVersion),
		"to":      versionLabel(toLanguage, toVersion),
		"diff":    diff.Text,
		"added":   diff.Added,
		"removed": diff.Removed,
	}, nil
}

// ---- media ----

type MediaInput struct {
	Kind      string `json:"kind"`
	ObjectKey string `json:"objectKey"`
	Caption   string `json:"caption"`
	Position  int    `json:"position"`
}

func (s *Service) AddMediaItem(ctx context.Context, session Session, chapterID string, input MediaInput) (map[string]any, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, ok := allowedMediaKinds[input.Kind]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be image or audio", nil)
	}
	if strings.TrimSpace(input.ObjectKey) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "objectKey is required", nil)
	}
	item := store.MediaItem{
		ID:        util.NewID("med"),
		ChapterID: chapterID,
		Kind:      input.Kind,
		ObjectKey: strings.TrimSpace(input.ObjectKey),
		Caption:   strings.TrimSpace(input.Caption),
		Position:  input.Position,
	}
	if err := s.store.InsertMediaItem(ctx, item); err != nil {
		return nil, err
	}
	return mediaPayload(item), nil
}

func (s *Service) RemoveMediaItem(ctx context.Context, session Session, chapterID, mediaID string) error {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionWrite); err != nil {
		return err
	}
	removed, err := s.store.DeleteMediaItem(ctx, mediaID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Media item not found", nil)
	}
	return nil
}

func (s *Service) ListChapterMedia(ctx context.Context, session Session, chapterID string) ([]map[string]any, error) {
	if _, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListMediaItems(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, mediaPayload(item))
	}
	return payload, nil
}

// SyncChapterMedia reconciles the media list inside the latest document
// against the media_items rows. Drift produces a new version, never an edit
// of an existing one.
func (s *Service) SyncChapterMedia(ctx context.Context, session Session, chapterID, language string) (map[string]any, error) {
	chapter, book, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	language = normalizeLanguage(language)
	if language == "" {
		language = book.OriginalLanguage
	}

	report, err := s.content.Reconcile(ctx, chapterID, language, session.UserName)
	if err != nil {
		return nil, err
	}
	if report.Drifted {
		if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
			BookID:      book.ID,
			ChapterID:   chapterID,
			Language:    language,
			Action:      "MEDIA_SYNC",
			FromVersion: report.NewVersion - 1,
			ToVersion:   report.NewVersion,
			Actor:       session.UserName,
		}); err != nil {
			return nil, err
		}
		if err := s.store.TouchChapter(ctx, chapterID, session.UserName); err != nil {
			return nil, err
		}
		s.indexChapter(chapter, book)
	}
	return map[string]any{
		"drifted":      report.Drifted,
		"added":        report.Added,
		"removed":      report.Removed,
		"repositioned": report.Repositioned,
		"newVersion":   report.NewVersion,
	}, nil
}

// ---- machine translation ----

// TranslateChapter machine-translates the latest original-language document
// into the target language and stores the result as a new version there.
func (s *Service) TranslateChapter(ctx context.Context, session Session, chapterID, targetLanguage string) (map[string]any, error) {
	if s.llm == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "No translation provider configured", nil)
	}
	chapter, book, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionTranslate)
	if err != nil {
		return nil, err
	}
	targetLanguage = normalizeLanguage(targetLanguage)
	if targetLanguage == "" || targetLanguage == book.OriginalLanguage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "language must differ from the book's original language", nil)
	}

	source, ok, err := s.content.GetLatest(ctx, chapterID, book.OriginalLanguage)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_SOURCE_CONTENT", "Chapter has no content in the original language", nil)
	}

	texts := make([]string, 0, len(source.Blocks))
	for _, block := range source.Blocks {
		texts = append(texts, block.Text)
	}
	translated, err := s.llm.TranslateBlocks(ctx, llm.CallMeta{
		BookID:    book.ID,
		BookTitle: book.Title,
		ChapterID: chapterID,
		Language:  targetLanguage,
	}, texts)
	if err != nil {
		return nil, fmt.Errorf("machine translation: %w", err)
	}

	// Block IDs carry over so translated blocks stay aligned with the source.
	doc := content.Document{
		ChapterID: chapterID,
		Language:  targetLanguage,
		Title:     source.Title,
		Blocks:    make([]content.Block, len(source.Blocks)),
		Media:     source.Media,
	}
	for i, block := range source.Blocks {
		doc.Blocks[i] = content.Block{
			ID:    block.ID,
			Type:  block.Type,
			Level: block.Level,
			Text:  translated[i],
		}
	}

	row, err := s.content.PutVersion(ctx, doc, session.UserName, "machine translation via "+s.llm.ProviderName())
	if err != nil {
		return nil, err
	}

	fromVersion := row.Version - 1
	previousRaw := ""
	if fromVersion > 0 {
		previousRaw, err = s.content.GetRaw(ctx, chapterID, targetLanguage, fromVersion)
		if err != nil {
			return nil, err
		}
	}

	diff := textdiff.Unified(
		versionLabel(targetLanguage, fromVersion),
		versionLabel(targetLanguage, row.Version),
		previousRaw,
		doc.RenderRaw(),
	)
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID:      book.ID,
		ChapterID:   chapterID,
		Language:    targetLanguage,
		Action:      "TRANSLATED",
		FromVersion: fromVersion,
		ToVersion:   row.Version,
		Diff:        diff.Text,
		Added:       diff.Added,
		Removed:     diff.Removed,
		Actor:       session.UserName,
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpsertTranslation(ctx, store.Translation{
		ChapterID:      chapterID,
		Language:       targetLanguage,
		Status:         "IN_PROGRESS",
		CurrentVersion: row.Version,
		TranslatedBy:   session.UserName,
	}); err != nil {
		return nil, err
	}
	if err := s.store.TouchChapter(ctx, chapterID, session.UserName); err != nil {
		return nil, err
	}
	s.indexChapter(chapter, book)

	return map[string]any{
		"version":  versionPayload(row),
		"provider": s.llm.ProviderName(),
	}, nil
}

// SummarizeBook produces key points from the latest original-language content
// of every chapter.
func (s *Service) SummarizeBook(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if s.llm == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "No translation provider configured", nil)
	}
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	chapters, err := s.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, chapter := range chapters {
		latest, err := s.store.LatestChapterVersion(ctx, chapter.ID, book.OriginalLanguage)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		raw, err := s.content.GetRaw(ctx, chapter.ID, book.OriginalLanguage, latest.Version)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&text, "Chapter %d: %s\n\n%s\n", chapter.Number, chapter.Title, raw)
	}
	if text.Len() == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_SOURCE_CONTENT", "Book has no chapter content to summarize", nil)
	}

	summary, err := s.llm.Summarize(ctx, llm.CallMeta{
		BookID:    book.ID,
		BookTitle: book.Title,
		Language:  book.OriginalLanguage,
	}, text.String())
	if err != nil {
		return nil, fmt.Errorf("summarize book: %w", err)
	}
	return map[string]any{
		"summary":  summary,
		"provider": s.llm.ProviderName(),
	}, nil
}

// ---- collaborators ----

func (s *Service) AddCollaborator(ctx context.Context, session Session, bookID, userEmail, role string) ([]map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	if _, ok := allowedCollaboratorRoles[role]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be reader, translator, or editor", nil)
	}
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(userEmail))
	if err != nil {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account with that email", nil)
	}
	if user.ID == book.OwnerID {
		return nil, domainError(http.StatusConflict, "OWNER_ROLE_FIXED", "The book owner's role cannot be changed", nil)
	}
	if err := s.store.UpsertCollaborator(ctx, store.BookCollaborator{
		BookID:    bookID,
		UserID:    user.ID,
		Role:      role,
		GrantedBy: session.UserID,
	}); err != nil {
		return nil, err
	}
	return s.collaboratorList(ctx, bookID)
}

func (s *Service) RemoveBookCollaborator(ctx context.Context, session Session, bookID, userID string) ([]map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	if userID == book.OwnerID {
		return nil, domainError(http.StatusConflict, "OWNER_ROLE_FIXED", "The book owner cannot be removed", nil)
	}
	removed, err := s.store.RemoveCollaborator(ctx, bookID, userID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
	}
	return s.collaboratorList(ctx, bookID)
}

func (s *Service) ListBookCollaborators(ctx context.Context, session Session, bookID string) ([]map[string]any, error) {
	if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.collaboratorList(ctx, bookID)
}

func (s *Service) collaboratorList(ctx context.Context, bookID string) ([]map[string]any, error) {
	collaborators, err := s.store.ListCollaborators(ctx, bookID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(collaborators))
	for _, c := range collaborators {
		items = append(items, map[string]any{
			"userId":    c.UserID,
			"userName":  c.UserName,
			"userEmail": c.UserEmail,
			"role":      c.Role,
			"grantedBy": c.GrantedBy,
			"grantedAt": c.GrantedAt,
		})
	}
	return items, nil
}

// ---- translation assignments ----

type AssignmentInput struct {
	ChapterID       string `json:"chapterId"`
	Language        string `json:"language"`
	TranslatorEmail string `json:"translatorEmail"`
	Note            string `json:"note"`
}

// CreateAssignment assigns a chapter (or the whole book when chapterId is
// empty) to a translator for one target language. The translator gets the
// translator role on the book if they have none yet.
func (s *Service) CreateAssignment(ctx context.Context, session Session, bookID string, input AssignmentInput) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionApprove)
	if err != nil {
		return nil, err
	}
	language := normalizeLanguage(input.Language)
	if language == "" || language == book.OriginalLanguage {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "language must differ from the book's original language", nil)
	}
	translator, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(input.TranslatorEmail))
	if err != nil {
		return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No account with that email", nil)
	}
	if input.ChapterID != "" {
		chapter, err := s.store.GetChapter(ctx, input.ChapterID)
		if err != nil {
			return nil, err
		}
		if chapter.BookID != bookID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter belongs to a different book", nil)
		}
	}

	granted, err := s.store.GetCollaboratorRole(ctx, bookID, translator.ID)
	if err != nil {
		return nil, err
	}
	if granted == "" {
		if err := s.store.UpsertCollaborator(ctx, store.BookCollaborator{
			BookID:    bookID,
			UserID:    translator.ID,
			Role:      "translator",
			GrantedBy: session.UserID,
		}); err != nil {
			return nil, err
		}
	}

	assignment := store.TranslationAssignment{
		ID:           util.NewID("asg"),
		BookID:       bookID,
		ChapterID:    input.ChapterID,
		Language:     language,
		TranslatorID: translator.ID,
		Status:       "PENDING",
		Note:         strings.TrimSpace(input.Note),
	}
	if err := s.store.InsertAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	if s.SMTPConfigured() {
		if err := s.email.SendAssignmentEmail(translator.Email, translator.DisplayName, book.Title, language, ""); err != nil {
			// Notification failure never fails the assignment.
			log.Printf("assignment email to %s failed: %v", translator.Email, err)
		}
	}

	stored, err := s.store.GetAssignment(ctx, assignment.ID)
	if err != nil {
		return nil, err
	}
	return assignmentPayload(stored), nil
}

func (s *Service) ListBookAssignments(ctx context.Context, session Session, bookID string) ([]map[string]any, error) {
	if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignments(ctx, bookID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, assignmentPayload(a))
	}
	return items, nil
}

// SubmitAssignment moves the assignment to SUBMITTED. The caller must be the
// assigned translator and at least one translated version must exist.
func (s *Service) SubmitAssignment(ctx context.Context, session Session, assignmentID string) (map[string]any, error) {
	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if assignment.TranslatorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the assigned translator can submit", nil)
	}
	if assignment.Status != "PENDING" && assignment.Status != "IN_PROGRESS" {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Assignment is not open for submission", map[string]any{"status": assignment.Status})
	}

	hasContent, err := s.assignmentHasContent(ctx, assignment)
	if err != nil {
		return nil, err
	}
	if !hasContent {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_TRANSLATED_CONTENT", "Submit requires at least one translated version", nil)
	}

	if err := s.store.UpdateAssignmentStatus(ctx, assignmentID, "SUBMITTED", assignment.Note, ""); err != nil {
		return nil, err
	}
	updated, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return assignmentPayload(updated), nil
}

func (s *Service) assignmentHasContent(ctx context.Context, assignment store.TranslationAssignment) (bool, error) {
	if assignment.ChapterID != "" {
		latest, err := s.store.LatestChapterVersion(ctx, assignment.ChapterID, assignment.Language)
		if err != nil {
			return false, err
		}
		return latest != nil, nil
	}
	chapters, err := s.store.ListChapters(ctx, assignment.BookID)
	if err != nil {
		return false, err
	}
	for _, chapter := range chapters {
		latest, err := s.store.LatestChapterVersion(ctx, chapter.ID, assignment.Language)
		if err != nil {
			return false, err
		}
		if latest != nil {
			return true, nil
		}
	}
	return false, nil
}

// ApproveAssignment accepts a submitted translation: the chapter translation
// rows flip to APPROVED and a changelog row records the decision.
func (s *Service) ApproveAssignment(ctx context.Context, session Session, assignmentID string) (map[string]any, error) {
	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireBookAction(ctx, session, assignment.BookID, rbac.ActionApprove); err != nil {
		return nil, err
	}
	if assignment.Status != "SUBMITTED" {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only submitted assignments can be approved", map[string]any{"status": assignment.Status})
	}

	if err := s.store.UpdateAssignmentStatus(ctx, assignmentID, "APPROVED", assignment.Note, session.UserID); err != nil {
		return nil, err
	}
	if err := s.approveTranslations(ctx, assignment, session.UserName); err != nil {
		return nil, err
	}
	updated, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return assignmentPayload(updated), nil
}

func (s *Service) approveTranslations(ctx context.Context, assignment store.TranslationAssignment, actor string) error {
	chapterIDs := []string{assignment.ChapterID}
	if assignment.ChapterID == "" {
		chapters, err := s.store.ListChapters(ctx, assignment.BookID)
		if err != nil {
			return err
		}
		chapterIDs = chapterIDs[:0]
		for _, chapter := range chapters {
			chapterIDs = append(chapterIDs, chapter.ID)
		}
	}
	for _, chapterID := range chapterIDs {
		latest, err := s.store.LatestChapterVersion(ctx, chapterID, assignment.Language)
		if err != nil {
			return err
		}
		if latest == nil {
			continue
		}
		if err := s.store.UpsertTranslation(ctx, store.Translation{
			ChapterID:      chapterID,
			Language:       assignment.Language,
			Status:         "APPROVED",
			CurrentVersion: latest.Version,
			TranslatedBy:   assignment.TranslatorName,
		}); err != nil {
			return err
		}
		if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
			BookID:    assignment.BookID,
			ChapterID: chapterID,
			Language:  assignment.Language,
			Action:    "TRANSLATION_APPROVED",
			ToVersion: latest.Version,
			Actor:     actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RejectAssignment sends a submitted translation back with a reviewer note.
func (s *Service) RejectAssignment(ctx context.Context, session Session, assignmentID, note string) (map[string]any, error) {
	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireBookAction(ctx, session, assignment.BookID, rbac.ActionApprove); err != nil {
		return nil, err
	}
	if assignment.Status != "SUBMITTED" {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only submitted assignments can be rejected", map[string]any{"status": assignment.Status})
	}
	if err := s.store.UpdateAssignmentStatus(ctx, assignmentID, "REJECTED", strings.TrimSpace(note), session.UserID); err != nil {
		return nil, err
	}
	updated, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return assignmentPayload(updated), nil
}

// ---- changelog ----

func (s *Service) BookChangeLog(ctx context.Context, session Session, bookID string, filter store.ChangeLogFilter) ([]map[string]any, error) {
	if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.ListChangeLog(ctx, bookID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":          entry.ID,
			"bookId":      entry.BookID,
			"chapterId":   entry.ChapterID,
			"language":    entry.Language,
			"action":      entry.Action,
			"fromVersion": entry.FromVersion,
			"toVersion":   entry.ToVersion,
			"diff":        entry.Diff,
			"added":       entry.Added,
			"removed":     entry.Removed,
			"actor":       entry.Actor,
			"createdAt":   entry.CreatedAt,
		})
	}
	return items, nil
}

// ---- export ----

func (s *Service) ExportBook(ctx context.Context, session Session, bookID, language, format string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	language = normalizeLanguage(language)
	if language == "" {
		language = book.OriginalLanguage
	}
	exportFormat := export.Format(strings.ToLower(strings.TrimSpace(format)))
	if exportFormat != export.FormatPDF && exportFormat != export.FormatDOCX {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
	}
	return s.export.Export(ctx, export.Request{
		BookID:   bookID,
		Language: language,
		Format:   exportFormat,
	})
}

// ---- llm administration ----

func (s *Service) requireAdmin(session Session) error {
	if session.PlatformRole != "admin" {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) ListLLMProviders(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	providers, err := s.store.ListLLMProviders(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(providers))
	for _, p := range providers {
		items = append(items, map[string]any{
			"id":      p.ID,
			"name":    p.Name,
			"kind":    p.Kind,
			"model":   p.Model,
			"baseUrl": p.BaseURL,
			"rateQps": p.RateQPS,
			"enabled": p.Enabled,
		})
	}
	return items, nil
}

type ProviderInput struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Model   string `json:"model"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	RateQPS int    `json:"rateQps"`
	Enabled bool   `json:"enabled"`
}

func (s *Service) SaveLLMProvider(ctx context.Context, session Session, input ProviderInput) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	kind := strings.TrimSpace(input.Kind)
	if kind != llm.ProviderAnthropic && kind != llm.ProviderOpenAI && kind != llm.ProviderCompatible {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be anthropic, openai, or compatible", nil)
	}
	provider := store.LLMProvider{
		ID:      util.NewID("llm"),
		Name:    strings.TrimSpace(input.Name),
		Kind:    kind,
		Model:   strings.TrimSpace(input.Model),
		BaseURL: strings.TrimSpace(input.BaseURL),
		APIKey:  input.APIKey,
		RateQPS: input.RateQPS,
		Enabled: input.Enabled,
	}
	if provider.Name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.store.UpsertLLMProvider(ctx, provider); err != nil {
		return nil, err
	}
	return map[string]any{"id": provider.ID, "name": provider.Name}, nil
}

func (s *Service) ListLLMCalls(ctx context.Context, session Session, chapterID string, limit int) ([]map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	calls, err := s.store.ListLLMServiceCalls(ctx, chapterID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		items = append(items, map[string]any{
			"id":              call.ID,
			"provider":        call.ProviderName,
			"operation":       call.Operation,
			"bookId":          call.BookID,
			"chapterId":       call.ChapterID,
			"language":        call.Language,
			"promptChars":     call.PromptChars,
			"completionChars": call.CompletionChars,
			"durationMs":      call.DurationMS,
			"status":          call.Status,
			"error":           call.Error,
			"createdAt":       call.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) TestLLMConnection(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	if s.llm == nil {
		return nil, domainError(http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "No translation provider configured", nil)
	}
	reply, err := s.llm.TestConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider test: %w", err)
	}
	return map[string]any{
		"provider": s.llm.ProviderName(),
		"reply":    reply,
	}, nil
}

// ---- payload helpers ----

func assignmentPayload(a store.TranslationAssignment) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"bookId":          a.BookID,
		"chapterId":       a.ChapterID,
		"language":        a.Language,
		"translatorId":    a.TranslatorID,
		"translatorName":  a.TranslatorName,
		"translatorEmail": a.TranslatorEmail,
		"status":          a.Status,
		"note":            a.Note,
		"reviewedBy":      a.ReviewedBy,
		"reviewedAt":      timeOrNil(a.ReviewedAt),
		"createdAt":       a.CreatedAt,
		"updatedAt":       a.UpdatedAt,
	}
}

func mediaPayload(item store.MediaItem) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"chapterId": item.ChapterID,
		"kind":      item.Kind,
		"objectKey": item.ObjectKey,
		"caption":   item.Caption,
		"position":  item.Position,
		"createdAt": item.CreatedAt,
	}
}

func versionLabel(language string, version int) string {
	return fmt.Sprintf("%s/v%d", language, version)
}

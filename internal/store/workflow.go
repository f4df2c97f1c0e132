package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ---- chapter versions ----

// NextChapterVersion returns the next monotonic version number for a
// chapter/language pair. Callers serialize writers per chapter; the primary
// key on (chapter_id, language, version) catches anything that slips through.
func (s *PostgresStore) NextChapterVersion(ctx context.Context, chapterID, language string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM chapter_versions WHERE chapter_id=$1 AND language=$2
	`, chapterID, language).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next chapter version: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertChapterVersion(ctx context.Context, v ChapterVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapter_versions (chapter_id, language, version, content_key, raw_key, word_count, note, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ChapterID, v.Language, v.Version, v.ContentKey, v.RawKey, v.WordCount, v.Note, v.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert chapter version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChapterVersion(ctx context.Context, chapterID, language string, version int) (ChapterVersion, error) {
	var v ChapterVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT chapter_id, language, version, content_key, raw_key, word_count, note, created_by_name, created_at
		FROM chapter_versions WHERE chapter_id=$1 AND language=$2 AND version=$3
	`, chapterID, language, version).Scan(
		&v.ChapterID, &v.Language, &v.Version, &v.ContentKey, &v.RawKey,
		&v.WordCount, &v.Note, &v.CreatedBy, &v.CreatedAt,
	)
	if err != nil {
		return ChapterVersion{}, err
	}
	return v, nil
}

// LatestChapterVersion returns the newest version row, or nil when the
// chapter has no content yet in that language.
func (s *PostgresStore) LatestChapterVersion(ctx context.Context, chapterID, language string) (*ChapterVersion, error) {
	var v ChapterVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT chapter_id, language, version, content_key, raw_key, word_count, note, created_by_name, created_at
		FROM chapter_versions WHERE chapter_id=$1 AND language=$2
		ORDER BY version DESC LIMIT 1
	`, chapterID, language).Scan(
		&v.ChapterID, &v.Language, &v.Version, &v.ContentKey, &v.RawKey,
		&v.WordCount, &v.Note, &v.CreatedBy, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest chapter version: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) ListChapterVersions(ctx context.Context, chapterID, language string) ([]ChapterVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter_id, language, version, content_key, raw_key, word_count, note, created_by_name, created_at
		FROM chapter_versions WHERE chapter_id=$1 AND ($2 = '' OR language=$2)
		ORDER BY language ASC, version DESC
	`, chapterID, language)
	if err != nil {
		return nil, fmt.Errorf("list chapter versions: %w", err)
	}
	defer rows.Close()

	items := make([]ChapterVersion, 0)
	for rows.Next() {
		var v ChapterVersion
		if err := rows.Scan(
			&v.ChapterID, &v.Language, &v.Version, &v.ContentKey, &v.RawKey,
			&v.WordCount, &v.Note, &v.CreatedBy, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chapter version: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter versions: %w", err)
	}
	return items, nil
}

// ListChapterLanguages returns the languages a chapter has content in.
func (s *PostgresStore) ListChapterLanguages(ctx context.Context, chapterID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT language FROM chapter_versions WHERE chapter_id=$1 ORDER BY language ASC
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chapter languages: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("scan chapter language: %w", err)
		}
		items = append(items, lang)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter languages: %w", err)
	}
	return items, nil
}

// ---- media items ----

func (s *PostgresStore) InsertMediaItem(ctx context.Context, item MediaItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items (id, chapter_id, kind, object_key, caption, position)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ChapterID, defaultIfEmpty(item.Kind, "image"), item.ObjectKey, item.Caption, item.Position)
	if err != nil {
		return fmt.Errorf("insert media item: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMediaItem(ctx context.Context, mediaID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM media_items WHERE id=$1`, mediaID)
	if err != nil {
		return false, fmt.Errorf("delete media item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete media item rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListMediaItems(ctx context.Context, chapterID string) ([]MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, kind, object_key, caption, position, created_at
		FROM media_items WHERE chapter_id=$1 ORDER BY position ASC, created_at ASC
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list media items: %w", err)
	}
	defer rows.Close()

	items := make([]MediaItem, 0)
	for rows.Next() {
		var item MediaItem
		if err := rows.Scan(&item.ID, &item.ChapterID, &item.Kind, &item.ObjectKey, &item.Caption, &item.Position, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media items: %w", err)
	}
	return items, nil
}

// ---- translations ----

func (s *PostgresStore) UpsertTranslation(ctx context.Context, t Translation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (chapter_id, language, status, current_version, translated_by_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (chapter_id, language) DO UPDATE
		SET status=EXCLUDED.status, current_version=EXCLUDED.current_version,
			translated_by_name=EXCLUDED.translated_by_name, updated_at=NOW()
	`, t.ChapterID, t.Language, defaultIfEmpty(t.Status, "PENDING"), t.CurrentVersion, t.TranslatedBy)
	if err != nil {
		return fmt.Errorf("upsert translation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTranslation(ctx context.Context, chapterID, language string) (Translation, error) {
	var t Translation
	err := s.db.QueryRowContext(ctx, `
		SELECT chapter_id, language, status, current_version, translated_by_name, updated_at
		FROM translations WHERE chapter_id=$1 AND language=$2
	`, chapterID, language).Scan(&t.ChapterID, &t.Language, &t.Status, &t.CurrentVersion, &t.TranslatedBy, &t.UpdatedAt)
	if err != nil {
		return Translation{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTranslations(ctx context.Context, chapterID string) ([]Translation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter_id, language, status, current_version, translated_by_name, updated_at
		FROM translations WHERE chapter_id=$1 ORDER BY language ASC
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list translations: %w", err)
	}
	defer rows.Close()

	items := make([]Translation, 0)
	for rows.Next() {
		var t Translation
		if err := rows.Scan(&t.ChapterID, &t.Language, &t.Status, &t.CurrentVersion, &t.TranslatedBy, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate translations: %w", err)
	}
	return items, nil
}

// ---- collaborators ----

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, c BookCollaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO book_collaborators (book_id, user_id, role, granted_by_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (book_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_by_name=EXCLUDED.granted_by_name, granted_at=NOW()
	`, c.BookID, c.UserID, defaultIfEmpty(c.Role, "reader"), c.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, bookID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM book_collaborators WHERE book_id=$1 AND user_id=$2`, bookID, userID)
	if err != nil {
		return false, fmt.Errorf("remove collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, bookID string) ([]BookCollaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bc.book_id, bc.user_id, bc.role, bc.granted_by_name, bc.granted_at, u.email, u.display_name
		FROM book_collaborators bc
		JOIN users u ON u.id = bc.user_id
		WHERE bc.book_id=$1
		ORDER BY bc.granted_at ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]BookCollaborator, 0)
	for rows.Next() {
		var c BookCollaborator
		if err := rows.Scan(&c.BookID, &c.UserID, &c.Role, &c.GrantedBy, &c.GrantedAt, &c.UserEmail, &c.UserName); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

// GetCollaboratorRole returns the user's role on a book, owner included.
// Returns "" when the user has no grant.
func (s *PostgresStore) GetCollaboratorRole(ctx context.Context, bookID, userID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM books WHERE id=$1`, bookID).Scan(&ownerID)
	if err != nil {
		return "", err
	}
	if ownerID == userID {
		return "owner", nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM book_collaborators WHERE book_id=$1 AND user_id=$2
	`, bookID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read collaborator role: %w", err)
	}
	return role, nil
}

// ---- translation assignments ----

func (s *PostgresStore) InsertAssignment(ctx context.Context, a TranslationAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_assignments (id, book_id, chapter_id, language, translator_id, status, note)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, a.ID, a.BookID, a.ChapterID, a.Language, a.TranslatorID, defaultIfEmpty(a.Status, "PENDING"), a.Note)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (TranslationAssignment, error) {
	var a TranslationAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT ta.id, ta.book_id, COALESCE(ta.chapter_id, ''), ta.language, ta.translator_id, ta.status,
			ta.note, ta.reviewed_by_name, ta.reviewed_at, ta.created_at, ta.updated_at, u.display_name, u.email
		FROM translation_assignments ta
		JOIN users u ON u.id = ta.translator_id
		WHERE ta.id=$1
	`, assignmentID).Scan(
		&a.ID, &a.BookID, &a.ChapterID, &a.Language, &a.TranslatorID, &a.Status,
		&a.Note, &a.ReviewedBy, &a.ReviewedAt, &a.CreatedAt, &a.UpdatedAt, &a.TranslatorName, &a.TranslatorEmail,
	)
	if err != nil {
		return TranslationAssignment{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, bookID string) ([]TranslationAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ta.id, ta.book_id, COALESCE(ta.chapter_id, ''), ta.language, ta.translator_id, ta.status,
			ta.note, ta.reviewed_by_name, ta.reviewed_at, ta.created_at, ta.updated_at, u.display_name, u.email
		FROM translation_assignments ta
		JOIN users u ON u.id = ta.translator_id
		WHERE ta.book_id=$1
		ORDER BY ta.created_at DESC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]TranslationAssignment, 0)
	for rows.Next() {
		var a TranslationAssignment
		if err := rows.Scan(
			&a.ID, &a.BookID, &a.ChapterID, &a.Language, &a.TranslatorID, &a.Status,
			&a.Note, &a.ReviewedBy, &a.ReviewedAt, &a.CreatedAt, &a.UpdatedAt, &a.TranslatorName, &a.TranslatorEmail,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateAssignmentStatus(ctx context.Context, assignmentID, status, note, reviewedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE translation_assignments
		SET status=$2,
			note=CASE WHEN $3 <> '' THEN $3 ELSE note END,
			reviewed_by_name=CASE WHEN $4 <> '' THEN $4 ELSE reviewed_by_name END,
			reviewed_at=CASE WHEN $4 <> '' THEN NOW() ELSE reviewed_at END,
			updated_at=NOW()
		WHERE id=$1
	`, assignmentID, status, note, reviewedBy)
	if err != nil {
		return fmt.Errorf("update assignment status: %w", err)
	}
	return nil
}

// ---- change log ----

// InsertChangeLog appends a changelog row. There is deliberately no update
// or delete counterpart; the table enforces immutability with a trigger.
func (s *PostgresStore) InsertChangeLog(ctx context.Context, entry ChangeLogEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO change_logs (book_id, chapter_id, language, action, from_version, to_version, diff, added, removed, actor_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, entry.BookID, entry.ChapterID, entry.Language, entry.Action, entry.FromVersion, entry.ToVersion,
		entry.Diff, entry.Added, entry.Removed, entry.Actor).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert change log: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListChangeLog(ctx context.Context, bookID string, filter ChangeLogFilter) ([]ChangeLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, chapter_id, language, action, from_version, to_version, diff, added, removed, actor_name, created_at
		FROM change_logs
		WHERE book_id=$1
			AND ($2 = '' OR chapter_id=$2)
			AND ($3 = '' OR language=$3)
			AND ($4 = '' OR action=$4)
			AND ($5 = '' OR actor_name=$5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6
	`, bookID, filter.ChapterID, filter.Language, filter.Action, filter.Actor, limit)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeLogEntry, 0)
	for rows.Next() {
		var entry ChangeLogEntry
		if err := rows.Scan(
			&entry.ID, &entry.BookID, &entry.ChapterID, &entry.Language, &entry.Action,
			&entry.FromVersion, &entry.ToVersion, &entry.Diff, &entry.Added, &entry.Removed,
			&entry.Actor, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return items, nil
}

// ---- llm providers / audit ----

func (s *PostgresStore) UpsertLLMProvider(ctx context.Context, p LLMProvider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_providers (id, name, kind, model, base_url, api_key, rate_qps, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE
		SET kind=EXCLUDED.kind, model=EXCLUDED.model, base_url=EXCLUDED.base_url,
			api_key=EXCLUDED.api_key, rate_qps=EXCLUDED.rate_qps, enabled=EXCLUDED.enabled
	`, p.ID, p.Name, p.Kind, p.Model, p.BaseURL, p.APIKey, p.RateQPS, p.Enabled)
	if err != nil {
		return fmt.Errorf("upsert llm provider: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLLMProviders(ctx context.Context) ([]LLMProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, model, base_url, api_key, rate_qps, enabled, created_at
		FROM llm_providers ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list llm providers: %w", err)
	}
	defer rows.Close()

	items := make([]LLMProvider, 0)
	for rows.Next() {
		var p LLMProvider
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Model, &p.BaseURL, &p.APIKey, &p.RateQPS, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan llm provider: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate llm providers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetEnabledLLMProvider(ctx context.Context) (*LLMProvider, error) {
	var p LLMProvider
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, model, base_url, api_key, rate_qps, enabled, created_at
		FROM llm_providers WHERE enabled=TRUE ORDER BY created_at ASC LIMIT 1
	`).Scan(&p.ID, &p.Name, &p.Kind, &p.Model, &p.BaseURL, &p.APIKey, &p.RateQPS, &p.Enabled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get enabled llm provider: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) InsertLLMServiceCall(ctx context.Context, call LLMServiceCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_service_calls (provider_name, operation, book_id, chapter_id, language, prompt_chars, completion_chars, duration_ms, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, call.ProviderName, call.Operation, call.BookID, call.ChapterID, call.Language,
		call.PromptChars, call.CompletionChars, call.DurationMS, defaultIfEmpty(call.Status, "ok"), call.Error)
	if err != nil {
		return fmt.Errorf("insert llm service call: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLLMServiceCalls(ctx context.Context, chapterID string, limit int) ([]LLMServiceCall, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_name, operation, book_id, chapter_id, language, prompt_chars, completion_chars, duration_ms, status, error, created_at
		FROM llm_service_calls
		WHERE ($1 = '' OR chapter_id=$1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, chapterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list llm service calls: %w", err)
	}
	defer rows.Close()

	items := make([]LLMServiceCall, 0)
	for rows.Next() {
		var call LLMServiceCall
		if err := rows.Scan(
			&call.ID, &call.ProviderName, &call.Operation, &call.BookID, &call.ChapterID, &call.Language,
			&call.PromptChars, &call.CompletionChars, &call.DurationMS, &call.Status, &call.Error, &call.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan llm service call: %w", err)
		}
		items = append(items, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate llm service calls: %w", err)
	}
	return items, nil
}

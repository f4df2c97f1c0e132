package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, platform_role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, defaultIfEmpty(user.PlatformRole, "member"), user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, platform_role, is_email_verified
		FROM users WHERE email = LOWER($1) AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.PlatformRole, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, platform_role, is_email_verified
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.PlatformRole, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- refresh sessions / token revocation ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.platform_role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PlatformRole)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- books ----

func (s *PostgresStore) InsertBook(ctx context.Context, book Book) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author_name, description, original_language, status, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, book.ID, book.Title, book.AuthorName, book.Description, defaultIfEmpty(book.OriginalLanguage, "en"), defaultIfEmpty(book.Status, "DRAFT"), book.OwnerID)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	var book Book
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author_name, description, original_language, status, owner_id, publish_at, published_at, created_at, updated_at
		FROM books WHERE id=$1
	`, bookID).Scan(
		&book.ID, &book.Title, &book.AuthorName, &book.Description, &book.OriginalLanguage,
		&book.Status, &book.OwnerID, &book.PublishAt, &book.PublishedAt, &book.CreatedAt, &book.UpdatedAt,
	)
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

func (s *PostgresStore) ListBooksForUser(ctx context.Context, userID string) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT b.id, b.title, b.author_name, b.description, b.original_language, b.status, b.owner_id,
			b.publish_at, b.published_at, b.created_at, b.updated_at
		FROM books b
		LEFT JOIN book_collaborators bc ON bc.book_id = b.id
		WHERE b.owner_id = $1 OR bc.user_id = $1 OR b.status = 'PUBLISHED'
		ORDER BY b.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var book Book
		if err := rows.Scan(
			&book.ID, &book.Title, &book.AuthorName, &book.Description, &book.OriginalLanguage,
			&book.Status, &book.OwnerID, &book.PublishAt, &book.PublishedAt, &book.CreatedAt, &book.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

// ListAllBooks returns every book regardless of viewer. Used by folioctl.
func (s *PostgresStore) ListAllBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author_name, description, original_language, status, owner_id,
			publish_at, published_at, created_at, updated_at
		FROM books ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var book Book
		if err := rows.Scan(
			&book.ID, &book.Title, &book.AuthorName, &book.Description, &book.OriginalLanguage,
			&book.Status, &book.OwnerID, &book.PublishAt, &book.PublishedAt, &book.CreatedAt, &book.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBook(ctx context.Context, bookID, title, authorName, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books SET title=$2, author_name=$3, description=$4, updated_at=NOW() WHERE id=$1
	`, bookID, title, authorName, description)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBookStatus(ctx context.Context, bookID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE books SET status=$2, updated_at=NOW() WHERE id=$1`, bookID, status)
	if err != nil {
		return fmt.Errorf("update book status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScheduleBook(ctx context.Context, bookID string, publishAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books SET status='SCHEDULED', publish_at=$2, updated_at=NOW() WHERE id=$1
	`, bookID, publishAt)
	if err != nil {
		return fmt.Errorf("schedule book: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkBookPublished(ctx context.Context, bookID string, publishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books SET status='PUBLISHED', published_at=$2, publish_at=NULL, updated_at=NOW() WHERE id=$1
	`, bookID, publishedAt)
	if err != nil {
		return fmt.Errorf("mark book published: %w", err)
	}
	return nil
}

// ListDuePublishes returns SCHEDULED books whose publish time has passed.
func (s *PostgresStore) ListDuePublishes(ctx context.Context, now time.Time) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author_name, description, original_language, status, owner_id, publish_at, published_at, created_at, updated_at
		FROM books
		WHERE status='SCHEDULED' AND publish_at IS NOT NULL AND publish_at <= $1
		ORDER BY publish_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due publishes: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var book Book
		if err := rows.Scan(
			&book.ID, &book.Title, &book.AuthorName, &book.Description, &book.OriginalLanguage,
			&book.Status, &book.OwnerID, &book.PublishAt, &book.PublishedAt, &book.CreatedAt, &book.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan due publish: %w", err)
		}
		items = append(items, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due publishes: %w", err)
	}
	return items, nil
}

// ---- chapters ----

func (s *PostgresStore) InsertChapter(ctx context.Context, chapter Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, book_id, number, title, status, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, chapter.ID, chapter.BookID, chapter.Number, chapter.Title, defaultIfEmpty(chapter.Status, "DRAFT"), chapter.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, chapterID string) (Chapter, error) {
	var chapter Chapter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, number, title, status, updated_by_name, created_at, updated_at
		FROM chapters WHERE id=$1
	`, chapterID).Scan(
		&chapter.ID, &chapter.BookID, &chapter.Number, &chapter.Title,
		&chapter.Status, &chapter.UpdatedBy, &chapter.CreatedAt, &chapter.UpdatedAt,
	)
	if err != nil {
		return Chapter{}, err
	}
	return chapter, nil
}

func (s *PostgresStore) ListChapters(ctx context.Context, bookID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, number, title, status, updated_by_name, created_at, updated_at
		FROM chapters WHERE book_id=$1 ORDER BY number ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		var chapter Chapter
		if err := rows.Scan(
			&chapter.ID, &chapter.BookID, &chapter.Number, &chapter.Title,
			&chapter.Status, &chapter.UpdatedBy, &chapter.CreatedAt, &chapter.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		items = append(items, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) NextChapterNumber(ctx context.Context, bookID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number), 0) + 1 FROM chapters WHERE book_id=$1
	`, bookID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next chapter number: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) TouchChapter(ctx context.Context, chapterID, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chapters SET updated_by_name=$2, updated_at=NOW() WHERE id=$1
	`, chapterID, updatedBy)
	if err != nil {
		return fmt.Errorf("touch chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChapterStatus(ctx context.Context, chapterID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chapters SET status=$2, updated_at=NOW() WHERE id=$1`, chapterID, status)
	if err != nil {
		return fmt.Errorf("update chapter status: %w", err)
	}
	return nil
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

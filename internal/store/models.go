package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	PlatformRole          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Book struct {
	ID               string
	Title            string
	AuthorName       string
	Description      string
	OriginalLanguage string
	Status           string
	OwnerID          string
	PublishAt        *time.Time
	PublishedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Chapter struct {
	ID        string
	BookID    string
	Number    int
	Title     string
	Status    string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChapterVersion is one immutable content revision of a chapter in one
// language. The objects live in the content store; this row records where.
type ChapterVersion struct {
	ChapterID  string
	Language   string
	Version    int
	ContentKey string
	RawKey     string
	WordCount  int
	Note       string
	CreatedBy  string
	CreatedAt  time.Time
}

// MediaItem rows are the database of record for chapter media. The derived
// media list inside the content document is reconciled against these.
type MediaItem struct {
	ID        string
	ChapterID string
	Kind      string
	ObjectKey string
	Caption   string
	Position  int
	CreatedAt time.Time
}

type Translation struct {
	ChapterID      string
	Language       string
	Status         string
	CurrentVersion int
	TranslatedBy   string
	UpdatedAt      time.Time
}

type BookCollaborator struct {
	BookID    string
	UserID    string
	Role      string
	GrantedBy string
	GrantedAt time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type TranslationAssignment struct {
	ID           string
	BookID       string
	ChapterID    string
	Language     string
	TranslatorID string
	Status       string
	Note         string
	ReviewedBy   string
	ReviewedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Joined fields for API responses
	TranslatorName  string
	TranslatorEmail string
}

type ChangeLogEntry struct {
	ID          int64
	BookID      string
	ChapterID   string
	Language    string
	Action      string
	FromVersion int
	ToVersion   int
	Diff        string
	Added       int
	Removed     int
	Actor       string
	CreatedAt   time.Time
}

type ChangeLogFilter struct {
	ChapterID string
	Language  string
	Action    string
	Actor     string
	Limit     int
}

type LLMProvider struct {
	ID        string
	Name      string
	Kind      string
	Model     string
	BaseURL   string
	APIKey    string
	RateQPS   int
	Enabled   bool
	CreatedAt time.Time
}

type LLMServiceCall struct {
	ID              int64
	ProviderName    string
	Operation       string
	BookID          string
	ChapterID       string
	Language        string
	PromptChars     int
	CompletionChars int
	DurationMS      int64
	Status          string
	Error           string
	CreatedAt       time.Time
}

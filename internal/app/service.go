package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/content"
	"folio/api/internal/email"
	"folio/api/internal/export"
	"folio/api/internal/llm"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	PlatformRole string
	JTI          string
	ExpiresAt    time.Time
}

var allowedCollaboratorRoles = map[string]struct{}{
	"reader":     {},
	"translator": {},
	"editor":     {},
}

var allowedMediaKinds = map[string]struct{}{
	"image": {},
	"audio": {},
}

// dataStore is the subset of store.PostgresStore the service uses.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertBook(context.Context, store.Book) error
	GetBook(context.Context, string) (store.Book, error)
	ListBooksForUser(context.Context, string) ([]store.Book, error)
	UpdateBook(ctx context.Context, bookID, title, authorName, description string) error
	UpdateBookStatus(ctx context.Context, bookID, status string) error
	ScheduleBook(ctx context.Context, bookID string, publishAt time.Time) error
	MarkBookPublished(ctx context.Context, bookID string, publishedAt time.Time) error

	InsertChapter(context.Context, store.Chapter) error
	GetChapter(context.Context, string) (store.Chapter, error)
	ListChapters(context.Context, string) ([]store.Chapter, error)
	NextChapterNumber(context.Context, string) (int, error)
	TouchChapter(ctx context.Context, chapterID, updatedBy string) error
	UpdateChapterStatus(ctx context.Context, chapterID, status string) error

	ListChapterVersions(ctx context.Context, chapterID, language string) ([]store.ChapterVersion, error)
	ListChapterLanguages(ctx context.Context, chapterID string) ([]string, error)
	LatestChapterVersion(ctx context.Context, chapterID, language string) (*store.ChapterVersion, error)

	InsertMediaItem(context.Context, store.MediaItem) error
	DeleteMediaItem(context.Context, string) (bool, error)
	ListMediaItems(context.Context, string) ([]store.MediaItem, error)

	UpsertTranslation(context.Context, store.Translation) error
	ListTranslations(context.Context, string) ([]store.Translation, error)

	UpsertCollaborator(context.Context, store.BookCollaborator) error
	RemoveCollaborator(ctx context.Context, bookID, userID string) (bool, error)
	ListCollaborators(context.Context, string) ([]store.BookCollaborator, error)
	GetCollaboratorRole(ctx context.Context, bookID, userID string) (string, error)

	InsertAssignment(context.Context, store.TranslationAssignment) error
	GetAssignment(context.Context, string) (store.TranslationAssignment, error)
	ListAssignments(context.Context, string) ([]store.TranslationAssignment, error)
	UpdateAssignmentStatus(ctx context.Context, assignmentID, status, note, reviewedBy string) error

	InsertChangeLog(context.Context, store.ChangeLogEntry) (int64, error)
	ListChangeLog(ctx context.Context, bookID string, filter store.ChangeLogFilter) ([]store.ChangeLogEntry, error)

	UpsertLLMProvider(context.Context, store.LLMProvider) error
	ListLLMProviders(context.Context) ([]store.LLMProvider, error)
	ListLLMServiceCalls(ctx context.Context, chapterID string, limit int) ([]store.LLMServiceCall, error)
}

// refreshSessions is satisfied by both the Postgres store and the Redis
// store, whichever is configured.
type refreshSessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// contentService is the chapter content backend (object storage + versions).
type contentService interface {
	PutVersion(ctx context.Context, doc content.Document, author, note string) (store.ChapterVersion, error)
	GetVersion(ctx context.Context, chapterID, language string, version int) (content.Document, error)
	GetLatest(ctx context.Context, chapterID, language string) (content.Document, bool, error)
	GetRaw(ctx context.Context, chapterID, language string, version int) (string, error)
	Reconcile(ctx context.Context, chapterID, language, actor string) (content.ReconcileReport, error)
}

type llmService interface {
	TranslateBlocks(ctx context.Context, meta llm.CallMeta, texts []string) ([]string, error)
	Summarize(ctx context.Context, meta llm.CallMeta, text string) (string, error)
	TestConnection(ctx context.Context) (string, error)
	ProviderName() string
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexBook(b search.BookRecord)
	IndexChapter(c search.ChapterRecord)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessions
	content  contentService
	search   searchIndex
	llm      llmService
	export   exporter
	email    *email.Service
	authpw   *authpw.Service
}

// New wires the service. sessions falls back to the database store when nil.
// search, llm, export, email and authSvc may be nil when unconfigured.
func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	sessions refreshSessions,
	contentSvc *content.Service,
	searchSvc *search.Service,
	llmSvc *llm.Service,
	exportSvc *export.Service,
	emailSvc *email.Service,
	authSvc *authpw.Service,
) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		content: contentSvc,
		email:   emailSvc,
		authpw:  authSvc,
	}
	if sessions != nil {
		s.sessions = sessions
	} else {
		s.sessions = dataStore
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if llmSvc != nil {
		s.llm = llmSvc
	}
	if exportSvc != nil {
		s.export = exportSvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.PlatformRole,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		PlatformRole: user.PlatformRole,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		PlatformRole: user.PlatformRole,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The cached session row may carry a stale role; re-read the user.
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- book access ----

// roleForBook resolves the viewer's effective role on a book. Platform admins
// and book owners act as owner; published books are readable by anyone.
func (s *Service) roleForBook(ctx context.Context, session Session, book store.Book) (rbac.Role, error) {
	if session.PlatformRole == "admin" || book.OwnerID == session.UserID {
		return rbac.RoleOwner, nil
	}
	granted, err := s.store.GetCollaboratorRole(ctx, book.ID, session.UserID)
	if err != nil {
		return "", err
	}
	if granted != "" {
		return rbac.Normalize(granted), nil
	}
	if book.Status == "PUBLISHED" {
		return rbac.RoleReader, nil
	}
	return "", nil
}

// requireBookAction loads the book and checks the session can perform the
// action on it.
func (s *Service) requireBookAction(ctx context.Context, session Session, bookID string, action rbac.Action) (store.Book, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return store.Book{}, err
	}
	role, err := s.roleForBook(ctx, session, book)
	if err != nil {
		return store.Book{}, err
	}
	if role == "" || !rbac.Can(role, action) {
		return store.Book{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return book, nil
}

func (s *Service) requireChapterAction(ctx context.Context, session Session, chapterID string, action rbac.Action) (store.Chapter, store.Book, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return store.Chapter{}, store.Book{}, err
	}
	book, err := s.requireBookAction(ctx, session, chapter.BookID, action)
	if err != nil {
		return store.Chapter{}, store.Book{}, err
	}
	return chapter, book, nil
}

// ---- books ----

type BookInput struct {
	Title            string `json:"title"`
	AuthorName       string `json:"authorName"`
	Description      string `json:"description"`
	OriginalLanguage string `json:"originalLanguage"`
}

func (s *Service) CreateBook(ctx context.Context, session Session, input BookInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	language := normalizeLanguage(input.OriginalLanguage)
	if language == "" {
		language = "en"
	}

	book := store.Book{
		ID:               util.NewID("bok"),
		Title:            title,
		AuthorName:       strings.TrimSpace(input.AuthorName),
		Description:      strings.TrimSpace(input.Description),
		OriginalLanguage: language,
		Status:           "DRAFT",
		OwnerID:          session.UserID,
	}
	if err := s.store.InsertBook(ctx, book); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID: book.ID,
		Action: "BOOK_CREATED",
		Actor:  session.UserName,
	}); err != nil {
		return nil, err
	}
	s.indexBook(book)
	return bookPayload(book, "owner"), nil
}

func (s *Service) ListBooks(ctx context.Context, session Session) ([]map[string]any, error) {
	books, err := s.store.ListBooksForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(books))
	for _, book := range books {
		role, err := s.roleForBook(ctx, session, book)
		if err != nil {
			return nil, err
		}
		items = append(items, bookPayload(book, string(role)))
	}
	return items, nil
}

func (s *Service) GetBookDetail(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	role, err := s.roleForBook(ctx, session, book)
	if err != nil {
		return nil, err
	}

	chapters, err := s.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	chapterItems := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		translations, err := s.store.ListTranslations(ctx, chapter.ID)
		if err != nil {
			return nil, err
		}
		chapterItems = append(chapterItems, chapterPayload(chapter, translations))
	}

	payload := bookPayload(book, string(role))
	payload["chapters"] = chapterItems
	return payload, nil
}

func (s *Service) UpdateBook(ctx context.Context, session Session, bookID string, input BookInput) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = book.Title
	}
	if err := s.store.UpdateBook(ctx, bookID, title, strings.TrimSpace(input.AuthorName), strings.TrimSpace(input.Description)); err != nil {
		return nil, err
	}
	updated, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	s.indexBook(updated)
	role, err := s.roleForBook(ctx, session, updated)
	if err != nil {
		return nil, err
	}
	return bookPayload(updated, string(role)), nil
}

func (s *Service) PublishBook(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionApprove)
	if err != nil {
		return nil, err
	}
	if book.Status == "PUBLISHED" {
		return nil, domainError(http.StatusConflict, "ALREADY_PUBLISHED", "Book is already published", nil)
	}
	if err := s.store.MarkBookPublished(ctx, bookID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID: bookID,
		Action: "BOOK_PUBLISHED",
		Actor:  session.UserName,
	}); err != nil {
		return nil, err
	}
	published, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	s.indexBook(published)
	return bookPayload(published, "owner"), nil
}

func (s *Service) ScheduleBook(ctx context.Context, session Session, bookID string, publishAt time.Time) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionApprove)
	if err != nil {
		return nil, err
	}
	if book.Status == "PUBLISHED" {
		return nil, domainError(http.StatusConflict, "ALREADY_PUBLISHED", "Book is already published", nil)
	}
	if !publishAt.After(time.Now()) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "publishAt must be in the future", nil)
	}
	if err := s.store.ScheduleBook(ctx, bookID, publishAt.UTC()); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID: bookID,
		Action: "BOOK_SCHEDULED",
		Actor:  session.UserName,
	}); err != nil {
		return nil, err
	}
	scheduled, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return bookPayload(scheduled, "owner"), nil
}

// ArchiveBook retires a book. Published books are archived rather than
// deleted; there is no delete path.
func (s *Service) ArchiveBook(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	if err := s.store.UpdateBookStatus(ctx, bookID, "ARCHIVED"); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID: bookID,
		Action: "BOOK_ARCHIVED",
		Actor:  session.UserName,
	}); err != nil {
		return nil, err
	}
	archived, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	s.indexBook(archived)
	return bookPayload(archived, "owner"), nil
}

// ---- chapters ----

func (s *Service) CreateChapter(ctx context.Context, session Session, bookID, title string) (map[string]any, error) {
	book, err := s.requireBookAction(ctx, session, bookID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	chapterTitle := strings.TrimSpace(title)
	if chapterTitle == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	number, err := s.store.NextChapterNumber(ctx, bookID)
	if err != nil {
		return nil, err
	}
	chapter := store.Chapter{
		ID:        util.NewID("chp"),
		BookID:    bookID,
		Number:    number,
		Title:     chapterTitle,
		Status:    "DRAFT",
		UpdatedBy: session.UserName,
	}
	if err := s.store.InsertChapter(ctx, chapter); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
		BookID:    bookID,
		ChapterID: chapter.ID,
		Action:    "CHAPTER_CREATED",
		Actor:     session.UserName,
	}); err != nil {
		return nil, err
	}
	s.indexChapter(chapter, book)
	return chapterPayload(chapter, nil), nil
}

func (s *Service) ListBookChapters(ctx context.Context, session Session, bookID string) ([]map[string]any, error) {
	if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	chapters, err := s.store.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		translations, err := s.store.ListTranslations(ctx, chapter.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, chapterPayload(chapter, translations))
	}
	return items, nil
}

func (s *Service) GetChapterDetail(ctx context.Context, session Session, chapterID string) (map[string]any, error) {
	chapter, _, err := s.requireChapterAction(ctx, session, chapterID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	languages, err := s.store.ListChapterLanguages(ctx, chapter.ID)
	if err != nil {
		return nil, err
	}
	translations, err := s.store.ListTranslations(ctx, chapter.ID)
	if err != nil {
		return nil, err
	}
	payload := chapterPayload(chapter, translations)
	payload["languages"] = languages
	return payload, nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, session Session, q, filterType, bookID string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if bookID != "" {
		if _, err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
			return nil, err
		}
	}
	resp := s.search.Search(search.Query{
		Text:          q,
		FilterType:    search.ResultType(filterType),
		FilterBookID:  bookID,
		PublishedOnly: session.PlatformRole != "admin" && bookID == "",
		Limit:         limit,
		Offset:        offset,
	})
	results := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]any{
			"type":    r.Type,
			"id":      r.ID,
			"title":   r.Title,
			"snippet": r.Snippet,
			"bookId":  r.BookID,
			"status":  r.Status,
		})
	}
	return map[string]any{
		"results": results,
		"total":   resp.Total,
		"query":   resp.Query,
	}, nil
}

func (s *Service) indexBook(book store.Book) {
	if s.search == nil {
		return
	}
	s.search.IndexBook(search.BookRecord{
		ID:          book.ID,
		Title:       book.Title,
		AuthorName:  book.AuthorName,
		Description: book.Description,
		Status:      book.Status,
	})
}

func (s *Service) indexChapter(chapter store.Chapter, book store.Book) {
	if s.search == nil {
		return
	}
	s.search.IndexChapter(search.ChapterRecord{
		ID:         chapter.ID,
		Title:      chapter.Title,
		BookID:     book.ID,
		BookStatus: book.Status,
		Status:     chapter.Status,
	})
}

// ---- payloads ----

func bookPayload(book store.Book, viewerRole string) map[string]any {
	return map[string]any{
		"id":               book.ID,
		"title":            book.Title,
		"authorName":       book.AuthorName,
		"description":      book.Description,
		"originalLanguage": book.OriginalLanguage,
		"status":           book.Status,
		"ownerId":          book.OwnerID,
		"publishAt":        timeOrNil(book.PublishAt),
		"publishedAt":      timeOrNil(book.PublishedAt),
		"viewerRole":       viewerRole,
		"updatedAt":        book.UpdatedAt,
	}
}

func chapterPayload(chapter store.Chapter, translations []store.Translation) map[string]any {
	items := make([]map[string]any, 0, len(translations))
	for _, t := range translations {
		items = append(items, map[string]any{
			"language":       t.Language,
			"status":         t.Status,
			"currentVersion": t.CurrentVersion,
			"translatedBy":   t.TranslatedBy,
		})
	}
	return map[string]any{
		"id":           chapter.ID,
		"bookId":       chapter.BookID,
		"number":       chapter.Number,
		"title":        chapter.Title,
		"status":       chapter.Status,
		"updatedBy":    chapter.UpdatedBy,
		"updatedAt":    chapter.UpdatedAt,
		"translations": items,
	}
}

func versionPayload(v store.ChapterVersion) map[string]any {
	return map[string]any{
		"chapterId": v.ChapterID,
		"language":  v.Language,
		"version":   v.Version,
		"wordCount": v.WordCount,
		"note":      v.Note,
		"createdBy": v.CreatedBy,
		"createdAt": v.CreatedAt,
	}
}

func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func normalizeLanguage(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

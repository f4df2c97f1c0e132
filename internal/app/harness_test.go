package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/content"
	"folio/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store. It also backs
// the content service's version bookkeeping and the password auth service.
type fakeStore struct {
	users        map[string]store.User
	emailIndex   map[string]string
	resets       map[string]string // token -> userID
	usedResets   map[string]bool
	refresh      map[string]refreshRow
	revokedJTIs  map[string]bool
	books        map[string]store.Book
	chapters     map[string]store.Chapter
	versions     map[string][]store.ChapterVersion // chapterID/language
	media        map[string][]store.MediaItem      // chapterID
	translations map[string]store.Translation      // chapterID/language
	collabs      map[string]map[string]store.BookCollaborator
	assignments  map[string]store.TranslationAssignment
	changeLog    []store.ChangeLogEntry
	providers    map[string]store.LLMProvider
	llmCalls     []store.LLMServiceCall
}

type refreshRow struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]store.User),
		emailIndex:   make(map[string]string),
		resets:       make(map[string]string),
		usedResets:   make(map[string]bool),
		refresh:      make(map[string]refreshRow),
		revokedJTIs:  make(map[string]bool),
		books:        make(map[string]store.Book),
		chapters:     make(map[string]store.Chapter),
		versions:     make(map[string][]store.ChapterVersion),
		media:        make(map[string][]store.MediaItem),
		translations: make(map[string]store.Translation),
		collabs:      make(map[string]map[string]store.BookCollaborator),
		assignments:  make(map[string]store.TranslationAssignment),
		providers:    make(map[string]store.LLMProvider),
	}
}

func (f *fakeStore) addUser(id, name, email, platformRole string) store.User {
	user := store.User{
		ID:              id,
		DisplayName:     name,
		Email:           email,
		PlatformRole:    platformRole,
		IsEmailVerified: true,
	}
	f.users[id] = user
	f.emailIndex[strings.ToLower(email)] = id
	return user
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// ---- users / auth ----

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	id, ok := f.emailIndex[strings.ToLower(email)]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[id], nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.ID] = user
	f.emailIndex[strings.ToLower(user.Email)] = user.ID
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	if f.usedResets[token] {
		return "", sql.ErrNoRows
	}
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.usedResets[token] = true
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = refreshRow{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	row, ok := f.refresh[tokenHash]
	if !ok || row.expiresAt.Before(time.Now()) {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[row.userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

// ---- books ----

func (f *fakeStore) InsertBook(_ context.Context, book store.Book) error {
	book.UpdatedAt = time.Now()
	f.books[book.ID] = book
	return nil
}

func (f *fakeStore) GetBook(_ context.Context, bookID string) (store.Book, error) {
	book, ok := f.books[bookID]
	if !ok {
		return store.Book{}, sql.ErrNoRows
	}
	return book, nil
}

func (f *fakeStore) ListBooksForUser(_ context.Context, userID string) ([]store.Book, error) {
	var books []store.Book
	for _, book := range f.books {
		if book.OwnerID == userID {
			books = append(books, book)
			continue
		}
		if grants, ok := f.collabs[book.ID]; ok {
			if _, ok := grants[userID]; ok {
				books = append(books, book)
			}
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

func (f *fakeStore) UpdateBook(_ context.Context, bookID, title, authorName, description string) error {
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	book.Title = title
	book.AuthorName = authorName
	book.Description = description
	f.books[bookID] = book
	return nil
}

func (f *fakeStore) UpdateBookStatus(_ context.Context, bookID, status string) error {
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	book.Status = status
	f.books[bookID] = book
	return nil
}

func (f *fakeStore) ScheduleBook(_ context.Context, bookID string, publishAt time.Time) error {
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	book.Status = "SCHEDULED"
	book.PublishAt = &publishAt
	f.books[bookID] = book
	return nil
}

func (f *fakeStore) MarkBookPublished(_ context.Context, bookID string, publishedAt time.Time) error {
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	book.Status = "PUBLISHED"
	book.PublishedAt = &publishedAt
	f.books[bookID] = book
	return nil
}

// ---- chapters ----

func (f *fakeStore) InsertChapter(_ context.Context, chapter store.Chapter) error {
	chapter.UpdatedAt = time.Now()
	f.chapters[chapter.ID] = chapter
	return nil
}

func (f *fakeStore) GetChapter(_ context.Context, chapterID string) (store.Chapter, error) {
	chapter, ok := f.chapters[chapterID]
	if !ok {
		return store.Chapter{}, sql.ErrNoRows
	}
	return chapter, nil
}

func (f *fakeStore) ListChapters(_ context.Context, bookID string) ([]store.Chapter, error) {
	var chapters []store.Chapter
	for _, chapter := range f.chapters {
		if chapter.BookID == bookID {
			chapters = append(chapters, chapter)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
	return chapters, nil
}

func (f *fakeStore) NextChapterNumber(_ context.Context, bookID string) (int, error) {
	max := 0
	for _, chapter := range f.chapters {
		if chapter.BookID == bookID && chapter.Number > max {
			max = chapter.Number
		}
	}
	return max + 1, nil
}

func (f *fakeStore) TouchChapter(_ context.Context, chapterID, updatedBy string) error {
	chapter, ok := f.chapters[chapterID]
	if !ok {
		return sql.ErrNoRows
	}
	chapter.UpdatedBy = updatedBy
	chapter.UpdatedAt = time.Now()
	f.chapters[chapterID] = chapter
	return nil
}

func (f *fakeStore) UpdateChapterStatus(_ context.Context, chapterID, status string) error {
	chapter, ok := f.chapters[chapterID]
	if !ok {
		return sql.ErrNoRows
	}
	chapter.Status = status
	f.chapters[chapterID] = chapter
	return nil
}

// ---- chapter versions (also used by the content service) ----

func versionKey(chapterID, language string) string {
	return chapterID + "/" + language
}

func (f *fakeStore) NextChapterVersion(_ context.Context, chapterID, language string) (int, error) {
	return len(f.versions[versionKey(chapterID, language)]) + 1, nil
}

func (f *fakeStore) InsertChapterVersion(_ context.Context, v store.ChapterVersion) error {
	v.CreatedAt = time.Now()
	key := versionKey(v.ChapterID, v.Language)
	f.versions[key] = append(f.versions[key], v)
	return nil
}

func (f *fakeStore) GetChapterVersion(_ context.Context, chapterID, language string, version int) (store.ChapterVersion, error) {
	for _, v := range f.versions[versionKey(chapterID, language)] {
		if v.Version == version {
			return v, nil
		}
	}
	return store.ChapterVersion{}, sql.ErrNoRows
}

func (f *fakeStore) LatestChapterVersion(_ context.Context, chapterID, language string) (*store.ChapterVersion, error) {
	rows := f.versions[versionKey(chapterID, language)]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (f *fakeStore) ListChapterVersions(_ context.Context, chapterID, language string) ([]store.ChapterVersion, error) {
	rows := f.versions[versionKey(chapterID, language)]
	out := make([]store.ChapterVersion, len(rows))
	copy(out, rows)
	// newest first, matching the SQL ordering
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (f *fakeStore) ListChapterLanguages(_ context.Context, chapterID string) ([]string, error) {
	seen := make(map[string]bool)
	for key := range f.versions {
		if strings.HasPrefix(key, chapterID+"/") {
			seen[strings.TrimPrefix(key, chapterID+"/")] = true
		}
	}
	languages := make([]string, 0, len(seen))
	for language := range seen {
		languages = append(languages, language)
	}
	sort.Strings(languages)
	return languages, nil
}

// ---- media ----

func (f *fakeStore) InsertMediaItem(_ context.Context, item store.MediaItem) error {
	item.CreatedAt = time.Now()
	f.media[item.ChapterID] = append(f.media[item.ChapterID], item)
	return nil
}

func (f *fakeStore) DeleteMediaItem(_ context.Context, mediaID string) (bool, error) {
	for chapterID, items := range f.media {
		for i, item := range items {
			if item.ID == mediaID {
				f.media[chapterID] = append(items[:i], items[i+1:]...)
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStore) ListMediaItems(_ context.Context, chapterID string) ([]store.MediaItem, error) {
	items := make([]store.MediaItem, len(f.media[chapterID]))
	copy(items, f.media[chapterID])
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

// ---- translations ----

func (f *fakeStore) UpsertTranslation(_ context.Context, t store.Translation) error {
	t.UpdatedAt = time.Now()
	f.translations[versionKey(t.ChapterID, t.Language)] = t
	return nil
}

func (f *fakeStore) ListTranslations(_ context.Context, chapterID string) ([]store.Translation, error) {
	var out []store.Translation
	for _, t := range f.translations {
		if t.ChapterID == chapterID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out, nil
}

// ---- collaborators ----

func (f *fakeStore) UpsertCollaborator(_ context.Context, c store.BookCollaborator) error {
	if f.collabs[c.BookID] == nil {
		f.collabs[c.BookID] = make(map[string]store.BookCollaborator)
	}
	c.GrantedAt = time.Now()
	if user, ok := f.users[c.UserID]; ok {
		c.UserEmail = user.Email
		c.UserName = user.DisplayName
	}
	f.collabs[c.BookID][c.UserID] = c
	return nil
}

func (f *fakeStore) RemoveCollaborator(_ context.Context, bookID, userID string) (bool, error) {
	grants, ok := f.collabs[bookID]
	if !ok {
		return false, nil
	}
	if _, ok := grants[userID]; !ok {
		return false, nil
	}
	delete(grants, userID)
	return true, nil
}

func (f *fakeStore) ListCollaborators(_ context.Context, bookID string) ([]store.BookCollaborator, error) {
	var out []store.BookCollaborator
	for _, c := range f.collabs[bookID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) GetCollaboratorRole(_ context.Context, bookID, userID string) (string, error) {
	book, ok := f.books[bookID]
	if !ok {
		return "", sql.ErrNoRows
	}
	if book.OwnerID == userID {
		return "owner", nil
	}
	if grants, ok := f.collabs[bookID]; ok {
		if c, ok := grants[userID]; ok {
			return c.Role, nil
		}
	}
	return "", nil
}

// ---- assignments ----

func (f *fakeStore) InsertAssignment(_ context.Context, a store.TranslationAssignment) error {
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	if user, ok := f.users[a.TranslatorID]; ok {
		a.TranslatorName = user.DisplayName
		a.TranslatorEmail = user.Email
	}
	f.assignments[a.ID] = a
	return nil
}

func (f *fakeStore) GetAssignment(_ context.Context, assignmentID string) (store.TranslationAssignment, error) {
	a, ok := f.assignments[assignmentID]
	if !ok {
		return store.TranslationAssignment{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) ListAssignments(_ context.Context, bookID string) ([]store.TranslationAssignment, error) {
	var out []store.TranslationAssignment
	for _, a := range f.assignments {
		if a.BookID == bookID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateAssignmentStatus(_ context.Context, assignmentID, status, note, reviewedBy string) error {
	a, ok := f.assignments[assignmentID]
	if !ok {
		return sql.ErrNoRows
	}
	a.Status = status
	a.Note = note
	a.UpdatedAt = time.Now()
	if reviewedBy != "" {
		a.ReviewedBy = reviewedBy
		now := time.Now()
		a.ReviewedAt = &now
	}
	f.assignments[assignmentID] = a
	return nil
}

// ---- changelog ----

func (f *fakeStore) InsertChangeLog(_ context.Context, entry store.ChangeLogEntry) (int64, error) {
	entry.ID = int64(len(f.changeLog) + 1)
	entry.CreatedAt = time.Now()
	f.changeLog = append(f.changeLog, entry)
	return entry.ID, nil
}

func (f *fakeStore) ListChangeLog(_ context.Context, bookID string, filter store.ChangeLogFilter) ([]store.ChangeLogEntry, error) {
	var out []store.ChangeLogEntry
	for i := len(f.changeLog) - 1; i >= 0; i-- {
		entry := f.changeLog[i]
		if entry.BookID != bookID {
			continue
		}
		if filter.ChapterID != "" && entry.ChapterID != filter.ChapterID {
			continue
		}
		if filter.Language != "" && entry.Language != filter.Language {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ---- llm admin ----

func (f *fakeStore) UpsertLLMProvider(_ context.Context, p store.LLMProvider) error {
	f.providers[p.ID] = p
	return nil
}

func (f *fakeStore) ListLLMProviders(_ context.Context) ([]store.LLMProvider, error) {
	var out []store.LLMProvider
	for _, p := range f.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListLLMServiceCalls(_ context.Context, chapterID string, limit int) ([]store.LLMServiceCall, error) {
	var out []store.LLMServiceCall
	for _, call := range f.llmCalls {
		if chapterID != "" && call.ChapterID != chapterID {
			continue
		}
		out = append(out, call)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) InsertLLMServiceCall(_ context.Context, call store.LLMServiceCall) error {
	call.ID = int64(len(f.llmCalls) + 1)
	f.llmCalls = append(f.llmCalls, call)
	return nil
}

// memObjects is an in-memory object store for the content service.
type memObjects struct {
	data map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{data: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.data[key]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return data, nil
}

// ---- harness ----

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fake,
		sessions: fake,
		content:  content.New(newMemObjects(), fake),
		authpw:   authpw.NewService(fake),
	}
}

func newTestServer(t *testing.T, fake *fakeStore) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(fake)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func sessionFor(t *testing.T, svc *Service, userID string) Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("CreateSession(%s) error = %v", userID, err)
	}
	return session
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func mustStatus(t *testing.T, resp *http.Response, want int, payload map[string]any) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d (payload %v)", resp.StatusCode, want, payload)
	}
}

package app

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"folio/api/internal/content"
	"folio/api/internal/store"
)

// End-to-end content lifecycle: create a book and chapter, write two content
// versions, inspect versions, diff, changelog, then reconcile media drift.
func TestContentLifecycle(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("usr_owner", "Imani", "imani@example.com", "member")
	server, svc := newTestServer(t, fake)
	owner := sessionFor(t, svc, "usr_owner")

	resp, book := doJSON(t, http.MethodPost, server.URL+"/api/books", owner.Token, map[string]any{
		"title":            "The Long Road",
		"authorName":       "A. Writer",
		"originalLanguage": "en",
	})
	mustStatus(t, resp, http.StatusCreated, book)
	bookID, _ := book["id"].(string)
	if bookID == "" {
		t.Fatalf("book payload = %v", book)
	}

	resp, chapter := doJSON(t, http.MethodPost, server.URL+"/api/books/"+bookID+"/chapters", owner.Token, map[string]any{
		"title": "Departure",
	})
	mustStatus(t, resp, http.StatusCreated, chapter)
	chapterID, _ := chapter["id"].(string)
	if chapter["number"] != float64(1) {
		t.Errorf("chapter number = %v, want 1", chapter["number"])
	}

	// First version.
	resp, saved := doJSON(t, http.MethodPut, server.URL+"/api/chapters/"+chapterID+"/content?language=en", owner.Token, map[string]any{
		"blocks": []map[string]any{
			{"type": "heading", "level": 1, "text": "Departure"},
			{"type": "paragraph", "text": "It was a bright cold day."},
		},
	})
	mustStatus(t, resp, http.StatusOK, saved)
	version := saved["version"].(map[string]any)
	if version["version"] != float64(1) {
		t.Fatalf("first save version = %v, want 1", version["version"])
	}

	// Second version adds a line.
	resp, saved = doJSON(t, http.MethodPut, server.URL+"/api/chapters/"+chapterID+"/content?language=en", owner.Token, map[string]any{
		"blocks": []map[string]any{
			{"type": "heading", "level": 1, "text": "Departure"},
			{"type": "paragraph", "text": "It was a bright cold day."},
			{"type": "paragraph", "text": "The clocks were striking thirteen."},
		},
	})
	mustStatus(t, resp, http.StatusOK, saved)
	version = saved["version"].(map[string]any)
	if version["version"] != float64(2) {
		t.Fatalf("second save version = %v, want 2", version["version"])
	}
	diff := saved["diff"].(map[string]any)
	if diff["added"].(float64) < 1 {
		t.Errorf("expected added lines in diff, got %v", diff)
	}

	// Latest content is version 2.
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/chapters/"+chapterID+"/content?language=en", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	doc := payload["document"].(map[string]any)
	if doc["version"] != float64(2) {
		t.Errorf("latest version = %v, want 2", doc["version"])
	}

	// Both versions listed, newest first.
	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/chapters/"+chapterID+"/versions?language=en", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	versions := payload["versions"].([]any)
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].(map[string]any)["version"] != float64(2) {
		t.Errorf("versions not newest first: %v", versions)
	}

	// Diff between v1 and v2.
	resp, payload = doJSON(t, http.MethodGet,
		server.URL+"/api/chapters/"+chapterID+"/diff?fromLanguage=en&fromVersion=1&toLanguage=en&toVersion=2",
		owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if payload["added"].(float64) != 1 || payload["removed"].(float64) != 0 {
		t.Errorf("diff counts = added %v removed %v, want 1/0", payload["added"], payload["removed"])
	}
	if payload["from"] != "en/v1" || payload["to"] != "en/v2" {
		t.Errorf("diff labels = %v -> %v", payload["from"], payload["to"])
	}

	// Diff of identical versions is empty.
	resp, payload = doJSON(t, http.MethodGet,
		server.URL+"/api/chapters/"+chapterID+"/diff?fromLanguage=en&fromVersion=2&toLanguage=en&toVersion=2",
		owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if payload["added"].(float64) != 0 || payload["removed"].(float64) != 0 {
		t.Errorf("identical diff counts = %v/%v, want 0/0", payload["added"], payload["removed"])
	}

	// Changelog carries both content events plus book and chapter creation.
	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/books/"+bookID+"/changelog", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	entries := payload["entries"].([]any)
	actions := make([]string, 0, len(entries))
	for _, raw := range entries {
		actions = append(actions, raw.(map[string]any)["action"].(string))
	}
	wantActions := map[string]bool{"BOOK_CREATED": false, "CHAPTER_CREATED": false, "CONTENT_CREATED": false, "CONTENT_EDITED": false}
	for _, action := range actions {
		if _, ok := wantActions[action]; ok {
			wantActions[action] = true
		}
	}
	for action, seen := range wantActions {
		if !seen {
			t.Errorf("changelog missing %s (got %v)", action, actions)
		}
	}

	// Filtered changelog.
	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/books/"+bookID+"/changelog?action=CONTENT_EDITED", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	entries = payload["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("filtered entries = %d, want 1", len(entries))
	}
	edited := entries[0].(map[string]any)
	if edited["fromVersion"] != float64(1) || edited["toVersion"] != float64(2) {
		t.Errorf("changelog versions = %v -> %v", edited["fromVersion"], edited["toVersion"])
	}
	if edited["diff"] == "" {
		t.Error("changelog entry missing diff text")
	}
}

func TestMediaSyncWritesNewVersion(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("usr_owner", "Imani", "imani@example.com", "member")
	server, svc := newTestServer(t, fake)
	owner := sessionFor(t, svc, "usr_owner")

	_, book := doJSON(t, http.MethodPost, server.URL+"/api/books", owner.Token, map[string]any{
		"title": "The Long Road", "originalLanguage": "en",
	})
	bookID := book["id"].(string)
	_, chapter := doJSON(t, http.MethodPost, server.URL+"/api/books/"+bookID+"/chapters", owner.Token, map[string]any{
		"title": "Departure",
	})
	chapterID := chapter["id"].(string)

	resp, payload := doJSON(t, http.MethodPut, server.URL+"/api/chapters/"+chapterID+"/content?language=en", owner.Token, map[string]any{
		"blocks": []map[string]any{{"type": "paragraph", "text": "A road, a map."}},
	})
	mustStatus(t, resp, http.StatusOK, payload)

	// In step: nothing to do.
	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/chapters/"+chapterID+"/media/sync?language=en", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if payload["drifted"] != false {
		t.Fatalf("expected no drift: %v", payload)
	}

	// Register a media item; the stored document is now behind the database.
	resp, media := doJSON(t, http.MethodPost, server.URL+"/api/chapters/"+chapterID+"/media", owner.Token, map[string]any{
		"kind":      "image",
		"objectKey": "media/map.png",
		"caption":   "A map",
		"position":  1,
	})
	mustStatus(t, resp, http.StatusCreated, media)
	mediaID := media["id"].(string)

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/chapters/"+chapterID+"/media/sync?language=en", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if payload["drifted"] != true {
		t.Fatalf("expected drift: %v", payload)
	}
	added := payload["added"].([]any)
	if len(added) != 1 || added[0] != mediaID {
		t.Errorf("added = %v, want [%s]", added, mediaID)
	}
	if payload["newVersion"] != float64(2) {
		t.Errorf("newVersion = %v, want 2", payload["newVersion"])
	}

	// The original version is untouched; the new one carries the media.
	doc, err := svc.content.GetVersion(context.Background(), chapterID, "en", 1)
	if err != nil {
		t.Fatalf("GetVersion(1) error = %v", err)
	}
	if len(doc.Media) != 0 {
		t.Errorf("version 1 media = %v, want none", doc.Media)
	}
	doc, err = svc.content.GetVersion(context.Background(), chapterID, "en", 2)
	if err != nil {
		t.Fatalf("GetVersion(2) error = %v", err)
	}
	if len(doc.Media) != 1 || doc.Media[0].ID != mediaID {
		t.Errorf("version 2 media = %v", doc.Media)
	}

	// Media sync appears in the changelog.
	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/books/"+bookID+"/changelog?action=MEDIA_SYNC", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if len(payload["entries"].([]any)) != 1 {
		t.Errorf("expected one MEDIA_SYNC entry: %v", payload["entries"])
	}
}

func TestMediaSyncWithoutContentReportsEmptyLists(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("usr_owner", "Imani", "imani@example.com", "member")
	server, svc := newTestServer(t, fake)
	owner := sessionFor(t, svc, "usr_owner")

	_, chapterID := setupBookWithChapter(t, server.URL, owner.Token)
	resp, media := doJSON(t, http.MethodPost, server.URL+"/api/chapters/"+chapterID+"/media", owner.Token, map[string]any{
		"kind":      "image",
		"objectKey": "media/map.png",
	})
	mustStatus(t, resp, http.StatusCreated, media)

	// No content exists yet, so there is nothing to reconcile; the report
	// lists must still come back as arrays, not null.
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/chapters/"+chapterID+"/media/sync?language=en", owner.Token, nil)
	mustStatus(t, resp, http.StatusOK, payload)
	if payload["drifted"] != false {
		t.Fatalf("expected no drift: %v", payload)
	}
	for _, field := range []string{"added", "removed", "repositioned"} {
		list, ok := payload[field].([]any)
		if !ok {
			t.Errorf("%s = %v (%T), want empty array", field, payload[field], payload[field])
			continue
		}
		if len(list) != 0 {
			t.Errorf("%s = %v, want empty", field, list)
		}
	}
}

// rivalContent slips one competing save in ahead of the caller's first
// PutVersion, taking the version number the caller would otherwise get.
type rivalContent struct {
	contentService
	fired bool
}

func (c *rivalContent) PutVersion(ctx context.Context, doc content.Document, author, note string) (store.ChapterVersion, error) {
	if !c.fired {
		c.fired = true
		rival := doc
		rival.Blocks = []content.Block{{Type: content.BlockParagraph, Text: "A rival draft."}}
		if _, err := c.contentService.PutVersion(ctx, rival, "Rival", ""); err != nil {
			return store.ChapterVersion{}, err
		}
	}
	return c.contentService.PutVersion(ctx, doc, author, note)
}

func TestSaveDiffBaseTracksAllocatedVersion(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("usr_owner", "Imani", "imani@example.com", "member")
	svc := newTestService(fake)
	owner := sessionFor(t, svc, "usr_owner")
	ctx := context.Background()

	fake.books["bk_1"] = store.Book{ID: "bk_1", OwnerID: "usr_owner", Title: "Signals", OriginalLanguage: "en", Status: "DRAFT"}
	fake.chapters["ch_1"] = store.Chapter{ID: "ch_1", BookID: "bk_1", Number: 1, Title: "One"}
	svc.content = &rivalContent{contentService: svc.content}

	saved, err := svc.SaveChapterContent(ctx, owner, "ch_1", "en", ContentInput{
		Blocks: []content.Block{{Type: content.BlockParagraph, Text: "The final draft."}},
	})
	if err != nil {
		t.Fatalf("SaveChapterContent: %v", err)
	}
	version := saved["version"].(map[string]any)
	if version["version"] != 2 {
		t.Fatalf("saved version = %v, want 2", version["version"])
	}

	// The changelog row must diff against the version that actually preceded
	// the write, the rival's v1, not the state read before the save began.
	if len(fake.changeLog) != 1 {
		t.Fatalf("changelog rows = %d, want 1", len(fake.changeLog))
	}
	entry := fake.changeLog[0]
	if entry.Action != "CONTENT_EDITED" {
		t.Errorf("action = %s, want CONTENT_EDITED", entry.Action)
	}
	if entry.FromVersion != 1 || entry.ToVersion != 2 {
		t.Errorf("versions = %d -> %d, want 1 -> 2", entry.FromVersion, entry.ToVersion)
	}
	if !strings.Contains(entry.Diff, "-A rival draft.") || !strings.Contains(entry.Diff, "+The final draft.") {
		t.Errorf("diff does not replace the rival draft:\n%s", entry.Diff)
	}
}

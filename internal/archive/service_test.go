package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folio/api/internal/content"
	"folio/api/internal/store"
)

func testSnapshot(bookID, title string) BookSnapshot {
	return BookSnapshot{
		Book: store.Book{
			ID:     bookID,
			Title:  title,
			Status: "IN_TRANSLATION",
		},
		Chapters: []ChapterSnapshot{
			{
				Chapter: store.Chapter{ID: "ch_1", BookID: bookID, Number: 1, Title: "Departure"},
				Versions: []VersionSnapshot{
					{
						Row: store.ChapterVersion{ChapterID: "ch_1", Language: "en", Version: 1},
						Document: content.Document{
							ChapterID: "ch_1",
							Language:  "en",
							Version:   1,
							Blocks: []content.Block{
								{Type: content.BlockParagraph, Text: "It begins."},
							},
						},
					},
				},
			},
		},
		TakenAt: time.Now().UTC(),
	}
}

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// EnsureRepo is idempotent
	if err := svc.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo() second call error = %v", err)
	}

	commit, err := svc.WriteSnapshot(testSnapshot("bok_1", "The Long Road"), "Imani")
	if err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if !strings.Contains(commit.Message, "bok_1") {
		t.Errorf("commit message = %q", commit.Message)
	}

	snapshots, err := svc.ListSnapshots(10)
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	// Backup commit plus the init commit.
	if len(snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snapshots))
	}
	if snapshots[0].Author != "Imani" {
		t.Errorf("latest snapshot author = %s", snapshots[0].Author)
	}

	restored, err := svc.ReadSnapshot("bok_1", commit.Hash)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if restored.Book.Title != "The Long Road" {
		t.Errorf("restored title = %s", restored.Book.Title)
	}
	if len(restored.Chapters) != 1 || len(restored.Chapters[0].Versions) != 1 {
		t.Fatalf("restored structure = %+v", restored)
	}
	if restored.Chapters[0].Versions[0].Document.Blocks[0].Text != "It begins." {
		t.Error("restored document content mismatch")
	}
}

func TestReadSnapshotFromHead(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}

	if _, err := svc.WriteSnapshot(testSnapshot("bok_1", "First"), "Imani"); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	second := testSnapshot("bok_1", "Second")
	if _, err := svc.WriteSnapshot(second, "Imani"); err != nil {
		t.Fatalf("WriteSnapshot() second error = %v", err)
	}

	restored, err := svc.ReadSnapshot("bok_1", "")
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if restored.Book.Title != "Second" {
		t.Errorf("head snapshot title = %s, want Second", restored.Book.Title)
	}
}

func TestReadSnapshotMissingBook(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRepo(); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := svc.WriteSnapshot(testSnapshot("bok_1", "Only"), "Imani"); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}

	if _, err := svc.ReadSnapshot("bok_unknown", ""); err == nil {
		t.Error("expected error for missing book snapshot")
	}
}

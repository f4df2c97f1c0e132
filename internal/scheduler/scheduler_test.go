package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"folio/api/internal/store"
)

type fakePublishStore struct {
	mu        sync.Mutex
	due       []store.Book
	published []string
	logs      []store.ChangeLogEntry
}

func (f *fakePublishStore) ListDuePublishes(_ context.Context, _ time.Time) ([]store.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

func (f *fakePublishStore) MarkBookPublished(_ context.Context, bookID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, bookID)
	remaining := f.due[:0]
	for _, book := range f.due {
		if book.ID != bookID {
			remaining = append(remaining, book)
		}
	}
	f.due = remaining
	return nil
}

func (f *fakePublishStore) InsertChangeLog(_ context.Context, entry store.ChangeLogEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return int64(len(f.logs)), nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	books []store.Book
}

func (f *fakeNotifier) BookPublished(book store.Book) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books = append(f.books, book)
}

func TestPublishDueOnce(t *testing.T) {
	fake := &fakePublishStore{
		due: []store.Book{
			{ID: "bok_1", Title: "First", Status: "SCHEDULED"},
			{ID: "bok_2", Title: "Second", Status: "SCHEDULED"},
		},
	}
	notifier := &fakeNotifier{}
	s := New(fake, notifier, time.Minute)

	published := s.PublishDueOnce(context.Background(), time.Now().UTC())
	if published != 2 {
		t.Fatalf("published = %d, want 2", published)
	}
	if len(fake.published) != 2 {
		t.Errorf("marked published = %v", fake.published)
	}
	if len(fake.logs) != 2 {
		t.Fatalf("change log rows = %d, want 2", len(fake.logs))
	}
	if fake.logs[0].Action != "BOOK_PUBLISHED" || fake.logs[0].Actor != "scheduler" {
		t.Errorf("change log row = %+v", fake.logs[0])
	}
	if len(notifier.books) != 2 {
		t.Errorf("notified books = %d, want 2", len(notifier.books))
	}
}

func TestPublishDueOnce_NothingDue(t *testing.T) {
	fake := &fakePublishStore{}
	s := New(fake, nil, time.Minute)

	published := s.PublishDueOnce(context.Background(), time.Now().UTC())
	if published != 0 {
		t.Fatalf("published = %d, want 0", published)
	}
	if len(fake.logs) != 0 {
		t.Errorf("unexpected change log rows: %+v", fake.logs)
	}
}

func TestStartStop(t *testing.T) {
	fake := &fakePublishStore{
		due: []store.Book{{ID: "bok_1", Title: "Only", Status: "SCHEDULED"}},
	}
	s := New(fake, nil, 50*time.Millisecond)

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// The immediate pass on Start should have published the due book.
	if len(fake.published) != 1 {
		t.Errorf("published = %v, want one book", fake.published)
	}
}

// Package scheduler publishes books whose scheduled publish time has passed.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"folio/api/internal/store"
)

// publishStore is the subset of the database store the scheduler needs.
type publishStore interface {
	ListDuePublishes(ctx context.Context, now time.Time) ([]store.Book, error)
	MarkBookPublished(ctx context.Context, bookID string, publishedAt time.Time) error
	InsertChangeLog(ctx context.Context, entry store.ChangeLogEntry) (int64, error)
}

// Notifier is told about every book the scheduler publishes.
type Notifier interface {
	BookPublished(book store.Book)
}

type Scheduler struct {
	store      publishStore
	notifier   Notifier
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc // cancels the current pass
	mu         sync.Mutex         // protects cancelFunc
}

// New creates a scheduler. notifier may be nil.
func New(publishStore publishStore, notifier Notifier, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    publishStore,
		notifier: notifier,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("scheduler started interval=%s", s.interval)
}

func (s *Scheduler) Stop() {
	// Cancel any ongoing pass first
	s.mu.Lock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Printf("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.publishDue()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publishDue()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) publishDue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)

	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelFunc = nil
		s.mu.Unlock()
	}()

	s.PublishDueOnce(ctx, time.Now().UTC())
}

// PublishDueOnce runs a single publish pass and returns how many books were
// published.
func (s *Scheduler) PublishDueOnce(ctx context.Context, now time.Time) int {
	due, err := s.store.ListDuePublishes(ctx, now)
	if err != nil {
		log.Printf("scheduler: list due publishes: %v", err)
		return 0
	}

	published := 0
	for _, book := range due {
		if err := s.store.MarkBookPublished(ctx, book.ID, now); err != nil {
			log.Printf("scheduler: publish book %s: %v", book.ID, err)
			continue
		}
		if _, err := s.store.InsertChangeLog(ctx, store.ChangeLogEntry{
			BookID: book.ID,
			Action: "BOOK_PUBLISHED",
			Actor:  "scheduler",
		}); err != nil {
			log.Printf("scheduler: change log for book %s: %v", book.ID, err)
		}
		if s.notifier != nil {
			s.notifier.BookPublished(book)
		}
		log.Printf("scheduler: published book %s (%s)", book.ID, book.Title)
		published++
	}
	return published
}

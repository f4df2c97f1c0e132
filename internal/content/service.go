package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"folio/api/internal/store"
	"folio/api/internal/util"
)

// ObjectStore is the blob backend holding content.json and raw.txt objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// versionStore is the subset of the database store the content service needs.
type versionStore interface {
	NextChapterVersion(ctx context.Context, chapterID, language string) (int, error)
	InsertChapterVersion(ctx context.Context, v store.ChapterVersion) error
	GetChapterVersion(ctx context.Context, chapterID, language string, version int) (store.ChapterVersion, error)
	LatestChapterVersion(ctx context.Context, chapterID, language string) (*store.ChapterVersion, error)
	ListMediaItems(ctx context.Context, chapterID string) ([]store.MediaItem, error)
}

type Service struct {
	objects ObjectStore
	store   versionStore
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(objects ObjectStore, dataStore versionStore) *Service {
	return &Service{
		objects: objects,
		store:   dataStore,
		locks:   make(map[string]*sync.Mutex),
	}
}

// PutVersion writes the next version of a chapter's content in the given
// language. Version numbers are monotonic per (chapter, language); both
// objects are written before the version row, so a half-finished write leaves
// no visible version behind.
func (s *Service) PutVersion(ctx context.Context, doc Document, author, note string) (store.ChapterVersion, error) {
	lock := s.chapterLock(doc.ChapterID)
	lock.Lock()
	defer lock.Unlock()

	if doc.ChapterID == "" || doc.Language == "" {
		return store.ChapterVersion{}, fmt.Errorf("chapter id and language are required")
	}

	version, err := s.store.NextChapterVersion(ctx, doc.ChapterID, doc.Language)
	if err != nil {
		return store.ChapterVersion{}, err
	}

	doc.Version = version
	doc.UpdatedBy = author
	doc.UpdatedAt = time.Now().UTC()
	for i := range doc.Blocks {
		if doc.Blocks[i].ID == "" {
			doc.Blocks[i].ID = util.NewID("blk")
		}
		if doc.Blocks[i].Type == "" {
			doc.Blocks[i].Type = BlockParagraph
		}
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return store.ChapterVersion{}, fmt.Errorf("marshal content: %w", err)
	}
	raw := doc.RenderRaw()

	contentKey := ContentKey(doc.ChapterID, doc.Language, version)
	rawKey := RawKey(doc.ChapterID, doc.Language, version)

	if err := s.objects.Put(ctx, contentKey, append(payload, '\n'), "application/json"); err != nil {
		return store.ChapterVersion{}, fmt.Errorf("write content object: %w", err)
	}
	if err := s.objects.Put(ctx, rawKey, []byte(raw), "text/plain; charset=utf-8"); err != nil {
		return store.ChapterVersion{}, fmt.Errorf("write raw object: %w", err)
	}

	row := store.ChapterVersion{
		ChapterID:  doc.ChapterID,
		Language:   doc.Language,
		Version:    version,
		ContentKey: contentKey,
		RawKey:     rawKey,
		WordCount:  doc.WordCount(),
		Note:       note,
		CreatedBy:  author,
	}
	if err := s.store.InsertChapterVersion(ctx, row); err != nil {
		return store.ChapterVersion{}, err
	}
	return row, nil
}

// GetVersion loads one stored version's structured document.
func (s *Service) GetVersion(ctx context.Context, chapterID, language string, version int) (Document, error) {
	row, err := s.store.GetChapterVersion(ctx, chapterID, language, version)
	if err != nil {
		return Document{}, err
	}
	return s.readDocument(ctx, row.ContentKey)
}

// GetLatest loads the newest version in a language. The second return is
// false when the chapter has no content in that language yet.
func (s *Service) GetLatest(ctx context.Context, chapterID, language string) (Document, bool, error) {
	row, err := s.store.LatestChapterVersion(ctx, chapterID, language)
	if err != nil {
		return Document{}, false, err
	}
	if row == nil {
		return Document{}, false, nil
	}
	doc, err := s.readDocument(ctx, row.ContentKey)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// GetRaw loads the raw-text rendering of one stored version.
func (s *Service) GetRaw(ctx context.Context, chapterID, language string, version int) (string, error) {
	row, err := s.store.GetChapterVersion(ctx, chapterID, language, version)
	if err != nil {
		return "", err
	}
	data, err := s.objects.Get(ctx, row.RawKey)
	if err != nil {
		return "", fmt.Errorf("read raw object: %w", err)
	}
	return string(data), nil
}

// ReconcileReport describes what media reconciliation found.
type ReconcileReport struct {
	Drifted      bool     `json:"drifted"`
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	Repositioned []string `json:"repositioned"`
	NewVersion   int      `json:"newVersion,omitempty"`
}

// Reconcile compares the media_items rows (database of record) against the
// media list inside the latest document and, when drifted, writes a new
// version whose media matches the database. Existing versions are never
// touched.
func (s *Service) Reconcile(ctx context.Context, chapterID, language, actor string) (ReconcileReport, error) {
	doc, ok, err := s.GetLatest(ctx, chapterID, language)
	if err != nil {
		return ReconcileReport{}, err
	}
	if !ok {
		// No content means nothing to drift; the slices stay non-nil so the
		// report encodes as empty arrays.
		return ReconcileReport{
			Added:        []string{},
			Removed:      []string{},
			Repositioned: []string{},
		}, nil
	}

	items, err := s.store.ListMediaItems(ctx, chapterID)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := diffMedia(doc.Media, items)
	if !report.Drifted {
		return report, nil
	}

	doc.Media = make([]MediaRef, 0, len(items))
	for _, item := range items {
		doc.Media = append(doc.Media, MediaRef{
			ID:        item.ID,
			Kind:      item.Kind,
			ObjectKey: item.ObjectKey,
			Caption:   item.Caption,
			Position:  item.Position,
		})
	}

	row, err := s.PutVersion(ctx, doc, actor, "media sync")
	if err != nil {
		return ReconcileReport{}, err
	}
	report.NewVersion = row.Version
	return report, nil
}

func diffMedia(derived []MediaRef, authoritative []store.MediaItem) ReconcileReport {
	report := ReconcileReport{
		Added:        make([]string, 0),
		Removed:      make([]string, 0),
		Repositioned: make([]string, 0),
	}

	inDoc := make(map[string]MediaRef, len(derived))
	for _, ref := range derived {
		inDoc[ref.ID] = ref
	}
	inDB := make(map[string]store.MediaItem, len(authoritative))
	for _, item := range authoritative {
		inDB[item.ID] = item
	}

	for id, item := range inDB {
		ref, ok := inDoc[id]
		if !ok {
			report.Added = append(report.Added, id)
			continue
		}
		if ref.Position != item.Position || ref.Caption != item.Caption || ref.ObjectKey != item.ObjectKey {
			report.Repositioned = append(report.Repositioned, id)
		}
	}
	for id := range inDoc {
		if _, ok := inDB[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Repositioned)
	report.Drifted = len(report.Added)+len(report.Removed)+len(report.Repositioned) > 0
	return report
}

func (s *Service) readDocument(ctx context.Context, key string) (Document, error) {
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return Document{}, fmt.Errorf("read content object: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode content object: %w", err)
	}
	return doc, nil
}

func (s *Service) chapterLock(chapterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[chapterID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[chapterID] = lock
	return lock
}

func ContentKey(chapterID, language string, version int) string {
	return fmt.Sprintf("chapters/%s/%s/v%d/content.json", chapterID, language, version)
}

func RawKey(chapterID, language string, version int) string {
	return fmt.Sprintf("chapters/%s/%s/v%d/raw.txt", chapterID, language, version)
}

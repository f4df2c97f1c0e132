package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxBooks    = "folio_books"
	idxChapters = "folio_chapters"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns nil if the initial connection fails (caller should proceed without it).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxBooks,
			primaryKey: "id",
			filterable: []string{"status"},
			searchable: []string{"title", "authorName", "description"},
		},
		{
			uid:        idxChapters,
			primaryKey: "id",
			filterable: []string{"bookId", "bookStatus", "status"},
			searchable: []string{"title"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxBooks, ResultBook},
		{idxChapters, ResultChapter},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterBookID != "" && ti.rtyp == ResultChapter {
			filters = append(filters, fmt.Sprintf("bookId = %q", q.FilterBookID))
		}
		if q.PublishedOnly {
			if ti.rtyp == ResultBook {
				filters = append(filters, "status = \"PUBLISHED\"")
			} else {
				filters = append(filters, "bookStatus = \"PUBLISHED\"")
			}
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxBooks:
		return ResultBook
	case idxChapters:
		return ResultChapter
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultBook:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.BookID = r.ID // book's own ID
	case ResultChapter:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.BookID = decodeString(hit, "bookId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexBook adds or updates a book in the search index.
func (m *Meili) IndexBook(b BookRecord) error {
	_, err := m.client.Index(idxBooks).AddDocuments([]BookRecord{b}, nil)
	return err
}

// IndexChapter adds or updates a chapter in the search index.
func (m *Meili) IndexChapter(c ChapterRecord) error {
	_, err := m.client.Index(idxChapters).AddDocuments([]ChapterRecord{c}, nil)
	return err
}

// DeleteBook removes a book from the search index.
func (m *Meili) DeleteBook(id string) error {
	_, err := m.client.Index(idxBooks).DeleteDocument(id, nil)
	return err
}

// DeleteChapter removes a chapter from the search index.
func (m *Meili) DeleteChapter(id string) error {
	_, err := m.client.Index(idxChapters).DeleteDocument(id, nil)
	return err
}

// IndexBooks bulk-indexes books.
func (m *Meili) IndexBooks(books []BookRecord) error {
	if len(books) == 0 {
		return nil
	}
	_, err := m.client.Index(idxBooks).AddDocuments(books, nil)
	return err
}

// IndexChapters bulk-indexes chapters.
func (m *Meili) IndexChapters(chapters []ChapterRecord) error {
	if len(chapters) == 0 {
		return nil
	}
	_, err := m.client.Index(idxChapters).AddDocuments(chapters, nil)
	return err
}

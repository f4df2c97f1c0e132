package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultBook    ResultType = "book"
	ResultChapter ResultType = "chapter"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	BookID  string     `json:"bookId"`
	Status  string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterBookID  string
	PublishedOnly bool
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexBook(b BookRecord) error
	IndexChapter(c ChapterRecord) error
	DeleteBook(id string) error
	DeleteChapter(id string) error
}

// BookRecord is the data we index for a book.
type BookRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	AuthorName  string `json:"authorName"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ChapterRecord is the data we index for a chapter.
type ChapterRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	BookID     string `json:"bookId"`
	BookStatus string `json:"bookStatus"`
	Status     string `json:"status"`
}

package search

// Record is the data indexed for a published document.
type Record struct {
	ID         string `json:"id"`
	Handle     string `json:"handle"`
	Name       string `json:"name"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Published  bool   `json:"published"`
	Text       string `json:"text"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Handle     string `json:"handle,omitempty"`
	Name       string `json:"name"`
	AuthorName string `json:"authorName"`
	Snippet    string `json:"snippet,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over published documents.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

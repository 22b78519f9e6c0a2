package search

// Result is a single idea hit.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Votes   int    `json:"votes"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a search request over idea titles and authors.
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

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// IdeaRecord is the data indexed per idea.
type IdeaRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Votes  int    `json:"votes"`
}

package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultArtifact ResultType = "artifact"
	ResultMessage  ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	TransactionID string     `json:"transactionId"`
}

// Query describes a search request. TransactionID is mandatory: callers
// only search transactions they participate in, enforced upstream.
type Query struct {
	Text          string
	TransactionID string
	FilterType    ResultType // empty = all types
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

// ArtifactRecord is the data we index for an artifact. Only shared
// artifacts are ever indexed; private ones stay out of the index
// entirely so no search path can surface them.
type ArtifactRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Note          string `json:"note"`
	TransactionID string `json:"transactionId"`
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID            string `json:"id"`
	Body          string `json:"body"`
	AuthorName    string `json:"authorName"`
	TransactionID string `json:"transactionId"`
}

package search

// Result is a single proposal hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Snippet   string `json:"snippet"`
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// Query describes a search over change proposals.
type Query struct {
	Text      string
	ProjectID string // empty = all projects
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ProposalRecord is the data indexed per change proposal.
type ProposalRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ReadMe    string `json:"readMe"`
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// Searcher can execute a full-text search over proposals.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

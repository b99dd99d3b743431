package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIncident ResultType = "incident"
	ResultAlert    ResultType = "alert"
)

// Result is a single search hit returned to operational dashboards.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	Neighborhood string     `json:"neighborhood"`
	Status       string     `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text               string
	FilterType         ResultType // empty = all types
	FilterNeighborhood string
	Limit              int
	Offset             int
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

// IncidentRecord is the data indexed for an incident.
type IncidentRecord struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	Neighborhood string `json:"neighborhood"`
	Status       string `json:"status"`
}

// AlertRecord is the data indexed for a panic alert.
type AlertRecord struct {
	ID           string `json:"id"`
	UserName     string `json:"userName"`
	Address      string `json:"address"`
	Neighborhood string `json:"neighborhood"`
	Status       string `json:"status"`
}

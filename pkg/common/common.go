package common

import "time"

// Entity type labels as produced by the extraction models. TypeSelf is
// never stored; it marks the queried seed node in a rendered graph.
const (
	TypePerson       = "PER"
	TypeLocation     = "LOC"
	TypeOrganization = "ORG"
	TypeMisc         = "MISC"
	TypeSelf         = "SELF"
)

// Document is a scraped news item together with its abstractive summary.
// Both are produced by external collaborators; this core only reads them.
type Document struct {
	ID          int64
	RawText     string
	Summary     string
	SourceID    int64
	PublishedAt time.Time
}

// Graph is the renderable co-mention graph for one query. The JSON shape
// follows the node-link convention the front-end renderer expects.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"links"`
}

// Node is a canonical entity appearing in a co-mention graph.
type Node struct {
	ID string `json:"id"`
}

// Edge connects two canonical entities that were mentioned in the same
// news. Evidence holds the supporting summaries, oldest first.
type Edge struct {
	Source        string   `json:"source"`
	Target        string   `json:"target"`
	EvidenceCount int      `json:"evidence_count"`
	Evidence      []string `json:"evidence"`
}

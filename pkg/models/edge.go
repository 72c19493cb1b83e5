package models

// EdgeKind classifies a graph edge between two repositories.
type EdgeKind string

const (
	EdgeKindAuthor     EdgeKind = "author"
	EdgeKindEcosystem  EdgeKind = "ecosystem"
	EdgeKindCollection EdgeKind = "collection"
	EdgeKindSemantic   EdgeKind = "semantic"
)

// GraphEdge is a stored relationship between two repositories. Edges are
// directed in storage but undirected in meaning; the primary key is
// (source, target, kind). Weight is clipped to [0, 1].
type GraphEdge struct {
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Kind     EdgeKind       `json:"kind"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClipWeight forces w into [0, 1].
func ClipWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// Package models contains domain types for ekaya-nlq.
package models

// ProvenanceSource records how an example entered the corpus.
type ProvenanceSource string

const (
	ProvenanceManual   ProvenanceSource = "manual"   // Curated by an operator
	ProvenanceFeedback ProvenanceSource = "feedback" // Captured from a validated user correction
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a known provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case ProvenanceManual, ProvenanceFeedback:
		return true
	default:
		return false
	}
}

package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// DocumentHash fingerprints everything that affects a document's chunks.
// Metadata keys are sorted so map order never changes the hash.
func DocumentHash(doc *models.RagDocument) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(string(doc.DocType))
	write(doc.Title)
	write(doc.Content)

	keys := make([]string, 0, len(doc.Metadata))
	for k := range doc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(doc.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash fingerprints chunk text. It keys the embedding cache.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

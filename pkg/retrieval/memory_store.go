package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type memDoc struct {
	doc    models.RagDocument
	chunks []models.RagChunk
	terms  [][]string // tokenized chunk content, parallel to chunks
}

// MemoryStore is a ChunkStore held in process memory. Lexical search is
// BM25 over tokenized chunks; vector search is brute-force cosine.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[uuid.UUID]*memDoc
	bySource   map[string]uuid.UUID
	embeddings map[string]map[uuid.UUID][]float32 // model -> chunk -> vector
}

var _ ChunkStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[uuid.UUID]*memDoc),
		bySource:   make(map[string]uuid.UUID),
		embeddings: make(map[string]map[uuid.UUID][]float32),
	}
}

func sourceIndexKey(dataSourceID uuid.UUID, docType models.DocType, sourceKey string) string {
	return dataSourceID.String() + "|" + string(docType) + "|" + sourceKey
}

func (s *MemoryStore) GetDocument(ctx context.Context, dataSourceID uuid.UUID, docType models.DocType, sourceKey string) (*models.RagDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySource[sourceIndexKey(dataSourceID, docType, sourceKey)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	doc := s.docs[id].doc
	return &doc, nil
}

func (s *MemoryStore) ReplaceDocument(ctx context.Context, doc *models.RagDocument, chunks []models.RagChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceIndexKey(doc.DataSourceID, doc.DocType, doc.SourceKey)
	if existingID, ok := s.bySource[key]; ok {
		s.dropChunksLocked(s.docs[existingID])
		if existingID != doc.ID {
			delete(s.docs, existingID)
			doc.ID = existingID
		}
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	md := &memDoc{doc: *doc, chunks: make([]models.RagChunk, len(chunks)), terms: make([][]string, len(chunks))}
	for i, c := range chunks {
		c.DocumentID = doc.ID
		md.chunks[i] = c
		md.terms[i] = Tokenize(c.Content)
	}
	s.docs[doc.ID] = md
	s.bySource[key] = doc.ID
	return nil
}

func (s *MemoryStore) dropChunksLocked(md *memDoc) {
	if md == nil {
		return
	}
	for _, vectors := range s.embeddings {
		for _, c := range md.chunks {
			delete(vectors, c.ID)
		}
	}
}

func (s *MemoryStore) ChunksMissingEmbedding(ctx context.Context, documentID uuid.UUID, model string) ([]models.RagChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.docs[documentID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	vectors := s.embeddings[model]
	var missing []models.RagChunk
	for _, c := range md.chunks {
		if _, ok := vectors[c.ID]; !ok {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

func (s *MemoryStore) SaveEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range embeddings {
		vectors, ok := s.embeddings[e.Model]
		if !ok {
			vectors = make(map[uuid.UUID][]float32)
			s.embeddings[e.Model] = vectors
		}
		vectors[e.ChunkID] = e.Vector
	}
	return nil
}

func (s *MemoryStore) SearchLexical(ctx context.Context, terms []string, filter SearchFilter) ([]ScoredChunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Corpus statistics are computed over the filtered candidate set.
	type cand struct {
		md  *memDoc
		idx int
	}
	var cands []cand
	totalLen := 0
	df := make(map[string]int, len(terms))
	for _, md := range s.docs {
		if !matchesFilter(&md.doc, filter) {
			continue
		}
		for i, toks := range md.terms {
			cands = append(cands, cand{md, i})
			totalLen += len(toks)
			seen := make(map[string]struct{}, len(terms))
			for _, tok := range toks {
				for _, q := range terms {
					if tok == q {
						if _, dup := seen[q]; !dup {
							df[q]++
							seen[q] = struct{}{}
						}
					}
				}
			}
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	n := float64(len(cands))
	avgLen := float64(totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	var out []ScoredChunk
	for _, c := range cands {
		toks := c.md.terms[c.idx]
		tf := make(map[string]int, len(terms))
		for _, tok := range toks {
			tf[tok]++
		}
		score := 0.0
		for _, q := range terms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			d := float64(df[q])
			idf := math.Log(1 + (n-d+0.5)/(d+0.5))
			score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*float64(len(toks))/avgLen))
		}
		if score > 0 {
			out = append(out, toScored(c.md, c.idx, score))
		}
	}
	return topN(out, filter.Limit), nil
}

func (s *MemoryStore) SearchVector(ctx context.Context, vector []float32, model string, filter SearchFilter) ([]ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vectors := s.embeddings[model]
	if len(vectors) == 0 {
		return nil, nil
	}

	var out []ScoredChunk
	for _, md := range s.docs {
		if !matchesFilter(&md.doc, filter) {
			continue
		}
		for i, c := range md.chunks {
			v, ok := vectors[c.ID]
			if !ok {
				continue
			}
			out = append(out, toScored(md, i, cosine(vector, v)))
		}
	}
	return topN(out, filter.Limit), nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, dataSourceID uuid.UUID) ([]DocumentKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []DocumentKey
	for id, md := range s.docs {
		if md.doc.DataSourceID != dataSourceID {
			continue
		}
		keys = append(keys, DocumentKey{ID: id, DocType: md.doc.DocType, SourceKey: md.doc.SourceKey})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].SourceKey < keys[j].SourceKey })
	return keys, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.docs[documentID]
	if !ok {
		return apperrors.ErrNotFound
	}
	s.dropChunksLocked(md)
	delete(s.docs, documentID)
	delete(s.bySource, sourceIndexKey(md.doc.DataSourceID, md.doc.DocType, md.doc.SourceKey))
	return nil
}

func matchesFilter(doc *models.RagDocument, filter SearchFilter) bool {
	if filter.DataSourceID != uuid.Nil && doc.DataSourceID != filter.DataSourceID {
		return false
	}
	if len(filter.DocTypes) == 0 {
		return true
	}
	for _, t := range filter.DocTypes {
		if doc.DocType == t {
			return true
		}
	}
	return false
}

func toScored(md *memDoc, idx int, score float64) ScoredChunk {
	return ScoredChunk{
		Chunk:     md.chunks[idx],
		DocType:   md.doc.DocType,
		SourceKey: md.doc.SourceKey,
		Title:     md.doc.Title,
		Score:     score,
	}
}

// topN sorts by score descending with (source key, ordinal) as tie-breaker.
func topN(chunks []ScoredChunk, limit int) []ScoredChunk {
	sortScored(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

func sortScored(chunks []ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return scoredLess(&chunks[i], &chunks[j])
	})
}

func scoredLess(a, b *ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SourceKey != b.SourceKey {
		return a.SourceKey < b.SourceKey
	}
	return a.Chunk.Ordinal < b.Chunk.Ordinal
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// ChunkerConfig sizes chunks in runes.
type ChunkerConfig struct {
	ChunkSize          int
	ChunkOverlap       int
	MaxColumnsPerChunk int
}

// Chunker turns documents into ordinal chunks. Output is a pure function of
// the document content, so re-indexing unchanged content yields the same
// chunk texts and hashes.
type Chunker struct {
	cfg    ChunkerConfig
	tokens *llm.TokenCounter

	initOnce sync.Once
	initErr  error
	splitter document.Transformer
}

// NewChunker creates a chunker.
func NewChunker(cfg ChunkerConfig, tokens *llm.TokenCounter) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1200
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 2
	}
	if cfg.MaxColumnsPerChunk <= 0 {
		cfg.MaxColumnsPerChunk = 40
	}
	if tokens == nil {
		tokens = llm.GetTokenCounter(llm.DefaultEncoding)
	}
	return &Chunker{cfg: cfg, tokens: tokens}
}

// Chunk splits doc into chunks. Schema documents split on structure, one
// chunk per object with wide objects split into column groups. Everything
// else goes through the recursive splitter.
func (c *Chunker) Chunk(ctx context.Context, doc *models.RagDocument) ([]models.RagChunk, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, nil
	}

	var parts []string
	if doc.DocType == models.DocTypeSchema {
		parts = c.splitSchema(doc.Content)
	} else {
		var err error
		parts, err = c.splitText(ctx, doc.Content)
		if err != nil {
			return nil, err
		}
	}

	chunks := make([]models.RagChunk, 0, len(parts))
	for i, p := range parts {
		meta := make(map[string]string, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		if len(parts) > 1 {
			meta["part"] = strconv.Itoa(i+1) + "/" + strconv.Itoa(len(parts))
		}
		chunks = append(chunks, models.RagChunk{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			Ordinal:     i,
			Content:     p,
			ContentHash: ContentHash(p),
			TokenCount:  c.tokens.Count(p),
			Metadata:    meta,
		})
	}
	return chunks, nil
}

// splitSchema expects a header block, a blank line, then one line per column.
func (c *Chunker) splitSchema(content string) []string {
	header, body, found := strings.Cut(content, "\n\n")
	if !found {
		return []string{content}
	}
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) <= c.cfg.MaxColumnsPerChunk {
		return []string{content}
	}

	var parts []string
	for start := 0; start < len(lines); start += c.cfg.MaxColumnsPerChunk {
		end := min(start+c.cfg.MaxColumnsPerChunk, len(lines))
		parts = append(parts, header+"\n\n"+strings.Join(lines[start:end], "\n"))
	}
	return parts
}

func (c *Chunker) splitText(ctx context.Context, content string) ([]string, error) {
	if len([]rune(content)) <= c.cfg.ChunkSize {
		return []string{content}, nil
	}

	c.initOnce.Do(func() {
		c.splitter, c.initErr = recursive.NewSplitter(ctx, &recursive.Config{
			ChunkSize:   c.cfg.ChunkSize,
			OverlapSize: c.cfg.ChunkOverlap,
			Separators:  []string{"\n\n", "\n", ". ", "; ", ", ", " "},
			LenFunc: func(s string) int {
				return len([]rune(s))
			},
			KeepType: recursive.KeepTypeEnd,
		})
	})
	if c.initErr != nil {
		return nil, fmt.Errorf("init splitter: %w", c.initErr)
	}

	frags, err := c.splitter.Transform(ctx, []*schema.Document{{Content: content}})
	if err != nil {
		return nil, fmt.Errorf("split document: %w", err)
	}
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if f == nil || strings.TrimSpace(f.Content) == "" {
			continue
		}
		parts = append(parts, f.Content)
	}
	return parts, nil
}

package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/prompts"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
)

// KnowledgeReader reads the curated knowledge the assembler draws from.
type KnowledgeReader interface {
	GetCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
	ListSemanticMappings(ctx context.Context, dataSourceID uuid.UUID) ([]models.SemanticMapping, error)
	ListJoinPolicies(ctx context.Context, dataSourceID uuid.UUID) ([]models.JoinPolicy, error)
	ListSynonyms(ctx context.Context, dataSourceID uuid.UUID) ([]models.Synonym, error)
}

// Retriever serves ranked chunks for a question.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// AssemblerConfig bounds the generation context.
type AssemblerConfig struct {
	TokenBudget      int
	MinSynonymWeight float64
	// SmallCatalogSize is the object count up to which every object is
	// included when nothing in the question matches.
	SmallCatalogSize int
	RetrievalK       int
	// StoreTimeout bounds each knowledge load; RetrievalTimeout bounds the
	// retrieval call. A retrieval timeout degrades the context.
	StoreTimeout     time.Duration
	RetrievalTimeout time.Duration
}

// DefaultAssemblerConfig returns the defaults used when fields are zero.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		TokenBudget:      6000,
		MinSynonymWeight: 0.5,
		SmallCatalogSize: 25,
		RetrievalK:       8,
		StoreTimeout:     10 * time.Second,
		RetrievalTimeout: 5 * time.Second,
	}
}

// AssemblyInput is the snapshot an assembled context is derived from.
type AssemblyInput struct {
	Question         string
	Catalog          *models.Catalog
	SemanticMappings []models.SemanticMapping
	JoinPolicies     []models.JoinPolicy
	Synonyms         []models.Synonym
	Retrieval        *retrieval.Result
}

// AssembledExample is a few-shot example surfaced by retrieval.
type AssembledExample struct {
	Question string
	SQL      string
	Quality  float64
}

// AssembledContext is the bounded context handed to the SQL generator.
type AssembledContext struct {
	Tables           []models.CatalogObject
	Relationships    []models.Relationship
	JoinPolicies     []models.JoinPolicy
	Synonyms         []models.Synonym
	SemanticMappings []models.SemanticMapping
	Examples         []AssembledExample
	Chunks           []retrieval.RankedChunk
	TokenCount       int
	TokenBudget      int
	Truncated        bool
	AllowedObjects   []string
	// Degraded means retrieval ran without the vector signal.
	Degraded bool
	// Catalog is the full snapshot the context was cut from; the validator
	// checks generated SQL against it.
	Catalog *models.Catalog
}

// ContextAssembler selects the catalog slice, curated knowledge and
// retrieved chunks relevant to a question and fits them into a token budget.
type ContextAssembler struct {
	store     KnowledgeReader
	retriever Retriever
	tokens    *llm.TokenCounter
	cfg       AssemblerConfig
	logger    *zap.Logger
}

// NewContextAssembler creates an assembler. A nil retriever assembles from
// the catalog alone.
func NewContextAssembler(store KnowledgeReader, retriever Retriever, tokens *llm.TokenCounter, cfg AssemblerConfig, logger *zap.Logger) *ContextAssembler {
	def := DefaultAssemblerConfig()
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.SmallCatalogSize <= 0 {
		cfg.SmallCatalogSize = def.SmallCatalogSize
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = def.RetrievalK
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = def.RetrievalTimeout
	}
	if tokens == nil {
		tokens = llm.GetTokenCounter(llm.DefaultEncoding)
	}
	return &ContextAssembler{
		store:     store,
		retriever: retriever,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger.Named("assembler"),
	}
}

// Build loads the knowledge of a data source, retrieves chunks for the
// question and assembles them. Retrieval failures and timeouts degrade to a
// catalog-only context instead of failing the session.
func (a *ContextAssembler) Build(ctx context.Context, dataSourceID uuid.UUID, question string) (*AssembledContext, error) {
	catalog, err := withTimeout(ctx, a.cfg.StoreTimeout, func(ctx context.Context) (*models.Catalog, error) {
		return a.store.GetCatalog(ctx, dataSourceID)
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	mappings, err := withTimeout(ctx, a.cfg.StoreTimeout, func(ctx context.Context) ([]models.SemanticMapping, error) {
		return a.store.ListSemanticMappings(ctx, dataSourceID)
	})
	if err != nil {
		return nil, fmt.Errorf("load semantic mappings: %w", err)
	}
	policies, err := withTimeout(ctx, a.cfg.StoreTimeout, func(ctx context.Context) ([]models.JoinPolicy, error) {
		return a.store.ListJoinPolicies(ctx, dataSourceID)
	})
	if err != nil {
		return nil, fmt.Errorf("load join policies: %w", err)
	}
	synonyms, err := withTimeout(ctx, a.cfg.StoreTimeout, func(ctx context.Context) ([]models.Synonym, error) {
		return a.store.ListSynonyms(ctx, dataSourceID)
	})
	if err != nil {
		return nil, fmt.Errorf("load synonyms: %w", err)
	}

	in := AssemblyInput{
		Question:         question,
		Catalog:          catalog,
		SemanticMappings: mappings,
		JoinPolicies:     policies,
		Synonyms:         synonyms,
	}

	if a.retriever != nil {
		res, err := withTimeout(ctx, a.cfg.RetrievalTimeout, func(ctx context.Context) (*retrieval.Result, error) {
			return a.retriever.Retrieve(ctx, retrieval.Query{Text: question, K: a.cfg.RetrievalK, DataSourceID: dataSourceID})
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("Retrieval failed, assembling from catalog only",
				zap.String("data_source_id", dataSourceID.String()),
				zap.Error(err))
			res = &retrieval.Result{Degraded: true}
		}
		in.Retrieval = res
	}

	return a.Assemble(in), nil
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

type scoredObject struct {
	obj   *models.CatalogObject
	score float64
}

// Assemble is deterministic for a given input.
func (a *ContextAssembler) Assemble(in AssemblyInput) *AssembledContext {
	out := &AssembledContext{TokenBudget: a.cfg.TokenBudget, Catalog: in.Catalog}
	if in.Retrieval != nil {
		out.Degraded = in.Retrieval.Degraded
	}

	terms := termSet(in.Question)
	selected := a.selectObjects(in, terms)

	selectedNames := make(map[string]bool, len(selected))
	for _, s := range selected {
		selectedNames[s.obj.QualifiedName()] = true
	}

	for _, s := range selected {
		out.Tables = append(out.Tables, *s.obj)
	}
	out.SemanticMappings = a.selectMappings(in, terms, selectedNames)

	for _, syn := range in.Synonyms {
		if syn.Weight >= a.cfg.MinSynonymWeight {
			out.Synonyms = append(out.Synonyms, syn)
		}
	}
	sort.SliceStable(out.Synonyms, func(i, j int) bool {
		if out.Synonyms[i].Weight != out.Synonyms[j].Weight {
			return out.Synonyms[i].Weight > out.Synonyms[j].Weight
		}
		return out.Synonyms[i].Term < out.Synonyms[j].Term
	})

	if in.Retrieval != nil {
		seenExamples := make(map[string]bool)
		for _, ch := range in.Retrieval.Chunks {
			if ch.DocType == models.DocTypeExample {
				// Long examples span several chunks; surface each once.
				if ex, ok := exampleFromChunk(ch); ok && !seenExamples[ex.SQL] {
					seenExamples[ex.SQL] = true
					out.Examples = append(out.Examples, ex)
				}
				continue
			}
			out.Chunks = append(out.Chunks, ch)
		}
	}

	a.relink(out, in)
	a.fitBudget(out, in)
	return out
}

// selectObjects scores every catalog object against the question and the
// retrieved chunks. Objects are ordered by descending relevance.
func (a *ContextAssembler) selectObjects(in AssemblyInput, terms map[string]bool) []scoredObject {
	if in.Catalog == nil {
		return nil
	}

	scores := make(map[string]float64)
	add := func(obj *models.CatalogObject, s float64) {
		if obj != nil {
			scores[obj.QualifiedName()] += s
		}
	}

	for i := range in.Catalog.Objects {
		obj := &in.Catalog.Objects[i]
		if phraseMatches(obj.Name, terms) {
			add(obj, 3)
		}
		if obj.BusinessName != "" && phraseMatches(obj.BusinessName, terms) {
			add(obj, 2)
		}
		for _, col := range obj.Columns {
			if phraseMatches(col.Name, terms) {
				add(obj, 0.5)
				break
			}
		}
	}
	for _, syn := range in.Synonyms {
		if syn.Weight >= a.cfg.MinSynonymWeight && phraseMatches(syn.Term, terms) {
			add(resolveTarget(in.Catalog, syn.Target), 2*syn.Weight)
		}
	}
	for _, m := range in.SemanticMappings {
		if phraseMatches(m.Term, terms) {
			add(resolveTarget(in.Catalog, m.Target), 2)
		}
	}
	if in.Retrieval != nil {
		for _, ch := range in.Retrieval.Chunks {
			for _, ref := range splitObjects(ch.Chunk.Metadata[models.ChunkMetaObjects]) {
				add(resolveTarget(in.Catalog, ref), 1/float64(ch.Rank+1))
			}
		}
	}

	if len(scores) == 0 {
		if len(in.Catalog.Objects) > a.cfg.SmallCatalogSize {
			return nil
		}
		all := make([]scoredObject, 0, len(in.Catalog.Objects))
		for i := range in.Catalog.Objects {
			all = append(all, scoredObject{obj: &in.Catalog.Objects[i]})
		}
		sortScoredObjects(all)
		return all
	}

	// One-hop neighbours make join paths visible; they rank below every
	// directly matched object.
	for _, rel := range in.Catalog.Relationships {
		from := rel.FromSchema + "." + rel.FromTable
		to := rel.ToSchema + "." + rel.ToTable
		if scores[from] >= 1 && scores[to] == 0 {
			scores[to] = 0.1
		}
		if scores[to] >= 1 && scores[from] == 0 {
			scores[from] = 0.1
		}
	}

	var out []scoredObject
	for i := range in.Catalog.Objects {
		obj := &in.Catalog.Objects[i]
		if s, ok := scores[obj.QualifiedName()]; ok && s > 0 {
			out = append(out, scoredObject{obj: obj, score: s})
		}
	}
	sortScoredObjects(out)
	return out
}

func sortScoredObjects(objs []scoredObject) {
	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].score != objs[j].score {
			return objs[i].score > objs[j].score
		}
		return objs[i].obj.QualifiedName() < objs[j].obj.QualifiedName()
	})
}

func (a *ContextAssembler) selectMappings(in AssemblyInput, terms map[string]bool, selected map[string]bool) []models.SemanticMapping {
	var out []models.SemanticMapping
	for _, m := range in.SemanticMappings {
		obj := resolveTarget(in.Catalog, m.Target)
		if phraseMatches(m.Term, terms) || (obj != nil && selected[obj.QualifiedName()]) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// relink derives relationships, join policies and the allowed object list
// from the current table selection.
func (a *ContextAssembler) relink(out *AssembledContext, in AssemblyInput) {
	selected := make(map[string]bool, len(out.Tables))
	out.AllowedObjects = out.AllowedObjects[:0]
	for i := range out.Tables {
		name := out.Tables[i].QualifiedName()
		selected[name] = true
		out.AllowedObjects = append(out.AllowedObjects, name)
	}
	sort.Strings(out.AllowedObjects)

	out.Relationships = nil
	out.JoinPolicies = nil
	if in.Catalog == nil {
		return
	}
	for _, rel := range in.Catalog.Relationships {
		if selected[rel.FromSchema+"."+rel.FromTable] && selected[rel.ToSchema+"."+rel.ToTable] {
			out.Relationships = append(out.Relationships, rel)
		}
	}
	for _, p := range in.JoinPolicies {
		if !p.Approved {
			continue
		}
		left := resolveTarget(in.Catalog, p.LeftTable)
		right := resolveTarget(in.Catalog, p.RightTable)
		if left != nil && right != nil && selected[left.QualifiedName()] && selected[right.QualifiedName()] {
			out.JoinPolicies = append(out.JoinPolicies, p)
		}
	}
	sort.SliceStable(out.JoinPolicies, func(i, j int) bool { return out.JoinPolicies[i].Name < out.JoinPolicies[j].Name })
}

// fitBudget drops items until the context fits the token budget: lowest
// ranked chunks first, then examples, then the weakest synonyms, then the
// least relevant tables. The most relevant table is always kept.
func (a *ContextAssembler) fitBudget(out *AssembledContext, in AssemblyInput) {
	for {
		out.TokenCount = a.count(out, in.Question)
		if out.TokenCount <= out.TokenBudget {
			return
		}
		switch {
		case len(out.Chunks) > 0:
			out.Chunks = out.Chunks[:len(out.Chunks)-1]
		case len(out.Examples) > 0:
			out.Examples = out.Examples[:len(out.Examples)-1]
		case len(out.Synonyms) > 0:
			out.Synonyms = out.Synonyms[:len(out.Synonyms)-1]
		case len(out.Tables) > 1:
			out.Tables = out.Tables[:len(out.Tables)-1]
			a.relink(out, in)
		default:
			out.Truncated = true
			return
		}
		out.Truncated = true
	}
}

func (a *ContextAssembler) count(out *AssembledContext, question string) int {
	return a.tokens.Count(prompts.BuildSQLGenerationPrompt(out.PromptInput(question, nil)))
}

// PromptInput renders the context into the generation prompt input.
func (c *AssembledContext) PromptInput(question string, hints []string) prompts.SQLGenerationInput {
	in := prompts.SQLGenerationInput{Question: question, Hints: hints}

	fkTargets := make(map[string]string)
	for _, rel := range c.Relationships {
		fkTargets[rel.FromSchema+"."+rel.FromTable+"."+rel.FromColumn] = rel.ToSchema + "." + rel.ToTable + "." + rel.ToColumn
		card := ""
		if rel.Cardinality != "" {
			card = " (" + rel.Cardinality + ")"
		}
		in.Relationships = append(in.Relationships, fmt.Sprintf("%s.%s.%s → %s.%s.%s%s",
			rel.FromSchema, rel.FromTable, rel.FromColumn, rel.ToSchema, rel.ToTable, rel.ToColumn, card))
	}

	for _, obj := range c.Tables {
		tc := prompts.TableContext{
			Name:         obj.QualifiedName(),
			Kind:         string(obj.Kind),
			BusinessName: obj.BusinessName,
			Description:  obj.Description,
			RowCount:     obj.RowEstimate,
		}
		for _, col := range obj.Columns {
			tc.Columns = append(tc.Columns, prompts.ColumnContext{
				Name:             col.Name,
				DataType:         col.DataType,
				IsNullable:       col.IsNullable,
				IsPrimaryKey:     col.IsPrimaryKey,
				ForeignKeyTarget: fkTargets[obj.QualifiedName()+"."+col.Name],
				Description:      col.Description,
			})
		}
		in.Tables = append(in.Tables, tc)
	}

	for _, p := range c.JoinPolicies {
		in.JoinPolicies = append(in.JoinPolicies, prompts.JoinContext{Name: p.Name, Left: p.LeftTable, Right: p.RightTable, Condition: p.Condition})
	}
	for _, m := range c.SemanticMappings {
		in.Terms = append(in.Terms, prompts.TermContext{Term: m.Term, Target: m.Target, Expression: m.Expression, Description: m.Description})
	}
	for _, s := range c.Synonyms {
		in.Synonyms = append(in.Synonyms, prompts.TermContext{Term: s.Term, Target: s.Target})
	}
	for _, ex := range c.Examples {
		in.Examples = append(in.Examples, prompts.ExampleContext{Question: ex.Question, SQL: ex.SQL})
	}
	for _, ch := range c.Chunks {
		in.Notes = append(in.Notes, ch.Chunk.Content)
	}
	return in
}

func termSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range retrieval.Tokenize(text) {
		set[t] = true
	}
	return set
}

// phraseMatches reports whether every token of phrase occurs in terms.
// Tokens are singularized, so "customers" matches a "customer" table.
func phraseMatches(phrase string, terms map[string]bool) bool {
	tokens := retrieval.Tokenize(phrase)
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if !terms[t] {
			return false
		}
	}
	return true
}

// resolveTarget maps "schema.table", "schema.table.column", "table.column"
// or "table" onto a catalog object.
func resolveTarget(catalog *models.Catalog, target string) *models.CatalogObject {
	parts := strings.Split(strings.TrimSpace(target), ".")
	var obj *models.CatalogObject
	var ok bool
	switch len(parts) {
	case 1:
		obj, ok = catalog.FindObject("", parts[0])
	case 2:
		if obj, ok = catalog.FindObject(parts[0], parts[1]); !ok {
			obj, ok = catalog.FindObject("", parts[0])
		}
	default:
		obj, ok = catalog.FindObject(parts[0], parts[1])
	}
	if !ok {
		return nil
	}
	return obj
}

func splitObjects(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func exampleFromChunk(ch retrieval.RankedChunk) (AssembledExample, bool) {
	meta := ch.Chunk.Metadata
	if meta[models.ChunkMetaSQL] == "" {
		return AssembledExample{}, false
	}
	quality, err := strconv.ParseFloat(meta[models.ChunkMetaQuality], 64)
	if err != nil {
		quality = 0
	}
	return AssembledExample{
		Question: meta[models.ChunkMetaQuestion],
		SQL:      meta[models.ChunkMetaSQL],
		Quality:  quality,
	}, true
}

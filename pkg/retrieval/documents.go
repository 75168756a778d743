package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Source key prefixes. A document's source key is stable across reindexes so
// the hash guard can recognise unchanged content.
const (
	sourceKeyObject   = "object:"
	sourceKeySemantic = "semantic:"
	sourceKeyPolicy   = "policy:"
	sourceKeyExample  = "example:"
)

// BuildDocuments renders the curated knowledge of a data source as retrieval
// documents: one schema document per catalog object, one per semantic
// mapping, one per approved join policy and one per example.
func BuildDocuments(ctx context.Context, src ContextSource, dataSourceID uuid.UUID) ([]*models.RagDocument, error) {
	catalog, err := src.GetCatalog(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	mappings, err := src.ListSemanticMappings(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load semantic mappings: %w", err)
	}
	policies, err := src.ListJoinPolicies(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load join policies: %w", err)
	}
	examples, err := src.ListExamples(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load examples: %w", err)
	}

	var docs []*models.RagDocument
	if catalog != nil {
		for i := range catalog.Objects {
			docs = append(docs, SchemaDocument(dataSourceID, &catalog.Objects[i], catalog.Relationships))
		}
	}
	for _, m := range mappings {
		docs = append(docs, SemanticDocument(dataSourceID, m))
	}
	for _, p := range policies {
		if !p.Approved {
			continue
		}
		docs = append(docs, PolicyDocument(dataSourceID, p))
	}
	for i := range examples {
		docs = append(docs, ExampleDocument(&examples[i]))
	}
	return docs, nil
}

// SchemaDocument describes one table or view. The header block is followed by
// a blank line and one line per column, which is what the chunker splits on.
func SchemaDocument(dataSourceID uuid.UUID, obj *models.CatalogObject, rels []models.Relationship) *models.RagDocument {
	qn := obj.QualifiedName()
	objects := []string{qn}

	var b strings.Builder
	label := "Table"
	if obj.Kind == models.ObjectKindView {
		label = "View"
	}
	fmt.Fprintf(&b, "%s %s", label, qn)
	if obj.BusinessName != "" {
		fmt.Fprintf(&b, " (%s)", obj.BusinessName)
	}
	if obj.Description != "" {
		fmt.Fprintf(&b, "\n%s", obj.Description)
	}
	for _, r := range rels {
		from := r.FromSchema + "." + r.FromTable
		to := r.ToSchema + "." + r.ToTable
		switch {
		case strings.EqualFold(from, qn):
			fmt.Fprintf(&b, "\nJoins %s on %s.%s = %s.%s", to, r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
			objects = append(objects, to)
		case strings.EqualFold(to, qn):
			fmt.Fprintf(&b, "\nJoined from %s on %s.%s = %s.%s", from, r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
			objects = append(objects, from)
		}
	}
	b.WriteString("\n\n")
	for _, col := range obj.Columns {
		fmt.Fprintf(&b, "- %s %s", col.Name, col.DataType)
		if col.IsPrimaryKey {
			b.WriteString(" primary key")
		}
		if col.Description != "" {
			fmt.Fprintf(&b, ": %s", col.Description)
		}
		b.WriteString("\n")
	}

	title := qn
	if obj.BusinessName != "" {
		title = obj.BusinessName + " (" + qn + ")"
	}
	return &models.RagDocument{
		DataSourceID: dataSourceID,
		DocType:      models.DocTypeSchema,
		SourceKey:    sourceKeyObject + qn,
		Title:        title,
		Content:      strings.TrimRight(b.String(), "\n"),
		Metadata:     map[string]string{models.ChunkMetaObjects: joinUnique(objects)},
	}
}

// SemanticDocument describes a business term.
func SemanticDocument(dataSourceID uuid.UUID, m models.SemanticMapping) *models.RagDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Term: %s\nMeans: %s", m.Term, m.Target)
	if m.Expression != "" {
		fmt.Fprintf(&b, "\nExpression: %s", m.Expression)
	}
	if m.Description != "" {
		fmt.Fprintf(&b, "\n%s", m.Description)
	}
	return &models.RagDocument{
		DataSourceID: dataSourceID,
		DocType:      models.DocTypeSemantic,
		SourceKey:    sourceKeySemantic + strings.ToLower(m.Term),
		Title:        m.Term,
		Content:      b.String(),
		Metadata:     map[string]string{models.ChunkMetaObjects: objectOf(m.Target)},
	}
}

// PolicyDocument describes an approved join path.
func PolicyDocument(dataSourceID uuid.UUID, p models.JoinPolicy) *models.RagDocument {
	return &models.RagDocument{
		DataSourceID: dataSourceID,
		DocType:      models.DocTypePolicy,
		SourceKey:    sourceKeyPolicy + p.Name,
		Title:        p.Name,
		Content:      fmt.Sprintf("Approved join %s: %s JOIN %s ON %s", p.Name, p.LeftTable, p.RightTable, p.Condition),
		Metadata:     map[string]string{models.ChunkMetaObjects: joinUnique([]string{p.LeftTable, p.RightTable})},
	}
}

// ExampleDocument describes a question/SQL pair. The quality score rides in
// metadata so ranking can boost good examples.
func ExampleDocument(ex *models.Example) *models.RagDocument {
	return &models.RagDocument{
		DataSourceID: ex.DataSourceID,
		DocType:      models.DocTypeExample,
		SourceKey:    sourceKeyExample + ex.ID.String(),
		Title:        ex.Question,
		Content:      "Question: " + ex.Question + "\nSQL:\n" + ex.SQL,
		Metadata: map[string]string{
			models.ChunkMetaQuestion: ex.Question,
			models.ChunkMetaSQL:      ex.SQL,
			models.ChunkMetaQuality:  strconv.FormatFloat(ex.QualityScore, 'f', 3, 64),
		},
	}
}

// objectOf trims a column target (schema.table.column) to its object.
func objectOf(target string) string {
	parts := strings.Split(target, ".")
	if len(parts) >= 3 {
		return parts[0] + "." + parts[1]
	}
	return target
}

func joinUnique(items []string) string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		key := strings.ToLower(it)
		if _, ok := seen[key]; ok || it == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Package prompts builds the versioned LLM prompts used by the pipeline.
package prompts

import (
	"fmt"
	"strings"
)

// SQLGenerationVersion identifies the prompt template. It is recorded on
// every attempt so results can be traced to the template that produced them.
const SQLGenerationVersion = "sqlgen-v1"

// TableContext provides schema context for one catalog object.
type TableContext struct {
	Name         string // schema-qualified
	Kind         string
	BusinessName string
	Description  string
	RowCount     *int64
	Columns      []ColumnContext
}

// ColumnContext provides column details for generation.
type ColumnContext struct {
	Name             string
	DataType         string
	IsNullable       bool
	IsPrimaryKey     bool
	ForeignKeyTarget string // "schema.table.column" if known FK
	Description      string
}

// JoinContext is an approved join path.
type JoinContext struct {
	Name      string
	Left      string
	Right     string
	Condition string
}

// TermContext maps a business term onto the catalog.
type TermContext struct {
	Term        string
	Target      string
	Expression  string
	Description string
}

// ExampleContext is a question/SQL pair shown as a few-shot hint.
type ExampleContext struct {
	Question string
	SQL      string
}

// SQLGenerationInput is everything the generation prompt renders.
type SQLGenerationInput struct {
	Question      string
	Dialect       string
	Tables        []TableContext
	Relationships []string
	JoinPolicies  []JoinContext
	Terms         []TermContext
	Synonyms      []TermContext
	Examples      []ExampleContext
	Notes         []string
	// Hints explain why earlier attempts were not accepted.
	Hints []string
}

// BuildSQLGenerationPrompt renders the user message for SQL generation.
func BuildSQLGenerationPrompt(in SQLGenerationInput) string {
	var prompt strings.Builder

	dialect := in.Dialect
	if dialect == "" {
		dialect = "PostgreSQL"
	}

	prompt.WriteString("# Question\n\n")
	prompt.WriteString(in.Question)
	prompt.WriteString("\n\n")

	prompt.WriteString("## Database Schema\n\n")
	for _, table := range in.Tables {
		prompt.WriteString(fmt.Sprintf("### %s", table.Name))
		if table.Kind == "view" {
			prompt.WriteString(" (view)")
		}
		prompt.WriteString("\n")
		if table.BusinessName != "" {
			prompt.WriteString(fmt.Sprintf("Business name: %s\n", table.BusinessName))
		}
		if table.Description != "" {
			prompt.WriteString(fmt.Sprintf("Description: %s\n", table.Description))
		}
		if table.RowCount != nil {
			prompt.WriteString(fmt.Sprintf("Row count: ~%d\n", *table.RowCount))
		}
		prompt.WriteString("Columns:\n")
		for _, col := range table.Columns {
			flags := ""
			if col.IsPrimaryKey {
				flags += " [PK]"
			}
			if col.ForeignKeyTarget != "" {
				flags += fmt.Sprintf(" [FK→%s]", col.ForeignKeyTarget)
			}
			if col.IsNullable {
				flags += " (nullable)"
			}
			desc := ""
			if col.Description != "" {
				desc = " -- " + col.Description
			}
			prompt.WriteString(fmt.Sprintf("- %s (%s)%s%s\n", col.Name, col.DataType, flags, desc))
		}
		prompt.WriteString("\n")
	}

	if len(in.Relationships) > 0 {
		prompt.WriteString("## Relationships\n\n")
		for _, r := range in.Relationships {
			prompt.WriteString(fmt.Sprintf("- %s\n", r))
		}
		prompt.WriteString("\n")
	}

	if len(in.JoinPolicies) > 0 {
		prompt.WriteString("## Approved Joins\n\n")
		prompt.WriteString("Prefer these join conditions when joining the listed tables:\n")
		for _, j := range in.JoinPolicies {
			prompt.WriteString(fmt.Sprintf("- %s: %s ⋈ %s ON %s\n", j.Name, j.Left, j.Right, j.Condition))
		}
		prompt.WriteString("\n")
	}

	if len(in.Terms) > 0 {
		prompt.WriteString("## Business Terms\n\n")
		for _, t := range in.Terms {
			line := fmt.Sprintf("- **%s** → %s", t.Term, t.Target)
			if t.Expression != "" {
				line += fmt.Sprintf(" (computed as `%s`)", t.Expression)
			}
			if t.Description != "" {
				line += ": " + t.Description
			}
			prompt.WriteString(line + "\n")
		}
		prompt.WriteString("\n")
	}

	if len(in.Synonyms) > 0 {
		prompt.WriteString("## Synonyms\n\n")
		for _, s := range in.Synonyms {
			prompt.WriteString(fmt.Sprintf("- \"%s\" means %s\n", s.Term, s.Target))
		}
		prompt.WriteString("\n")
	}

	if len(in.Examples) > 0 {
		prompt.WriteString("## Examples\n\n")
		for _, ex := range in.Examples {
			prompt.WriteString(fmt.Sprintf("Question: %s\n", ex.Question))
			prompt.WriteString("```sql\n")
			prompt.WriteString(ex.SQL)
			prompt.WriteString("\n```\n\n")
		}
	}

	if len(in.Notes) > 0 {
		prompt.WriteString("## Additional Context\n\n")
		for _, n := range in.Notes {
			prompt.WriteString(n)
			prompt.WriteString("\n\n")
		}
	}

	if len(in.Hints) > 0 {
		prompt.WriteString("## Previous Attempts\n\n")
		prompt.WriteString("Earlier queries for this question were not accepted. Fix these problems:\n")
		for _, h := range in.Hints {
			prompt.WriteString(fmt.Sprintf("- %s\n", h))
		}
		prompt.WriteString("\n")
	}

	prompt.WriteString("## Rules\n\n")
	prompt.WriteString(fmt.Sprintf("- Write exactly one %s SELECT statement.\n", dialect))
	prompt.WriteString("- Never modify data or schema (no INSERT, UPDATE, DELETE, DDL, or locking clauses).\n")
	prompt.WriteString("- Use only the tables and columns listed above, schema-qualified.\n")
	prompt.WriteString("- Add a LIMIT when the question does not ask for every row.\n")
	prompt.WriteString("- Do not use query parameters ($1); inline literal values.\n\n")

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with:\n")
	prompt.WriteString("- `sql`: The SQL statement\n")
	prompt.WriteString("- `rationale`: Brief explanation (1-2 sentences)\n")
	prompt.WriteString("- `citations`: Array of schema-qualified tables the query reads\n")
	prompt.WriteString("- `confidence`: 0.0-1.0 (how confident you are that the query answers the question)\n\n")

	prompt.WriteString("Example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{
  "sql": "SELECT c.name, sum(o.total) AS revenue FROM shop.customers c JOIN shop.orders o ON o.customer_id = c.id GROUP BY c.name ORDER BY revenue DESC LIMIT 5",
  "rationale": "Revenue is the sum of order totals per customer.",
  "citations": ["shop.customers", "shop.orders"],
  "confidence": 0.9
}
`)
	prompt.WriteString("```\n\n")

	prompt.WriteString("Return ONLY the JSON, no additional text.\n")

	return prompt.String()
}

// BuildSQLGenerationSystemMessage returns the system message for the LLM.
func BuildSQLGenerationSystemMessage() string {
	return `You are a careful data analyst who translates questions into read-only SQL. You only use the schema you are given and you never write queries that modify data.`
}

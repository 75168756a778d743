// Package sql validates generated SQL against the read-only dialect subset
// and a data source catalog.
package sql

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Options configures a Validator.
type Options struct {
	// AllowedFunctions extends the built-in allow-list of pg_catalog
	// functions. Functions outside pg_catalog are listed schema-qualified,
	// e.g. analytics.fiscal_quarter.
	AllowedFunctions []string
	// DeniedFunctions extends the built-in deny-list. Denials win over allows.
	DeniedFunctions []string
}

// Validator checks SQL statements. It is stateless and safe for concurrent use.
type Validator struct {
	functions functionPolicy
}

// NewValidator creates a validator.
func NewValidator(opts Options) *Validator {
	return &Validator{functions: newFunctionPolicy(opts.AllowedFunctions, opts.DeniedFunctions)}
}

// readOnlyUtilityStmts are non-SELECT statements that do not modify anything
// but are still outside the supported subset.
var readOnlyUtilityStmts = map[string]bool{
	"ExplainStmt":      true,
	"VariableShowStmt": true,
}

// systemColumns exist on every table but never appear in the catalog.
var systemColumns = map[string]bool{
	"ctid": true, "xmin": true, "xmax": true, "cmin": true, "cmax": true, "tableoid": true,
}

// Validate parses sqlText and checks it against the catalog. The returned
// result is never nil; Outcome is rejected whenever Violations is non-empty.
// A nil catalog disallows every object.
func (v *Validator) Validate(sqlText string, catalog *models.Catalog) *models.ValidationResult {
	result := &models.ValidationResult{
		NormalizedSQL: stripTrailingSemicolon(strings.TrimSpace(sqlText)),
	}
	c := &collector{result: result, seen: make(map[string]bool)}

	if result.NormalizedSQL == "" {
		c.violate(models.RuleEmptyStatement, "statement is empty")
		return c.finish()
	}

	tree, err := pg_query.Parse(sqlText)
	if err != nil {
		c.violate(models.RuleUnparseable, "statement could not be parsed")
		scanForWriteKeywords(sqlText, c)
		return c.finish()
	}

	stmts := tree.GetStmts()
	if len(stmts) == 0 {
		c.violate(models.RuleEmptyStatement, "statement is empty")
		return c.finish()
	}
	if len(stmts) > 1 {
		c.violate(models.RuleMultipleStatements,
			fmt.Sprintf("found %d statements; only one is allowed", len(stmts)))
	}

	w := newWalkState()
	w.walk(tree.ProtoReflect(), func(m protoreflect.Message) { w.visit(m, c, v.functions) })

	if top := stmts[0].GetStmt().GetSelectStmt(); top != nil {
		result.HasLimit = top.GetLimitCount() != nil
	}

	v.checkObjects(w, catalog, c)
	v.checkColumns(w, c)

	return c.finish()
}

// collector accumulates violations and warnings without duplicates.
type collector struct {
	result *models.ValidationResult
	seen   map[string]bool
}

func (c *collector) violate(rule, detail string) {
	key := rule + "\x00" + detail
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.result.Violations = append(c.result.Violations, models.Violation{Rule: rule, Detail: detail})
}

func (c *collector) warn(msg string) {
	key := "warn\x00" + msg
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.result.Warnings = append(c.result.Warnings, msg)
}

func (c *collector) finish() *models.ValidationResult {
	if len(c.result.Violations) > 0 {
		c.result.Outcome = models.ValidationRejected
	} else {
		c.result.Outcome = models.ValidationValid
	}
	sort.Strings(c.result.ReferencedObjects)
	sort.Strings(c.result.ReferencedColumns)
	return c.result
}

// walk visits every message in the parse tree, depth first. A SELECT with a
// WITH clause opens a CTE scope that lasts for that SELECT only, so a CTE
// name never hides a real relation outside the query that declares it.
func (w *walkState) walk(m protoreflect.Message, visit func(protoreflect.Message)) {
	if !m.IsValid() {
		return
	}
	visit(m)
	if sel, ok := m.Interface().(*pg_query.SelectStmt); ok && sel.GetWithClause() != nil {
		w.walkWith(sel, visit)
		return
	}
	w.walkFields(m, visit, false)
}

// walkWith walks a SELECT that declares CTEs. Without RECURSIVE each CTE
// body sees only the CTEs declared before it; with RECURSIVE every name in
// the clause is visible throughout.
func (w *walkState) walkWith(sel *pg_query.SelectStmt, visit func(protoreflect.Message)) {
	with := sel.GetWithClause()
	frame := make(map[string]bool, len(with.GetCtes()))
	w.cteScopes = append(w.cteScopes, frame)
	defer func() { w.cteScopes = w.cteScopes[:len(w.cteScopes)-1] }()

	if with.GetRecursive() {
		for _, node := range with.GetCtes() {
			frame[strings.ToLower(node.GetCommonTableExpr().GetCtename())] = true
		}
	}
	for _, node := range with.GetCtes() {
		w.walk(node.ProtoReflect(), visit)
		frame[strings.ToLower(node.GetCommonTableExpr().GetCtename())] = true
	}
	w.walkFields(sel.ProtoReflect(), visit, true)
}

func (w *walkState) walkFields(m protoreflect.Message, visit func(protoreflect.Message), skipWith bool) {
	m.Range(func(fd protoreflect.FieldDescriptor, val protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			return true
		}
		if skipWith && fd.Message().Name() == "WithClause" {
			return true
		}
		switch {
		case fd.IsMap():
		case fd.IsList():
			list := val.List()
			for i := 0; i < list.Len(); i++ {
				w.walk(list.Get(i).Message(), visit)
			}
		default:
			w.walk(val.Message(), visit)
		}
		return true
	})
}

// cteInScope reports whether an unqualified relation name resolves to a CTE
// declared by an enclosing WITH clause.
func (w *walkState) cteInScope(name string) bool {
	name = strings.ToLower(name)
	for i := len(w.cteScopes) - 1; i >= 0; i-- {
		if w.cteScopes[i][name] {
			return true
		}
	}
	return false
}

type relationRef struct {
	schema string
	name   string
	alias  string
	cte    bool // resolved to an enclosing CTE, not a catalog object
}

type walkState struct {
	relations     []relationRef
	columnRefs    [][]string
	cteScopes     []map[string]bool
	selectAliases map[string]bool
	derived       bool // subqueries, set-returning functions or CTEs make unqualified columns ambiguous

	// Filled by checkObjects.
	scope      map[string]*models.CatalogObject
	referenced map[string]*models.CatalogObject
}

func newWalkState() *walkState {
	return &walkState{
		selectAliases: make(map[string]bool),
	}
}

func (w *walkState) visit(m protoreflect.Message, c *collector, functions functionPolicy) {
	switch n := m.Interface().(type) {
	case *pg_query.IntoClause:
		c.violate(models.RuleWriteOperation, "SELECT INTO creates a table")
	case *pg_query.LockingClause:
		c.violate(models.RuleDisallowedConstruct, "row locking clauses are not allowed")
	case *pg_query.ParamRef:
		c.violate(models.RuleDisallowedConstruct, "parameter placeholders are not allowed")
	case *pg_query.RangeVar:
		w.relations = append(w.relations, relationRef{
			schema: n.GetSchemaname(),
			name:   n.GetRelname(),
			alias:  n.GetAlias().GetAliasname(),
			cte:    n.GetSchemaname() == "" && w.cteInScope(n.GetRelname()),
		})
	case *pg_query.CommonTableExpr:
		w.derived = true
	case *pg_query.RangeSubselect, *pg_query.RangeFunction, *pg_query.SubLink:
		w.derived = true
	case *pg_query.ResTarget:
		if n.GetName() != "" {
			w.selectAliases[strings.ToLower(n.GetName())] = true
		}
	case *pg_query.ColumnRef:
		if parts, ok := columnRefParts(n); ok {
			w.columnRefs = append(w.columnRefs, parts)
		}
	case *pg_query.FuncCall:
		if schema, name := functionName(n); name != "" {
			if detail := functions.check(schema, name); detail != "" {
				c.violate(models.RuleDisallowedFunction, detail)
			}
		}
	case *pg_query.A_Const:
		if s := n.GetSval(); s != nil {
			if hit := CheckLiteralForInjection(s.GetSval()); hit != nil {
				c.warn(hit.Warning())
			}
		}
	default:
		name := string(m.Descriptor().Name())
		if !strings.HasSuffix(name, "Stmt") || name == "SelectStmt" || name == "RawStmt" {
			return
		}
		if readOnlyUtilityStmts[name] {
			c.violate(models.RuleDisallowedConstruct, describeStmt(name)+" is not allowed")
			return
		}
		c.violate(models.RuleWriteOperation, describeStmt(name)+" is not allowed")
	}
}

// describeStmt turns a node name such as "InsertStmt" into "INSERT".
func describeStmt(nodeName string) string {
	return strings.ToUpper(strings.TrimSuffix(nodeName, "Stmt"))
}

// columnRefParts returns the identifier parts of a column reference, or false
// for star references such as t.*.
func columnRefParts(ref *pg_query.ColumnRef) ([]string, bool) {
	fields := ref.GetFields()
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.GetAStar() != nil {
			return nil, false
		}
		s := f.GetString_()
		if s == nil {
			return nil, false
		}
		parts = append(parts, s.GetSval())
	}
	return parts, len(parts) > 0
}

// functionName returns the lower-cased schema (empty when unqualified) and
// name of a function call.
func functionName(fn *pg_query.FuncCall) (schema, name string) {
	parts := fn.GetFuncname()
	if len(parts) == 0 {
		return "", ""
	}
	name = strings.ToLower(parts[len(parts)-1].GetString_().GetSval())
	if len(parts) >= 2 {
		schema = strings.ToLower(parts[len(parts)-2].GetString_().GetSval())
	}
	return schema, name
}

// checkObjects resolves every relation against the catalog. Relations that
// resolved to an enclosing CTE during the walk are local to the query and
// skipped.
func (v *Validator) checkObjects(w *walkState, catalog *models.Catalog, c *collector) {
	scope := make(map[string]*models.CatalogObject)
	referenced := make(map[string]*models.CatalogObject)

	for _, rel := range w.relations {
		if rel.cte {
			continue
		}
		obj, ok := catalog.FindObject(rel.schema, rel.name)
		if !ok {
			name := rel.name
			if rel.schema != "" {
				name = rel.schema + "." + rel.name
			}
			c.violate(models.RuleDisallowedObject, fmt.Sprintf("object %s is not available in this data source", name))
			continue
		}
		referenced[obj.QualifiedName()] = obj
		if rel.alias != "" {
			scope[strings.ToLower(rel.alias)] = obj
		} else {
			scope[strings.ToLower(obj.Name)] = obj
			scope[strings.ToLower(obj.QualifiedName())] = obj
		}
	}

	for name := range referenced {
		c.result.ReferencedObjects = append(c.result.ReferencedObjects, name)
	}
	w.scope = scope
	w.referenced = referenced
}

// checkColumns verifies column references on known tables. Qualified
// references are checked whenever the qualifier resolves to a catalog object.
// Unqualified references are only checked when the query has no derived
// relations, since those can introduce columns the catalog does not list.
func (v *Validator) checkColumns(w *walkState, c *collector) {
	seenColumns := make(map[string]bool)
	addColumn := func(obj *models.CatalogObject, col string) {
		key := obj.QualifiedName() + "." + strings.ToLower(col)
		if !seenColumns[key] {
			seenColumns[key] = true
			c.result.ReferencedColumns = append(c.result.ReferencedColumns, key)
		}
	}

	objects := make([]*models.CatalogObject, 0, len(w.referenced))
	for _, obj := range w.referenced {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].QualifiedName() < objects[j].QualifiedName() })

	for _, parts := range w.columnRefs {
		col := parts[len(parts)-1]
		if systemColumns[strings.ToLower(col)] {
			continue
		}

		if len(parts) >= 2 {
			qualifier := strings.ToLower(parts[len(parts)-2])
			if len(parts) >= 3 {
				qualifier = strings.ToLower(parts[len(parts)-3]) + "." + qualifier
			}
			obj, ok := w.scope[qualifier]
			if !ok {
				continue
			}
			if _, ok := obj.Column(col); !ok {
				c.violate(models.RuleUnknownColumn, fmt.Sprintf("column %s does not exist on %s", col, obj.QualifiedName()))
				continue
			}
			addColumn(obj, col)
			continue
		}

		found := false
		for _, obj := range objects {
			if _, ok := obj.Column(col); ok {
				addColumn(obj, col)
				found = true
				break
			}
		}
		if found || w.derived || len(objects) == 0 || w.selectAliases[strings.ToLower(col)] {
			continue
		}
		c.violate(models.RuleUnknownColumn, fmt.Sprintf("column %s does not exist on any referenced object", col))
	}
}

// writeKeywords label an unparseable statement as a write attempt.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "COPY": true, "VACUUM": true, "REINDEX": true,
	"CLUSTER": true, "COMMENT": true, "CALL": true, "DO": true, "LOCK": true,
	"REFRESH": true, "IMPORT": true, "SECURITY": true, "REASSIGN": true,
}

// scanForWriteKeywords tokenizes statements the parser rejects. Keywords
// inside string literals and comments are separate token kinds and never match.
func scanForWriteKeywords(sqlText string, c *collector) {
	scan, err := pg_query.Scan(sqlText)
	if err != nil {
		return
	}
	for _, tok := range scan.GetTokens() {
		if tok.GetKeywordKind() == pg_query.KeywordKind_NO_KEYWORD {
			continue
		}
		start, end := int(tok.GetStart()), int(tok.GetEnd())
		if start < 0 || end > len(sqlText) || start >= end {
			continue
		}
		word := strings.ToUpper(sqlText[start:end])
		if writeKeywords[word] {
			c.violate(models.RuleWriteOperation, word+" is not allowed")
		}
	}
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace after it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")

	for strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}

	return sqlQuery
}

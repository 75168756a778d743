package models

import (
	"strings"

	"github.com/google/uuid"
)

// ObjectKind distinguishes queryable relations.
type ObjectKind string

const (
	ObjectKindTable ObjectKind = "table"
	ObjectKindView  ObjectKind = "view"
)

// Catalog is the schema snapshot of one data source.
type Catalog struct {
	DataSourceID  uuid.UUID       `json:"data_source_id"`
	Objects       []CatalogObject `json:"objects"`
	Relationships []Relationship  `json:"relationships,omitempty"`
	Indexes       []CatalogIndex  `json:"indexes,omitempty"`
}

// CatalogObject is a table or view with its columns.
type CatalogObject struct {
	Schema       string          `json:"schema"`
	Name         string          `json:"name"`
	Kind         ObjectKind      `json:"kind"`
	BusinessName string          `json:"business_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	RowEstimate  *int64          `json:"row_estimate,omitempty"`
	Columns      []CatalogColumn `json:"columns"`
}

// QualifiedName returns schema.name.
func (o *CatalogObject) QualifiedName() string {
	return o.Schema + "." + o.Name
}

// Column returns the named column, matching case-insensitively.
func (o *CatalogObject) Column(name string) (*CatalogColumn, bool) {
	for i := range o.Columns {
		if strings.EqualFold(o.Columns[i].Name, name) {
			return &o.Columns[i], true
		}
	}
	return nil, false
}

// CatalogColumn describes one column of a catalog object.
type CatalogColumn struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	IsNullable   bool   `json:"is_nullable"`
	Description  string `json:"description,omitempty"`
}

// Relationship is a foreign-key style link between two columns.
type Relationship struct {
	FromSchema  string `json:"from_schema"`
	FromTable   string `json:"from_table"`
	FromColumn  string `json:"from_column"`
	ToSchema    string `json:"to_schema"`
	ToTable     string `json:"to_table"`
	ToColumn    string `json:"to_column"`
	Cardinality string `json:"cardinality,omitempty"`
}

// CatalogIndex is an index on a catalog object.
type CatalogIndex struct {
	Schema  string   `json:"schema"`
	Table   string   `json:"table"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// FindObject resolves a relation by optional schema and name. An empty schema
// searches all schemas, preferring "public".
func (c *Catalog) FindObject(schema, name string) (*CatalogObject, bool) {
	if c == nil {
		return nil, false
	}
	var match *CatalogObject
	for i := range c.Objects {
		obj := &c.Objects[i]
		if !strings.EqualFold(obj.Name, name) {
			continue
		}
		if schema != "" {
			if strings.EqualFold(obj.Schema, schema) {
				return obj, true
			}
			continue
		}
		if obj.Schema == "public" {
			return obj, true
		}
		if match == nil {
			match = obj
		}
	}
	return match, match != nil
}

// SemanticMapping maps a business term onto a catalog object, column or expression.
type SemanticMapping struct {
	Term        string `json:"term"`
	Target      string `json:"target"`
	Expression  string `json:"expression,omitempty"`
	Description string `json:"description,omitempty"`
}

// JoinPolicy is a curated join path between two tables.
type JoinPolicy struct {
	Name       string `json:"name"`
	LeftTable  string `json:"left_table"`
	RightTable string `json:"right_table"`
	Condition  string `json:"condition"`
	Approved   bool   `json:"approved"`
}

// Synonym maps an alternate term onto a catalog target with a confidence weight.
type Synonym struct {
	Term   string  `json:"term"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

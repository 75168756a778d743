package postgres

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
)

// largeScanRows is the estimated row count above which a sequential scan is
// worth mentioning in a hint.
const largeScanRows = 10000

type explainDoc struct {
	Plan planNode `json:"Plan"`
}

type planNode struct {
	NodeType     string     `json:"Node Type"`
	RelationName string     `json:"Relation Name"`
	Schema       string     `json:"Schema"`
	TotalCost    float64    `json:"Total Cost"`
	PlanRows     float64    `json:"Plan Rows"`
	PlanWidth    int        `json:"Plan Width"`
	SortKey      []string   `json:"Sort Key"`
	Plans        []planNode `json:"Plans"`
}

// parseExplainJSON summarises EXPLAIN (FORMAT JSON) output.
func parseExplainJSON(raw string) (*datasource.PlanEstimate, error) {
	var docs []explainDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("parse explain output: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("parse explain output: empty plan")
	}

	top := docs[0].Plan
	estimate := &datasource.PlanEstimate{
		TotalCost: top.TotalCost,
		PlanRows:  int64(top.PlanRows),
		PlanWidth: top.PlanWidth,
		Hints:     planHints(&top),
		Plan:      raw,
	}
	if top.PlanWidth > 0 {
		bytes := int64(top.PlanRows) * int64(top.PlanWidth)
		estimate.Bytes = &bytes
	}
	return estimate, nil
}

// planHints walks the plan tree and describes expensive operators in terms
// a generator can act on.
func planHints(root *planNode) []string {
	seen := make(map[string]bool)
	var walk func(n *planNode)
	walk = func(n *planNode) {
		switch n.NodeType {
		case "Seq Scan":
			if n.PlanRows >= largeScanRows {
				seen[fmt.Sprintf("sequential scan over %s (~%d rows); filter on an indexed column", relation(n), int64(n.PlanRows))] = true
			}
		case "Nested Loop":
			if n.PlanRows >= largeScanRows {
				seen["nested loop join producing many rows; join on indexed keys or aggregate first"] = true
			}
		case "Sort":
			if n.PlanRows >= largeScanRows {
				seen["large sort; add a LIMIT or sort fewer rows"] = true
			}
		case "Hash Join", "Merge Join":
			if n.PlanRows >= largeScanRows*10 {
				seen["join produces a very large intermediate result; add selective filters"] = true
			}
		}
		for i := range n.Plans {
			walk(&n.Plans[i])
		}
	}
	walk(root)

	hints := make([]string, 0, len(seen))
	for h := range seen {
		hints = append(hints, h)
	}
	sort.Strings(hints)
	return hints
}

func relation(n *planNode) string {
	if n.Schema != "" {
		return n.Schema + "." + n.RelationName
	}
	return n.RelationName
}

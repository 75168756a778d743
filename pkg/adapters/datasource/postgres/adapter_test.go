package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
)

func TestFromDataSourceConfig_ValidConfig(t *testing.T) {
	t.Setenv("NLQ_TEST_PG_PASSWORD", "secret")

	cfg, err := FromDataSourceConfig(&config.DataSourceConfig{
		Host:        "localhost",
		Port:        5433,
		User:        "analyst",
		PasswordEnv: "NLQ_TEST_PG_PASSWORD",
		Database:    "warehouse",
		SSLMode:     "disable",
	})
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, "analyst", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "warehouse", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestFromDataSourceConfig_Defaults(t *testing.T) {
	cfg, err := FromDataSourceConfig(&config.DataSourceConfig{
		Host:     "db",
		User:     "analyst",
		Database: "warehouse",
	})
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Empty(t, cfg.Password, "no password env means no password")
}

func TestFromDataSourceConfig_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		ds   config.DataSourceConfig
		want string
	}{
		{"missing host", config.DataSourceConfig{User: "u", Database: "d"}, "host is required"},
		{"missing user", config.DataSourceConfig{Host: "h", Database: "d"}, "user is required"},
		{"missing database", config.DataSourceConfig{Host: "h", User: "u"}, "database is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromDataSourceConfig(&tt.ds)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultPort(t *testing.T) {
	if DefaultPort() != 5432 {
		t.Errorf("expected default port 5432, got %d", DefaultPort())
	}
}

func TestDefaultSSLMode(t *testing.T) {
	if DefaultSSLMode() != "require" {
		t.Errorf("expected default ssl_mode 'require', got '%s'", DefaultSSLMode())
	}
}

const seqScanPlan = `[
  {
    "Plan": {
      "Node Type": "Sort",
      "Total Cost": 25000.5,
      "Plan Rows": 120000,
      "Plan Width": 24,
      "Sort Key": ["placed_at"],
      "Plans": [
        {
          "Node Type": "Seq Scan",
          "Relation Name": "orders",
          "Schema": "shop",
          "Total Cost": 18000.0,
          "Plan Rows": 120000,
          "Plan Width": 24
        }
      ]
    }
  }
]`

func TestParseExplainJSON(t *testing.T) {
	est, err := parseExplainJSON(seqScanPlan)
	require.NoError(t, err)

	assert.InDelta(t, 25000.5, est.TotalCost, 0.001)
	assert.Equal(t, int64(120000), est.PlanRows)
	assert.Equal(t, 24, est.PlanWidth)
	require.NotNil(t, est.Bytes)
	assert.Equal(t, int64(120000*24), *est.Bytes)
	assert.Equal(t, seqScanPlan, est.Plan)
	assert.Equal(t, []string{
		"large sort; add a LIMIT or sort fewer rows",
		"sequential scan over shop.orders (~120000 rows); filter on an indexed column",
	}, est.Hints)
}

func TestParseExplainJSON_SmallPlanHasNoHints(t *testing.T) {
	est, err := parseExplainJSON(`[{"Plan": {"Node Type": "Index Scan", "Relation Name": "orders", "Total Cost": 8.3, "Plan Rows": 1, "Plan Width": 0}}]`)
	require.NoError(t, err)

	assert.Empty(t, est.Hints)
	assert.Nil(t, est.Bytes, "zero width gives no byte estimate")
}

func TestParseExplainJSON_Invalid(t *testing.T) {
	_, err := parseExplainJSON("not json")
	assert.Error(t, err)

	_, err = parseExplainJSON("[]")
	assert.Error(t, err)
}

func TestPlanHints_Deduplicates(t *testing.T) {
	root := &planNode{
		NodeType: "Nested Loop",
		PlanRows: 50000,
		Plans: []planNode{
			{NodeType: "Nested Loop", PlanRows: 20000},
			{NodeType: "Hash Join", PlanRows: 50000},
		},
	}
	hints := planHints(root)
	assert.Equal(t, []string{"nested loop join producing many rows; join on indexed keys or aggregate first"}, hints)
}

func TestPgTypeNameFromOID(t *testing.T) {
	assert.Equal(t, "INT8", pgTypeNameFromOID(20))
	assert.Equal(t, "NUMERIC", pgTypeNameFromOID(1700))
	assert.Equal(t, "UNKNOWN", pgTypeNameFromOID(999999))
}

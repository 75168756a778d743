package postgres

import (
	"context"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "Connect to PostgreSQL 12+, Aurora PostgreSQL, Supabase",
		},
		Factory: func(ctx context.Context, ds *config.DataSourceConfig, connMgr *datasource.ConnectionManager) (datasource.TargetAdapter, error) {
			cfg, err := FromDataSourceConfig(ds)
			if err != nil {
				return nil, err
			}
			id, err := ds.ParsedID()
			if err != nil {
				return nil, err
			}
			return NewAdapter(ctx, cfg, connMgr, id)
		},
	})
}

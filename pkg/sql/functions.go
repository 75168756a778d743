package sql

import "strings"

// defaultDeniedFunctions are never callable from generated SQL, even when
// configured as allowed: they touch the filesystem or network, sleep, signal
// backends, change settings, write through a side door (sequences, large
// objects, notifications), or read relations named in text arguments where
// the catalog check cannot see them.
var defaultDeniedFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_stat_file", "pg_file_write",
	"pg_file_rename", "pg_file_unlink",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
	"pg_rotate_logfile", "pg_promote", "pg_switch_wal", "pg_create_restore_point",
	"pg_start_backup", "pg_stop_backup", "pg_backup_start", "pg_backup_stop",
	"pg_export_snapshot", "pg_import_system_collations",
	"pg_logical_emit_message", "pg_replication_origin_create",
	"set_config", "pg_notify",
	"nextval", "setval",
	"txid_current", "pg_current_xact_id",
	"ts_stat", "ts_rewrite",
}

// deniedFunctionPrefixes catch whole families.
var deniedFunctionPrefixes = []string{
	"dblink",
	"lo_",
	"pg_ls_",
	"pg_advisory_",
	"pg_try_advisory_",
	"pg_create_",
	"pg_drop_replication_",
	"query_to_xml",
	"cursor_to_xml",
	"table_to_xml",
	"schema_to_xml",
	"database_to_xml",
}

// defaultAllowedFunctions are the pg_catalog builtins generated SQL may call
// without configuration.
var defaultAllowedFunctions = []string{
	// aggregates
	"count", "sum", "avg", "min", "max", "bool_and", "bool_or", "every",
	"array_agg", "string_agg", "json_agg", "jsonb_agg", "json_object_agg", "jsonb_object_agg",
	"stddev", "stddev_pop", "stddev_samp", "variance", "var_pop", "var_samp",
	"corr", "covar_pop", "covar_samp", "regr_slope", "regr_intercept", "regr_r2", "regr_count",
	"percentile_cont", "percentile_disc", "mode", "bit_and", "bit_or", "any_value",

	// window
	"row_number", "rank", "dense_rank", "percent_rank", "cume_dist", "ntile",
	"lag", "lead", "first_value", "last_value", "nth_value",

	// math
	"abs", "ceil", "ceiling", "floor", "round", "trunc", "sign", "sqrt", "cbrt",
	"power", "pow", "exp", "ln", "log", "log10", "mod", "div", "pi", "degrees",
	"radians", "width_bucket", "scale", "gcd", "lcm", "random",
	"greatest", "least", "coalesce", "nullif", "num_nulls", "num_nonnulls",

	// strings
	"length", "char_length", "character_length", "octet_length", "bit_length",
	"lower", "upper", "initcap", "btrim", "ltrim", "rtrim", "lpad", "rpad",
	"substring", "substr", "position", "strpos", "replace", "translate", "overlay",
	"concat", "concat_ws", "left", "right", "repeat", "reverse", "split_part",
	"string_to_array", "array_to_string", "starts_with", "format", "md5", "to_hex",
	"ascii", "chr", "normalize", "like_escape", "similar_escape", "similar_to_escape",
	"regexp_replace", "regexp_match", "regexp_matches", "regexp_split_to_array",
	"regexp_like", "regexp_count", "regexp_substr", "regexp_instr",

	// dates and times
	"now", "clock_timestamp", "statement_timestamp", "transaction_timestamp",
	"date_trunc", "date_part", "date_bin", "extract", "age", "timezone", "overlaps",
	"make_date", "make_time", "make_timestamp", "make_timestamptz", "make_interval",
	"to_char", "to_date", "to_timestamp", "to_number",
	"justify_days", "justify_hours", "justify_interval", "isfinite", "generate_series",

	// json and arrays
	"to_json", "to_jsonb", "json_build_object", "jsonb_build_object",
	"json_build_array", "jsonb_build_array", "json_typeof", "jsonb_typeof",
	"json_extract_path", "json_extract_path_text", "jsonb_extract_path", "jsonb_extract_path_text",
	"json_array_length", "jsonb_array_length", "json_array_elements", "jsonb_array_elements",
	"json_array_elements_text", "jsonb_array_elements_text", "json_each", "jsonb_each",
	"json_object_keys", "jsonb_object_keys",
	"array_length", "array_upper", "array_lower", "cardinality", "unnest",
	"array_position", "array_remove", "array_append", "array_cat",

	// text search
	"to_tsvector", "to_tsquery", "plainto_tsquery", "phraseto_tsquery",
	"websearch_to_tsquery", "ts_rank", "ts_rank_cd",
}

// functionPolicy decides whether a function may appear in a query. Denials
// win over allows. Unqualified and pg_catalog names are checked against the
// allow-list by bare name; functions in any other schema must be allowed by
// their qualified name.
type functionPolicy struct {
	denied  map[string]bool
	allowed map[string]bool
}

func newFunctionPolicy(allowed, denied []string) functionPolicy {
	p := functionPolicy{
		denied:  make(map[string]bool, len(defaultDeniedFunctions)+len(denied)),
		allowed: make(map[string]bool, len(defaultAllowedFunctions)+len(allowed)),
	}
	for _, name := range defaultDeniedFunctions {
		p.denied[name] = true
	}
	for _, name := range denied {
		p.denied[strings.ToLower(name)] = true
	}
	for _, name := range defaultAllowedFunctions {
		p.allowed[name] = true
	}
	for _, name := range allowed {
		p.allowed[strings.TrimPrefix(strings.ToLower(name), "pg_catalog.")] = true
	}
	return p
}

// check returns a violation detail, or "" when the function is permitted.
func (p functionPolicy) check(schema, name string) string {
	schema, name = strings.ToLower(schema), strings.ToLower(name)
	qualified := name
	if schema != "" {
		qualified = schema + "." + name
	}

	if p.denied[name] || p.denied[qualified] {
		return "function " + qualified + " is not permitted"
	}
	for _, prefix := range deniedFunctionPrefixes {
		if strings.HasPrefix(name, prefix) {
			return "function " + qualified + " is not permitted"
		}
	}

	switch schema {
	case "", "pg_catalog":
		if p.allowed[name] {
			return ""
		}
	default:
		if p.allowed[qualified] {
			return ""
		}
	}
	return "function " + qualified + " is not on the allow-list"
}

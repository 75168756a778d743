// Package jsonutil decodes loosely typed values from model output.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexibleStringValue renders a scalar JSON value as a string. Models
// sometimes answer with a number or boolean where a string was asked for.
// null and empty input yield "". Objects and arrays are returned verbatim.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	// json.Number keeps integers beyond 2^53 exact.
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := n.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return n.String()
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return fmt.Sprintf("%t", b)
	}

	return string(raw)
}

// FlexibleStrings converts a list of loosely typed values, dropping blanks.
func FlexibleStrings(raws []json.RawMessage) []string {
	if len(raws) == 0 {
		return nil
	}
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		if s := strings.TrimSpace(FlexibleStringValue(raw)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

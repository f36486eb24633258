package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

func listDocument(q Query) string {
	fields := selection(append(append([]string{"id"}, q.KeyFields...), q.Fields...))
	return fmt.Sprintf(
		"query Active($where: JSON, $limit: Int, $after: String) { %s(where: $where, limit: $limit, after: $after) { items { %s } pageInfo { hasNextPage endCursor } } }",
		q.Collection, fields,
	)
}

func detailDocument(q DetailQuery) string {
	fields := selection(append([]string{"id", "status"}, q.Fields...))
	return fmt.Sprintf("query Detail($id: String!) { %s(id: $id) { %s } }", q.Entity, fields)
}

// selection dedups field names, keeping first occurrence.
func selection(fields []string) string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func joinKey(item map[string]any, keyFields []string) (string, bool) {
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		v := fieldString(item, f)
		if v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "-"), true
}

func fieldString(fields map[string]any, name string) string {
	switch v := fields[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

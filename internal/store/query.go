package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/model"
)

// Query selects records from one table. Filters are equality matches; they
// cannot match encrypted fields because ciphertext is randomized.
type Query struct {
	Filter     map[string]any `json:"filter,omitempty"`
	OrderBy    string         `json:"order_by,omitempty"`
	Descending bool           `json:"desc,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	// Cache, when set, serves the result from the select cache.
	Cache *CacheOptions `json:"-"`
}

type CacheOptions struct {
	TTL time.Duration
}

var columns = map[string]bool{"id": true, "created_at": true, "updated_at": true, "synced": true}

// Select runs q against table. Results are ordered by q.OrderBy (default
// created_at) and then id.
func (s *Store) Select(ctx context.Context, table string, q Query) ([]model.Record, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	var cacheKey string
	if q.Cache != nil {
		k, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		cacheKey = "select:" + table + ":" + string(k)
		if raw, ok := s.cache.Get(cacheKey); ok {
			var out []model.Record
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
			s.log.Warn("Dropping unreadable select cache entry", zap.String("key", cacheKey))
			s.cache.Delete(cacheKey)
		}
	}

	stmt, args, err := buildSelect(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperr.NewStorageError("select", table, err)
	}
	defer rows.Close()

	out := make([]model.Record, 0)
	for rows.Next() {
		rec, err := s.scanRecord(table, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewStorageError("select", table, err)
	}

	if q.Cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			s.cache.Set(cacheKey, raw, q.Cache.TTL, tableTag(table))
		}
	}
	return out, nil
}

func buildSelect(table string, q Query) (string, []any, error) {
	var (
		b     strings.Builder
		args  []any
		conds []string
	)
	fmt.Fprintf(&b, `SELECT id, data, created_at, updated_at, synced FROM %q`, table)

	fields := make([]string, 0, len(q.Filter))
	for field := range q.Filter {
		fields = append(fields, field)
	}
	// Stable statement text keeps the driver's statement cache useful.
	sort.Strings(fields)
	for _, field := range fields {
		v := q.Filter[field]
		if !identRe.MatchString(field) {
			return "", nil, fmt.Errorf("invalid filter field %q", field)
		}
		if v == nil {
			conds = append(conds, fieldExpr(field)+" IS NULL")
			continue
		}
		// json_extract reports JSON booleans as 0/1, like the synced column.
		if bv, ok := v.(bool); ok {
			v = boolInt(bv)
		}
		conds = append(conds, fieldExpr(field)+" = ?")
		args = append(args, v)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	order := q.OrderBy
	if order == "" {
		order = "created_at"
	}
	if !identRe.MatchString(order) {
		return "", nil, fmt.Errorf("invalid order field %q", order)
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s", fieldExpr(order), dir, dir)

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

func fieldExpr(field string) string {
	if columns[field] {
		return field
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

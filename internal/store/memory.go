package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process backend used in tests. Its availability can be
// toggled to simulate a primary-store outage.
type Memory struct {
	mu        sync.Mutex
	tables    map[string]map[string]Record
	order     map[string][]string
	available bool
}

func NewMemory() *Memory {
	return &Memory{
		tables:    map[string]map[string]Record{},
		order:     map[string][]string{},
		available: true,
	}
}

// SetAvailable flips the simulated outage state. While unavailable every
// operation fails with a connection-class error.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

func (m *Memory) Insert(ctx context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return driver.ErrBadConn
	}
	id, ok := recordID(rec)
	if !ok {
		return fmt.Errorf("record for %s missing id", table)
	}
	if m.tables[table] == nil {
		m.tables[table] = map[string]Record{}
	}
	if _, exists := m.tables[table][id]; exists {
		return fmt.Errorf("duplicate id %s in %s", id, table)
	}
	m.tables[table][id] = cloneRecord(rec)
	m.order[table] = append(m.order[table], id)
	return nil
}

func (m *Memory) InsertIfAbsent(ctx context.Context, table string, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return false, driver.ErrBadConn
	}
	id, ok := recordID(rec)
	if !ok {
		return false, fmt.Errorf("record for %s missing id", table)
	}
	if m.tables[table] == nil {
		m.tables[table] = map[string]Record{}
	}
	if _, exists := m.tables[table][id]; exists {
		return false, nil
	}
	m.tables[table][id] = cloneRecord(rec)
	m.order[table] = append(m.order[table], id)
	return true, nil
}

func (m *Memory) Update(ctx context.Context, table, id string, fields Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return driver.ErrBadConn
	}
	rec, ok := m.tables[table][id]
	if !ok {
		// Upsert so replayed update ops for rows born during an outage
		// still land somewhere visible.
		rec = Record{"id": id}
		if m.tables[table] == nil {
			m.tables[table] = map[string]Record{}
		}
		m.tables[table][id] = rec
		m.order[table] = append(m.order[table], id)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, table string, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, driver.ErrBadConn
	}
	var res []Record
	for _, id := range m.order[table] {
		rec := m.tables[table][id]
		if matches(rec, f) {
			res = append(res, cloneRecord(rec))
		}
	}
	if f.OrderBy != "" {
		sort.SliceStable(res, func(i, j int) bool {
			less := compareValues(res[i][f.OrderBy], res[j][f.OrderBy])
			if f.Desc {
				return !less
			}
			return less
		})
	}
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return driver.ErrBadConn
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Count reports rows in a table, outage state ignored. Test helper.
func (m *Memory) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Get returns a stored record by id, outage state ignored. Test helper.
func (m *Memory) Get(table, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

func matches(rec Record, f Filter) bool {
	for k, want := range f.Eq {
		if !equalValue(rec[k], want) {
			return false
		}
	}
	if f.TimeField != "" {
		ts, ok := asTime(rec[f.TimeField])
		if !ok {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && !ts.Before(f.Until) {
			return false
		}
	}
	return true
}

func equalValue(have, want any) bool {
	if h, ok := asFloat(have); ok {
		if w, ok := asFloat(want); ok {
			return h == w
		}
	}
	return fmt.Sprint(have) == fmt.Sprint(want)
}

func compareValues(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af < bf
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	syncPending = "pending"
	syncDone    = "synced"

	opInsert = "insert"
	opUpdate = "update"
)

// Local is the fallback store: a single SQLite record log shared by all
// logical tables. Everything written here is marked pending until the
// reconciler replays it into the primary store.
type Local struct {
	db  *sql.DB
	Now func() time.Time
}

func NewLocal(db *sql.DB) *Local {
	return &Local{db: db, Now: time.Now}
}

// PendingRecord is one fallback row awaiting replay.
type PendingRecord struct {
	Table   string
	ID      string
	Op      string
	Payload Record
}

func (l *Local) now() string {
	return l.Now().UTC().Format(time.RFC3339Nano)
}

func (l *Local) Insert(ctx context.Context, table string, rec Record) error {
	id, ok := recordID(rec)
	if !ok {
		return fmt.Errorf("record for %s missing id", table)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ts := l.now()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO records(tbl,id,op,payload_json,sync_state,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		table, id, opInsert, string(payload), syncPending, ts, ts)
	return err
}

func (l *Local) InsertIfAbsent(ctx context.Context, table string, rec Record) (bool, error) {
	id, ok := recordID(rec)
	if !ok {
		return false, fmt.Errorf("record for %s missing id", table)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ts := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records(tbl,id,op,payload_json,sync_state,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		table, id, opInsert, string(payload), syncPending, ts, ts)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Update merges fields into the stored payload. If the record was written
// here as a still-pending insert, the merged insert is replayed as one row;
// updates for records that were already synced, or that only exist
// primary-side, become update ops so replay reaches the existing row.
func (l *Local) Update(ctx context.Context, table, id string, fields Record) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var payloadJSON, op, state string
	err = tx.QueryRowContext(ctx, `SELECT payload_json, op, sync_state FROM records WHERE tbl=? AND id=?`, table, id).
		Scan(&payloadJSON, &op, &state)
	switch {
	case err == sql.ErrNoRows:
		fields = cloneRecord(fields)
		fields["id"] = id
		payload, merr := json.Marshal(fields)
		if merr != nil {
			return merr
		}
		ts := l.now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records(tbl,id,op,payload_json,sync_state,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
			table, id, opUpdate, string(payload), syncPending, ts, ts); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		var current Record
		if err := json.Unmarshal([]byte(payloadJSON), &current); err != nil {
			return fmt.Errorf("decode record %s/%s: %w", table, id, err)
		}
		for k, v := range fields {
			current[k] = v
		}
		payload, merr := json.Marshal(current)
		if merr != nil {
			return merr
		}
		// A row that already replayed exists primary-side, so a later
		// outage write must replay as an update, not a no-op insert.
		if state == syncDone {
			op = opUpdate
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET payload_json=?, op=?, sync_state=?, updated_at=? WHERE tbl=? AND id=?`,
			string(payload), op, syncPending, l.now(), table, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *Local) Query(ctx context.Context, table string, f Filter) ([]Record, error) {
	clauses := []string{"tbl=?"}
	args := []any{table}
	for k, v := range f.Eq {
		clauses = append(clauses, fmt.Sprintf("json_extract(payload_json,'$.%s')=?", k))
		args = append(args, jsonArg(v))
	}
	if f.TimeField != "" {
		col := fmt.Sprintf("json_extract(payload_json,'$.%s')", f.TimeField)
		if !f.Since.IsZero() {
			clauses = append(clauses, col+" >= ?")
			args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
		}
		if !f.Until.IsZero() {
			clauses = append(clauses, col+" < ?")
			args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
		}
	}
	query := `SELECT payload_json FROM records WHERE ` + strings.Join(clauses, " AND ")
	if f.OrderBy != "" {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY json_extract(payload_json,'$.%s') %s", f.OrderBy, dir)
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Pending snapshots records awaiting replay, oldest first so inserts land
// before updates that depend on them.
func (l *Local) Pending(ctx context.Context, limit int) ([]PendingRecord, error) {
	query := `SELECT tbl,id,op,payload_json FROM records WHERE sync_state=? ORDER BY created_at ASC, id ASC`
	args := []any{syncPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingRecord
	for rows.Next() {
		var p PendingRecord
		var payload string
		if err := rows.Scan(&p.Table, &p.ID, &p.Op, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			return nil, fmt.Errorf("decode pending %s/%s: %w", p.Table, p.ID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// HasPending tells whether a record is still waiting on replay. Writers use
// it to keep updating such records locally instead of racing the reconciler.
func (l *Local) HasPending(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT count(*) FROM records WHERE tbl=? AND id=? AND sync_state=?`,
		table, id, syncPending).Scan(&n)
	return n > 0, err
}

func (l *Local) MarkSynced(ctx context.Context, table, id string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE records SET sync_state=?, updated_at=? WHERE tbl=? AND id=?`,
		syncDone, l.now(), table, id)
	return err
}

// PendingCount reports how many records still await replay.
func (l *Local) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM records WHERE sync_state=?`, syncPending).Scan(&n)
	return n, err
}

func (l *Local) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Local) Close() error {
	return l.db.Close()
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// jsonArg normalizes filter values to what json_extract yields: SQLite
// reports JSON booleans as 0/1 integers.
func jsonArg(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

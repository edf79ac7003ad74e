package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/db"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/events"
	"github.com/LucPettett/what-do-i-become/internal/migrate"
)

// Index is a queryable SQLite copy of events.ndjson. The log stays the
// source of truth; the index can be deleted and rebuilt at any time.
type Index struct {
	DB *sql.DB
}

// Record is one indexed event.
type Record struct {
	Seq   int64
	Event domain.Event
}

// Filter narrows Tail. Zero values match everything.
type Filter struct {
	Type    string
	CycleID string
	Limit   int
}

// Open opens (and migrates) the index at path.
func Open(ctx context.Context, path string) (*Index, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate audit index: %w", err)
	}
	return &Index{DB: conn}, nil
}

func (ix *Index) Close() error {
	return ix.DB.Close()
}

// Sync appends events of the log not yet in the index. Events are numbered
// by their position among the parseable lines of the log.
func (ix *Index) Sync(ctx context.Context, log events.Log, now time.Time) (int, error) {
	res, err := log.ReadAll()
	if err != nil {
		return 0, err
	}
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var have int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events`).Scan(&have); err != nil {
		return 0, fmt.Errorf("read index position: %w", err)
	}
	if have > int64(len(res.Events)) {
		// The log was replaced underneath us; start over.
		if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
			return 0, err
		}
		have = 0
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events(seq,ts,cycle_id,event_type,payload) VALUES (?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	added := 0
	for i := int(have); i < len(res.Events); i++ {
		evt := res.Events[i]
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload of event %d: %w", i+1, err)
		}
		if _, err := stmt.ExecContext(ctx, i+1, evt.TS, evt.CycleID, evt.Type, string(payload)); err != nil {
			return 0, fmt.Errorf("index event %d: %w", i+1, err)
		}
		added++
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sync_state(id,synced_at,skipped_lines) VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET synced_at=excluded.synced_at, skipped_lines=excluded.skipped_lines`,
		now.UTC().Format(time.RFC3339), res.Skipped); err != nil {
		return 0, fmt.Errorf("record sync: %w", err)
	}
	return added, tx.Commit()
}

// Tail returns the newest matching events in log order.
func (ix *Index) Tail(ctx context.Context, f Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	query := `SELECT seq,ts,cycle_id,event_type,payload FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := ix.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var (
			r       Record
			payload string
		)
		if err := rows.Scan(&r.Seq, &r.Event.TS, &r.Event.CycleID, &r.Event.Type, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %d: %w", r.Seq, err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// CountByType returns how many events of each type are indexed.
func (ix *Index) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := ix.DB.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Package sink archives the admitted chat and alert traffic into SQLite
// so a session's history outlives the bounded in-memory windows.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/streamsync/internal/core"
	"github.com/you/streamsync/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL PRIMARY KEY,
  ts TEXT NOT NULL,
  username TEXT NOT NULL,
  text TEXT NOT NULL,
  colour TEXT NOT NULL DEFAULT '',
  badges_json TEXT NOT NULL DEFAULT '[]',
  badge_info TEXT NOT NULL DEFAULT '',
  emotes_json TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS alerts (
  id TEXT NOT NULL PRIMARY KEY,
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  username TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  amount INTEGER NOT NULL DEFAULT 0
);`

const defaultListLimit = 100

type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Ping() error { return s.db.Ping() }

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

// WriteMessage inserts one admitted chat message. Re-inserting an id is
// a no-op so overlapping fetch windows stay idempotent at the archive.
func (s *SQLiteSink) WriteMessage(msg core.ChatMessage) error {
	const q = `INSERT INTO messages (id, ts, username, text, colour, badges_json, badge_info, emotes_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	ts := msg.ReceivedAt.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(q, msg.ID, ts, msg.Username, msg.Text, msg.Colour,
		marshalJSON(msg.Badges, "[]"), msg.BadgeInfo, marshalJSON(msg.Emotes, "[]"))
	return errors.Wrap(err, "insert message")
}

// WriteAlert inserts one alert, idempotent by id.
func (s *SQLiteSink) WriteAlert(alert core.Alert) error {
	const q = `INSERT INTO alerts (id, ts, type, username, message, amount)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	ts := alert.Ts.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(q, alert.ID, ts, alert.Type, alert.Username, alert.Message, alert.Amount)
	return errors.Wrap(err, "insert alert")
}

func marshalJSON(v any, def string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return def
	}
	return string(data)
}

func (s *SQLiteSink) CountMessages(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildMessageQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListMessages(ctx context.Context, filters httpapi.Filters) ([]core.ChatMessage, error) {
	query, args := buildMessageQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var (
			msg        core.ChatMessage
			ts         string
			badgesJSON string
			emotesJSON string
		)
		if err := rows.Scan(&msg.ID, &ts, &msg.Username, &msg.Text, &msg.Colour, &badgesJSON, &msg.BadgeInfo, &emotesJSON); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.ReceivedAt = t
		}
		_ = json.Unmarshal([]byte(badgesJSON), &msg.Badges)
		_ = json.Unmarshal([]byte(emotesJSON), &msg.Emotes)
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func (s *SQLiteSink) ListAlerts(ctx context.Context, filters httpapi.Filters) ([]core.Alert, error) {
	query, args := buildAlertQuery(filters)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list alerts")
	}
	defer rows.Close()

	var out []core.Alert
	for rows.Next() {
		var (
			alert core.Alert
			ts    string
		)
		if err := rows.Scan(&alert.ID, &ts, &alert.Type, &alert.Username, &alert.Message, &alert.Amount); err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			alert.Ts = t
		}
		out = append(out, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate alerts")
	}
	return out, nil
}

func buildMessageQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		builder.WriteString("SELECT id, ts, username, text, colour, badges_json, badge_info, emotes_json FROM messages")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		appendOrderLimit(&builder, &args, filters)
	}

	builder.WriteString(";")
	return builder.String(), args
}

func buildAlertQuery(filters httpapi.Filters) (string, []any) {
	var builder strings.Builder
	builder.WriteString("SELECT id, ts, type, username, message, amount FROM alerts")

	var (
		conditions []string
		args       []any
	)

	if len(filters.Types) > 0 {
		placeholders := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			placeholders = append(placeholders, "?")
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf("LOWER(type) IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	appendOrderLimit(&builder, &args, filters)
	builder.WriteString(";")
	return builder.String(), args
}

func appendOrderLimit(builder *strings.Builder, args *[]any, filters httpapi.Filters) {
	order := "DESC"
	if filters.Order == httpapi.OrderAsc {
		order = "ASC"
	}
	builder.WriteString(" ORDER BY ts ")
	builder.WriteString(order)
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	builder.WriteString(" LIMIT ?")
	*args = append(*args, limit)
}

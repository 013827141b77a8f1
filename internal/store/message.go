package store

import "time"

// UpsertMessage inserts a message, idempotent on (group_id, msg_id). A
// repeat only refreshes the delivered flag.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (group_id, msg_id, sender, body, from_me, delivered, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, msg_id) DO UPDATE SET
			delivered = excluded.delivered`,
		m.GroupID, m.MsgID, m.Sender, m.Body, m.FromMe, m.Delivered, m.Timestamp, now)
	return err
}

// ListMessages returns a group's messages older than beforeTs, newest
// first.
func (db *DB) ListMessages(groupID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, group_id, msg_id, sender, body, from_me, delivered, timestamp
		FROM messages
		WHERE group_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, groupID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// SearchMessages does a case-insensitive substring match on bodies,
// optionally limited to one group.
func (db *DB) SearchMessages(query, groupID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, group_id, msg_id, sender, body, from_me, delivered, timestamp
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if groupID != "" {
		q += " AND group_id = ?"
		args = append(args, groupID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.MsgID, &m.Sender, &m.Body, &m.FromMe, &m.Delivered, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

package store

import "time"

// RecordUndelivered adds or refreshes an outbox entry for a message the
// delivery service did not accept.
func (db *DB) RecordUndelivered(clientMsgID, groupID, body, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, group_id, body, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, 'undelivered', ?, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'undelivered',
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		clientMsgID, groupID, body, errMsg, now, now)
	return err
}

// MarkOutboxDelivered closes an outbox entry after a successful retry.
func (db *DB) MarkOutboxDelivered(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'delivered', error_message = '', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// UndeliveredOutbox returns open outbox entries, oldest first. An empty
// groupID returns entries for every group.
func (db *DB) UndeliveredOutbox(groupID string) ([]OutboxEntry, error) {
	q := `
		SELECT id, client_msg_id, group_id, body, status, error_message
		FROM outbox WHERE status = 'undelivered'`
	var args []any
	if groupID != "" {
		q += " AND group_id = ?"
		args = append(args, groupID)
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.GroupID, &e.Body, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

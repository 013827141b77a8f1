package store

import (
	"database/sql"
	"time"
)

// UpsertGroup inserts a group or updates its name and mode.
func (db *DB) UpsertGroup(g *Group) error {
	now := time.Now().UnixMilli()
	created := g.CreatedAt
	if created == 0 {
		created = now
	}
	_, err := db.Exec(`
		INSERT INTO groups (group_id, name, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		g.GroupID, g.Name, g.Mode, created, now)
	return err
}

// ListGroups returns journaled groups in creation order.
func (db *DB) ListGroups() ([]Group, error) {
	rows, err := db.Query(`
		SELECT g.group_id, g.name, g.mode, g.created_at,
			(SELECT COUNT(*) FROM messages m WHERE m.group_id = g.group_id)
		FROM groups g
		ORDER BY g.created_at ASC, g.rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Mode, &g.CreatedAt, &g.MessageCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns one group, or nil if it was never journaled.
func (db *DB) GetGroup(groupID string) (*Group, error) {
	var g Group
	err := db.QueryRow(`
		SELECT g.group_id, g.name, g.mode, g.created_at,
			(SELECT COUNT(*) FROM messages m WHERE m.group_id = g.group_id)
		FROM groups g WHERE g.group_id = ?`, groupID).
		Scan(&g.GroupID, &g.Name, &g.Mode, &g.CreatedAt, &g.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// EnsureGroup creates a placeholder row so messages can reference a group
// whose registration was not journaled.
func (db *DB) EnsureGroup(groupID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO groups (group_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING`, groupID, groupID, now, now)
	return err
}

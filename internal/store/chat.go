package store

import "time"

// UpsertChat inserts or updates a chat snapshot row. The last-message
// fields only advance: a stale write can never roll a chat backwards.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, ad_id, counterpart_id, counterpart_name, counterpart_avatar, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ad_id = CASE WHEN excluded.ad_id != '' THEN excluded.ad_id ELSE chats.ad_id END,
			counterpart_id = CASE WHEN excluded.counterpart_id != '' THEN excluded.counterpart_id ELSE chats.counterpart_id END,
			counterpart_name = CASE WHEN excluded.counterpart_name != '' THEN excluded.counterpart_name ELSE chats.counterpart_name END,
			counterpart_avatar = CASE WHEN excluded.counterpart_avatar != '' THEN excluded.counterpart_avatar ELSE chats.counterpart_avatar END,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.AdID, c.CounterpartID, c.CounterpartName, c.CounterpartAvatar, c.LastMessagePreview, c.LastMessageAt, now)
	return err
}

// ListChats returns snapshot rows sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, ad_id, counterpart_id, counterpart_name, counterpart_avatar, last_message_preview, last_message_at
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.AdID, &c.CounterpartID, &c.CounterpartName, &c.CounterpartAvatar, &c.LastMessagePreview, &c.LastMessageAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat snapshot row.
func (db *DB) DeleteChat(id string) error {
	_, err := db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	return err
}

package store

import (
	"database/sql"
	"time"
)

// QueueOutbox journals a message for sending. attachmentPath may be empty.
func (db *DB) QueueOutbox(tempID, chatID, body, attachmentPath string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (temp_id, chat_id, body, attachment_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		tempID, chatID, body, attachmentPath, now, now)
	return err
}

// MarkOutboxSending flips an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent records the canonical server message id.
func (db *DB) MarkOutboxSent(tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed records a terminal failure with its error message.
func (db *DB) MarkOutboxFailed(tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, errMsg, now, tempID)
	return err
}

// RequeueOutbox puts an entry back to 'queued', either after a transient
// failure or on explicit user retry of a failed message.
func (db *DB) RequeueOutbox(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// SetOutboxAttachment records the uploaded attachment id, so a retry
// after a crash between upload and send does not re-upload the file.
func (db *DB) SetOutboxAttachment(tempID, attachmentID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET attachment_id = ?, updated_at = ? WHERE temp_id = ?`, attachmentID, now, tempID)
	return err
}

// DeleteOutbox removes an entry, used when the user discards a failed message.
func (db *DB) DeleteOutbox(tempID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

// PendingOutbox returns entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus("queued")
}

// UnsentOutbox returns entries that are queued, stuck in 'sending' from a
// previous run, or failed. Used to rebuild optimistic messages on startup.
func (db *DB) UnsentOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, chat_id, body, attachment_path, attachment_id, status, attempts, error_message, server_msg_id, created_at
		FROM outbox WHERE status != 'sent' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func (db *DB) outboxByStatus(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, chat_id, body, attachment_path, attachment_id, status, attempts, error_message, server_msg_id, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.TempID, &e.ChatID, &e.Body, &e.AttachmentPath, &e.AttachmentID, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

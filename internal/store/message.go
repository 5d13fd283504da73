package store

import "database/sql"

const messageColumns = `id, contract_id, sender_id, body, read, sync_status, client_token,
	created_at, updated_at`

// UpsertMessage inserts or updates a confirmed message, last-write-wins by
// the server-assigned updated_at.
func (db *DB) UpsertMessage(m *Message) error {
	if m.SyncStatus == "" {
		m.SyncStatus = SyncConfirmed
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, contract_id, sender_id, body, read, sync_status, client_token,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			read = excluded.read,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= messages.updated_at`,
		m.ID, m.ContractID, m.SenderID, m.Body, m.Read, m.SyncStatus, m.ClientToken,
		m.CreatedAt, m.UpdatedAt)
	return err
}

// InsertMessagePending inserts an optimistic message under a temporary ID so
// the transcript reflects the send with no perceptible delay.
func (db *DB) InsertMessagePending(m *Message) error {
	m.SyncStatus = SyncPending
	_, err := db.Exec(`
		INSERT INTO messages (id, contract_id, sender_id, body, read, sync_status, client_token,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ContractID, m.SenderID, m.Body, m.Read, m.SyncStatus, m.ClientToken,
		m.CreatedAt, m.UpdatedAt)
	return err
}

// PromoteMessage swaps a provisional message for its server-confirmed form.
// The confirmed row takes the server's ID and timestamps, so it falls into
// its correct sorted position if the server ordering disagrees.
func (db *DB) PromoteMessage(tempID string, final *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND sync_status = 'pending'`, tempID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, contract_id, sender_id, body, read, sync_status, client_token,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'confirmed', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			read = excluded.read,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= messages.updated_at`,
		final.ID, final.ContractID, final.SenderID, final.Body, final.Read,
		final.ClientToken, final.CreatedAt, final.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessagePending removes a provisional message after a failed send.
func (db *DB) DeleteMessagePending(tempID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ? AND sync_status = 'pending'`, tempID)
	return err
}

// FindMessageByToken returns a still-pending optimistic message carrying the
// given idempotency token, or nil.
func (db *DB) FindMessageByToken(token string) (*Message, error) {
	if token == "" {
		return nil, nil
	}
	row := db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE client_token = ? AND sync_status = 'pending'`, token)
	return scanMessageRow(row)
}

// CorrelateMessage finds a pending optimistic message matching a server echo
// by content: same conversation, same sender, same body, created within the
// window around the server timestamp. Fallback for feeds that strip the
// idempotency token.
func (db *DB) CorrelateMessage(contractID, senderID, body string, ts, windowMS int64) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE contract_id = ? AND sender_id = ? AND body = ? AND sync_status = 'pending'
			AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT 1`, contractID, senderID, body, ts-windowMS, ts+windowMS)
	return scanMessageRow(row)
}

// ListMessages returns a contract's transcript in its rendering order:
// created_at ascending, ties broken by identifier.
func (db *DB) ListMessages(contractID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE contract_id = ?
		ORDER BY created_at ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ContractID, &m.SenderID, &m.Body, &m.Read,
			&m.SyncStatus, &m.ClientToken, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadCount counts messages from other participants not yet marked read.
func (db *DB) UnreadCount(contractID, selfID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE contract_id = ? AND sender_id != ? AND read = 0`, contractID, selfID).Scan(&n)
	return n, err
}

// MarkMessagesRead flags all messages from other participants as read,
// locally. The matching remote write travels separately.
func (db *DB) MarkMessagesRead(contractID, readerID string, ts int64) error {
	_, err := db.Exec(`
		UPDATE messages SET read = 1, updated_at = ?
		WHERE contract_id = ? AND sender_id != ? AND read = 0`, ts, contractID, readerID)
	return err
}

func scanMessageRow(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ContractID, &m.SenderID, &m.Body, &m.Read,
		&m.SyncStatus, &m.ClientToken, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

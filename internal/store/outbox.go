package store

import "time"

// QueueOutbox adds an optimistic message send to the durable outbox. The
// entry survives restarts, so a send queued while offline goes out on the
// next run.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_token, temp_id, contract_id, sender_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientToken, e.TempID, e.ContractID, e.SenderID, e.Body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_token = ?`, now, token)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(token, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, updated_at = ? WHERE client_token = ?`, serverID, now, token)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(token, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_token = ?`, errMsg, now, token)
	return err
}

// RequeueOutbox puts an in-flight entry back in the queue after a transport
// failure, so the next drain pass retries it.
func (db *DB) RequeueOutbox(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_token = ? AND status = 'sending'`, now, token)
	return err
}

// PendingOutbox returns outbox entries still waiting to be sent, in queue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, temp_id, contract_id, sender_id, body, status, error_message, server_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientToken, &e.TempID, &e.ContractID, &e.SenderID,
			&e.Body, &e.Status, &e.ErrorMessage, &e.ServerID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package store

import "database/sql"

const contractColumns = `id, user_id, plan_id, state, requested_at, decided_at, decided_by,
	notes, sync_status, client_token, created_at, updated_at`

// UpsertContract inserts or updates a confirmed contract, last-write-wins by
// the server-assigned updated_at.
func (db *DB) UpsertContract(c *Contract) error {
	if c.SyncStatus == "" {
		c.SyncStatus = SyncConfirmed
	}
	_, err := db.Exec(`
		INSERT INTO contracts (id, user_id, plan_id, state, requested_at, decided_at, decided_by,
			notes, sync_status, client_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			decided_at = excluded.decided_at,
			decided_by = excluded.decided_by,
			notes = excluded.notes,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= contracts.updated_at`,
		c.ID, c.UserID, c.PlanID, c.State, c.RequestedAt, c.DecidedAt, c.DecidedBy,
		c.Notes, c.SyncStatus, c.ClientToken, c.CreatedAt, c.UpdatedAt)
	return err
}

// InsertContractPending inserts an optimistic contract under a temporary ID.
func (db *DB) InsertContractPending(c *Contract) error {
	c.SyncStatus = SyncPending
	_, err := db.Exec(`
		INSERT INTO contracts (id, user_id, plan_id, state, requested_at, decided_at, decided_by,
			notes, sync_status, client_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.PlanID, c.State, c.RequestedAt, c.DecidedAt, c.DecidedBy,
		c.Notes, c.SyncStatus, c.ClientToken, c.CreatedAt, c.UpdatedAt)
	return err
}

// PromoteContract replaces a provisional contract with its server-confirmed
// form in one transaction. Tolerates the temp row being gone already (the
// feed echo may have confirmed it first).
func (db *DB) PromoteContract(tempID string, final *Contract) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM contracts WHERE id = ? AND sync_status = 'pending'`, tempID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO contracts (id, user_id, plan_id, state, requested_at, decided_at, decided_by,
			notes, sync_status, client_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'confirmed', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			decided_at = excluded.decided_at,
			decided_by = excluded.decided_by,
			notes = excluded.notes,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= contracts.updated_at`,
		final.ID, final.UserID, final.PlanID, final.State, final.RequestedAt,
		final.DecidedAt, final.DecidedBy, final.Notes, final.ClientToken,
		final.CreatedAt, final.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteContractPending removes a provisional contract after a failed write.
func (db *DB) DeleteContractPending(tempID string) error {
	_, err := db.Exec(`DELETE FROM contracts WHERE id = ? AND sync_status = 'pending'`, tempID)
	return err
}

// FindContractByToken returns a still-pending optimistic contract carrying
// the given idempotency token, or nil.
func (db *DB) FindContractByToken(token string) (*Contract, error) {
	if token == "" {
		return nil, nil
	}
	row := db.QueryRow(`
		SELECT `+contractColumns+`
		FROM contracts
		WHERE client_token = ? AND sync_status = 'pending'`, token)
	return scanContractRow(row)
}

// GetContract returns the locally cached contract, or nil.
func (db *DB) GetContract(id string) (*Contract, error) {
	row := db.QueryRow(`SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	return scanContractRow(row)
}

// ListContractsByUser returns a customer's contract requests, newest first.
func (db *DB) ListContractsByUser(userID string) ([]Contract, error) {
	rows, err := db.Query(`
		SELECT `+contractColumns+`
		FROM contracts
		WHERE user_id = ?
		ORDER BY requested_at DESC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	return scanContracts(rows)
}

// ListContractsByState returns contracts in a given state, oldest first so
// advisors work the queue in arrival order.
func (db *DB) ListContractsByState(state ContractState) ([]Contract, error) {
	rows, err := db.Query(`
		SELECT `+contractColumns+`
		FROM contracts
		WHERE state = ?
		ORDER BY requested_at ASC, id ASC`, state)
	if err != nil {
		return nil, err
	}
	return scanContracts(rows)
}

func scanContracts(rows *sql.Rows) ([]Contract, error) {
	defer func() { _ = rows.Close() }()
	var contracts []Contract
	for rows.Next() {
		var c Contract
		if err := rows.Scan(&c.ID, &c.UserID, &c.PlanID, &c.State, &c.RequestedAt,
			&c.DecidedAt, &c.DecidedBy, &c.Notes, &c.SyncStatus, &c.ClientToken,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func scanContractRow(row *sql.Row) (*Contract, error) {
	var c Contract
	err := row.Scan(&c.ID, &c.UserID, &c.PlanID, &c.State, &c.RequestedAt,
		&c.DecidedAt, &c.DecidedBy, &c.Notes, &c.SyncStatus, &c.ClientToken,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

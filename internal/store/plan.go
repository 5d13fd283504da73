package store

import "database/sql"

// UpsertPlan inserts or updates a plan. Last-write-wins by the server-assigned
// updated_at: an older payload than the row already held is ignored, which
// also makes replaying the same change feed event a no-op.
func (db *DB) UpsertPlan(p *Plan) error {
	_, err := db.Exec(`
		INSERT INTO plans (id, name, price_cents, data_gb, minutes, sms, speed_4g, speed_5g,
			social_media, whatsapp, intl_calls, roaming, segment, audience, image_url, active,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_cents = excluded.price_cents,
			data_gb = excluded.data_gb,
			minutes = excluded.minutes,
			sms = excluded.sms,
			speed_4g = excluded.speed_4g,
			speed_5g = excluded.speed_5g,
			social_media = excluded.social_media,
			whatsapp = excluded.whatsapp,
			intl_calls = excluded.intl_calls,
			roaming = excluded.roaming,
			segment = excluded.segment,
			audience = excluded.audience,
			image_url = excluded.image_url,
			active = excluded.active,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= plans.updated_at`,
		p.ID, p.Name, p.PriceCents, p.DataGB, p.Minutes, p.SMS, p.Speed4G, p.Speed5G,
		p.SocialMedia, p.WhatsApp, p.IntlCalls, p.Roaming, p.Segment, p.Audience, p.ImageURL,
		p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

// DeletePlan removes a plan, unless the row held locally is newer than the
// delete event (a stale delete from before the latest update is ignored).
func (db *DB) DeletePlan(id string, ts int64) error {
	_, err := db.Exec(`DELETE FROM plans WHERE id = ? AND updated_at <= ?`, id, ts)
	return err
}

const planColumns = `id, name, price_cents, data_gb, minutes, sms, speed_4g, speed_5g,
	social_media, whatsapp, intl_calls, roaming, segment, audience, image_url, active,
	created_at, updated_at`

// ListPlans returns the customer-facing catalog listing: active plans only,
// cheapest first, ties broken by identifier for a stable order.
func (db *DB) ListPlans() ([]Plan, error) {
	rows, err := db.Query(`
		SELECT ` + planColumns + `
		FROM plans
		WHERE active = 1
		ORDER BY price_cents ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanPlans(rows)
}

// SearchPlans filters the active listing by a case-insensitive substring
// match on name, segment, or target audience.
func (db *DB) SearchPlans(query string) ([]Plan, error) {
	like := "%" + query + "%"
	rows, err := db.Query(`
		SELECT `+planColumns+`
		FROM plans
		WHERE active = 1
			AND (name LIKE ? OR segment LIKE ? OR audience LIKE ?)
		ORDER BY price_cents ASC, id ASC`, like, like, like)
	if err != nil {
		return nil, err
	}
	return scanPlans(rows)
}

// PlansByPrice returns active plans inside an inclusive price band.
func (db *DB) PlansByPrice(minCents, maxCents int64) ([]Plan, error) {
	rows, err := db.Query(`
		SELECT `+planColumns+`
		FROM plans
		WHERE active = 1 AND price_cents >= ? AND price_cents <= ?
		ORDER BY price_cents ASC, id ASC`, minCents, maxCents)
	if err != nil {
		return nil, err
	}
	return scanPlans(rows)
}

// GetPlan returns a plan by ID regardless of its active flag, or nil when
// not cached locally.
func (db *DB) GetPlan(id string) (*Plan, error) {
	row := db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	var p Plan
	if err := scanPlanRow(row, &p); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPlans(rows *sql.Rows) ([]Plan, error) {
	defer func() { _ = rows.Close() }()
	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.DataGB, &p.Minutes, &p.SMS,
			&p.Speed4G, &p.Speed5G, &p.SocialMedia, &p.WhatsApp, &p.IntlCalls, &p.Roaming,
			&p.Segment, &p.Audience, &p.ImageURL, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlanRow(row *sql.Row, p *Plan) error {
	return row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.DataGB, &p.Minutes, &p.SMS,
		&p.Speed4G, &p.Speed5G, &p.SocialMedia, &p.WhatsApp, &p.IntlCalls, &p.Roaming,
		&p.Segment, &p.Audience, &p.ImageURL, &p.Active, &p.CreatedAt, &p.UpdatedAt)
}

package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/screening/screening/internal/domain/scoring"
	"github.com/screening/screening/internal/platform/db"
)

// NewStoresPG returns PostgreSQL-backed repositories. Every query runs on the
// transaction carried by ctx when there is one.
func NewStoresPG(pool db.Queryable) Stores {
	return Stores{
		Patients:    &patientRepoPG{pool: pool},
		Orders:      &orderRepoPG{pool: pool},
		Sessions:    &sessionRepoPG{pool: pool},
		Responses:   &responseRepoPG{pool: pool},
		Results:     &resultRepoPG{pool: pool},
		Idempotency: &idempotencyRepoPG{pool: pool},
		Consents:    &consentRepoPG{pool: pool},
		Deletions:   &deletionRepoPG{pool: pool},
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- Patient --

type patientRepoPG struct{ pool db.Queryable }

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, org_id, full_name, age, sex, mrn)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		p.ID, p.OrgID, p.FullName, p.Age, p.Sex, p.MRN,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, orgID string, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, org_id, full_name, age, sex, mrn, created_at
		FROM patient WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&p.ID, &p.OrgID, &p.FullName, &p.Age, &p.Sex, &p.MRN, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// -- Order --

type orderRepoPG struct{ pool db.Queryable }

const orderCols = `id, org_id, patient_id, battery_code, battery_version,
	encounter_type, referring_unit, administration_mode, status, created_by,
	created_at, started_at, completed_at, delivered_at, public_link_expires_at,
	delivery_mode, delivery_target, access_code_hash, access_code_expires_at,
	data_retention_until, deletion_status, acceptance_status, acceptance_at, acceptance_notes`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrgID, &o.PatientID, &o.BatteryCode, &o.BatteryVersion,
		&o.EncounterType, &o.ReferringUnit, &o.AdministrationMode, &o.Status, &o.CreatedBy,
		&o.CreatedAt, &o.StartedAt, &o.CompletedAt, &o.DeliveredAt, &o.PublicLinkExpiresAt,
		&o.DeliveryMode, &o.DeliveryTarget, &o.AccessCodeHash, &o.AccessCodeExpiresAt,
		&o.DataRetentionUntil, &o.DeletionStatus, &o.AcceptanceStatus, &o.AcceptanceAt, &o.AcceptanceNotes)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO assessment_order (id, org_id, patient_id, battery_code, battery_version,
			encounter_type, referring_unit, administration_mode, status, created_by,
			created_at, public_link_expires_at, delivery_mode, data_retention_until,
			deletion_status, acceptance_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at`,
		o.ID, o.OrgID, o.PatientID, o.BatteryCode, o.BatteryVersion,
		o.EncounterType, o.ReferringUnit, o.AdministrationMode, o.Status, o.CreatedBy,
		o.CreatedAt, o.PublicLinkExpiresAt, o.DeliveryMode, o.DataRetentionUntil,
		o.DeletionStatus, o.AcceptanceStatus,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, orgID string, id uuid.UUID) (*Order, error) {
	return scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM assessment_order WHERE id = $1 AND org_id = $2`, id, orgID))
}

func (r *orderRepoPG) GetForUpdate(ctx context.Context, orgID string, id uuid.UUID) (*Order, error) {
	if orgID == "" {
		return scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx,
			`SELECT `+orderCols+` FROM assessment_order WHERE id = $1 FOR UPDATE`, id))
	}
	return scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orderCols+` FROM assessment_order WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID))
}

// Update writes the mutable columns. data_retention_until is deliberately
// absent; it is fixed at insert.
func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE assessment_order SET
			status = $2, started_at = $3, completed_at = $4, delivered_at = $5,
			public_link_expires_at = $6, delivery_mode = $7, delivery_target = $8,
			access_code_hash = $9, access_code_expires_at = $10, deletion_status = $11,
			acceptance_status = $12, acceptance_at = $13, acceptance_notes = $14
		WHERE id = $1`,
		o.ID, o.Status, o.StartedAt, o.CompletedAt, o.DeliveredAt,
		o.PublicLinkExpiresAt, o.DeliveryMode, o.DeliveryTarget,
		o.AccessCodeHash, o.AccessCodeExpiresAt, o.DeletionStatus,
		o.AcceptanceStatus, o.AcceptanceAt, o.AcceptanceNotes)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (r *orderRepoPG) List(ctx context.Context, orgID string, statuses []string, limit, offset int) ([]*Order, int, error) {
	conn := db.Conn(ctx, r.pool)
	where := `WHERE org_id = $1 AND deletion_status <> 'DELETED'`
	args := []any{orgID}
	if len(statuses) > 0 {
		where += ` AND status = ANY($2)`
		args = append(args, statuses)
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM assessment_order `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM assessment_order %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderCols, where, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// ListInbox returns AWAITING_REVIEW orders, red-flagged ones first, then the
// oldest completion first.
func (r *orderRepoPG) ListInbox(ctx context.Context, orgID string, limit, offset int) ([]*InboxItem, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM assessment_order
		WHERE org_id = $1 AND status = 'AWAITING_REVIEW' AND deletion_status <> 'DELETED'`, orgID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count inbox: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT o.id, p.full_name, p.mrn, o.battery_code, o.status,
			COALESCE(r.primary_severity, ''), COALESCE(r.has_red_flags, FALSE), o.completed_at
		FROM assessment_order o
		JOIN patient p ON p.id = o.patient_id
		LEFT JOIN assessment_result r ON r.order_id = o.id
		WHERE o.org_id = $1 AND o.status = 'AWAITING_REVIEW' AND o.deletion_status <> 'DELETED'
		ORDER BY COALESCE(r.has_red_flags, FALSE) DESC, o.completed_at ASC
		LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []*InboxItem
	for rows.Next() {
		var it InboxItem
		if err := rows.Scan(&it.OrderID, &it.PatientName, &it.PatientMRN, &it.BatteryCode, &it.Status,
			&it.PrimarySeverity, &it.HasRedFlags, &it.CompletedAt); err != nil {
			return nil, 0, fmt.Errorf("scan inbox: %w", err)
		}
		out = append(out, &it)
	}
	return out, total, rows.Err()
}

func (r *orderRepoPG) listWhere(ctx context.Context, where string, args ...any) ([]*Order, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+orderCols+` FROM assessment_order `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *orderRepoPG) ListLinkExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return r.listWhere(ctx, `
		WHERE status IN ('CREATED', 'IN_PROGRESS')
			AND public_link_expires_at IS NOT NULL AND public_link_expires_at < $1
		ORDER BY public_link_expires_at LIMIT $2`, now, limit)
}

func (r *orderRepoPG) ListRetentionDue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return r.listWhere(ctx, `
		WHERE deletion_status = 'ACTIVE' AND data_retention_until < $1
			AND NOT EXISTS (
				SELECT 1 FROM deletion_request d
				WHERE d.order_id = assessment_order.id AND d.status IN ('REQUESTED', 'APPROVED'))
		ORDER BY data_retention_until LIMIT $2`, now, limit)
}

// -- Session --

type sessionRepoPG struct{ pool db.Queryable }

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO battery_session (id, order_id, status, current_test_index)
		VALUES ($1,$2,$3,$4)`, s.ID, s.OrderID, s.Status, s.CurrentTestIndex)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) get(ctx context.Context, orderID uuid.UUID, lock string) (*Session, error) {
	var s Session
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, order_id, status, current_test_index, started_at, completed_at
		FROM battery_session WHERE order_id = $1`+lock, orderID,
	).Scan(&s.ID, &s.OrderID, &s.Status, &s.CurrentTestIndex, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *sessionRepoPG) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Session, error) {
	return r.get(ctx, orderID, "")
}

func (r *sessionRepoPG) GetByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*Session, error) {
	return r.get(ctx, orderID, " FOR UPDATE")
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE battery_session SET status = $2, current_test_index = $3, started_at = $4, completed_at = $5
		WHERE id = $1`, s.ID, s.Status, s.CurrentTestIndex, s.StartedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (r *sessionRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return execCount(ctx, r.pool, `DELETE FROM battery_session WHERE order_id = $1`, orderID)
}

// -- Test responses --

type responseRepoPG struct{ pool db.Queryable }

func (r *responseRepoPG) Create(ctx context.Context, tr *TestResponse) error {
	tr.ID = uuid.New()
	answers, err := json.Marshal(tr.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	flags, err := json.Marshal(nonNil(tr.RedFlags))
	if err != nil {
		return fmt.Errorf("marshal red flags: %w", err)
	}
	detail := []byte("{}")
	if tr.Detail != nil {
		if detail, err = json.Marshal(tr.Detail); err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO test_response (id, session_id, order_id, test_code, answers, score, severity,
			red_flags, detail, duration_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING submitted_at`,
		tr.ID, tr.SessionID, tr.OrderID, tr.TestCode, answers, tr.Score, tr.Severity,
		flags, detail, tr.DurationSeconds,
	).Scan(&tr.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert test response: %w", err)
	}
	return nil
}

func (r *responseRepoPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]TestResponse, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, session_id, order_id, test_code, answers, score, severity, red_flags, detail,
			duration_seconds, submitted_at
		FROM test_response WHERE session_id = $1 ORDER BY submitted_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list test responses: %w", err)
	}
	defer rows.Close()

	var out []TestResponse
	for rows.Next() {
		var tr TestResponse
		var answers, flags, detail []byte
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.OrderID, &tr.TestCode, &answers, &tr.Score,
			&tr.Severity, &flags, &detail, &tr.DurationSeconds, &tr.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan test response: %w", err)
		}
		if err := json.Unmarshal(answers, &tr.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
		if err := json.Unmarshal(flags, &tr.RedFlags); err != nil {
			return nil, fmt.Errorf("decode red flags: %w", err)
		}
		if err := json.Unmarshal(detail, &tr.Detail); err != nil {
			return nil, fmt.Errorf("decode detail: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *responseRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return execCount(ctx, r.pool, `DELETE FROM test_response WHERE order_id = $1`, orderID)
}

// -- Results --

type resultRepoPG struct{ pool db.Queryable }

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	res.ID = uuid.New()
	payload, err := json.Marshal(resultDoc{SessionID: res.SessionID, BatteryResult: res.Result})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	quality, err := json.Marshal(res.Quality)
	if err != nil {
		return fmt.Errorf("marshal quality: %w", err)
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO assessment_result (id, order_id, primary_severity, has_red_flags, result_json, quality_json)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING computed_at`,
		res.ID, res.OrderID, res.PrimarySeverity, res.HasRedFlags, payload, quality,
	).Scan(&res.ComputedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// resultDoc is the stored shape of result_json: the engine output plus the
// session it was computed from.
type resultDoc struct {
	SessionID uuid.UUID `json:"session_id"`
	scoring.BatteryResult
}

func (r *resultRepoPG) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	var res Result
	var payload, quality []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, order_id, primary_severity, has_red_flags, result_json, quality_json, computed_at
		FROM assessment_result WHERE order_id = $1`, orderID,
	).Scan(&res.ID, &res.OrderID, &res.PrimarySeverity, &res.HasRedFlags, &payload, &quality, &res.ComputedAt)
	if err != nil {
		return nil, notFound(err)
	}
	var doc resultDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	res.SessionID = doc.SessionID
	res.Result = doc.BatteryResult
	if err := json.Unmarshal(quality, &res.Quality); err != nil {
		return nil, fmt.Errorf("decode quality: %w", err)
	}
	return &res, nil
}

func (r *resultRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return execCount(ctx, r.pool, `DELETE FROM assessment_result WHERE order_id = $1`, orderID)
}

// -- Idempotency keys --

type idempotencyRepoPG struct{ pool db.Queryable }

func (r *idempotencyRepoPG) Get(ctx context.Context, sessionID uuid.UUID, key string) ([]byte, error) {
	var resp []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT response_json FROM idempotency_key WHERE session_id = $1 AND key = $2`, sessionID, key,
	).Scan(&resp)
	if err != nil {
		return nil, notFound(err)
	}
	return resp, nil
}

func (r *idempotencyRepoPG) Put(ctx context.Context, sessionID uuid.UUID, key string, response []byte) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO idempotency_key (id, session_id, key, response_json) VALUES ($1,$2,$3,$4)`,
		uuid.New(), sessionID, key, response)
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (r *idempotencyRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return execCount(ctx, r.pool, `
		DELETE FROM idempotency_key
		WHERE session_id IN (SELECT id FROM battery_session WHERE order_id = $1)`, orderID)
}

// -- Consent --

type consentRepoPG struct{ pool db.Queryable }

func (r *consentRepoPG) Create(ctx context.Context, c *Consent) error {
	c.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consent_record (id, order_id, version, language, given_by, guardian_name,
			allow_data_processing, allow_report_generation, allow_share_with_clinician,
			allow_patient_copy, text_snapshot, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING consented_at`,
		c.ID, c.OrderID, c.Version, c.Language, c.GivenBy, c.GuardianName,
		c.AllowDataProcessing, c.AllowReportGeneration, c.AllowShareWithClinician,
		c.AllowPatientCopy, c.TextSnapshot, c.IPAddress, c.UserAgent,
	).Scan(&c.ConsentedAt)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func (r *consentRepoPG) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Consent, error) {
	var c Consent
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, order_id, version, language, given_by, guardian_name,
			allow_data_processing, allow_report_generation, allow_share_with_clinician,
			allow_patient_copy, text_snapshot, consented_at, ip_address, user_agent
		FROM consent_record WHERE order_id = $1`, orderID,
	).Scan(&c.ID, &c.OrderID, &c.Version, &c.Language, &c.GivenBy, &c.GuardianName,
		&c.AllowDataProcessing, &c.AllowReportGeneration, &c.AllowShareWithClinician,
		&c.AllowPatientCopy, &c.TextSnapshot, &c.ConsentedAt, &c.IPAddress, &c.UserAgent)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *consentRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	return execCount(ctx, r.pool, `DELETE FROM consent_record WHERE order_id = $1`, orderID)
}

// -- Deletion requests --

type deletionRepoPG struct{ pool db.Queryable }

func (r *deletionRepoPG) Create(ctx context.Context, d *DeletionRequest) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO deletion_request (id, org_id, order_id, reason, source, status, requested_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING requested_at`,
		d.ID, d.OrgID, d.OrderID, d.Reason, d.Source, d.Status, d.RequestedBy,
	).Scan(&d.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert deletion request: %w", err)
	}
	return nil
}

func (r *deletionRepoPG) GetForUpdate(ctx context.Context, orgID string, id uuid.UUID) (*DeletionRequest, error) {
	var d DeletionRequest
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, org_id, order_id, reason, source, status, requested_by, requested_at,
			decided_by, decided_at, executed_at
		FROM deletion_request WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID,
	).Scan(&d.ID, &d.OrgID, &d.OrderID, &d.Reason, &d.Source, &d.Status, &d.RequestedBy, &d.RequestedAt,
		&d.DecidedBy, &d.DecidedAt, &d.ExecutedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *deletionRepoPG) Update(ctx context.Context, d *DeletionRequest) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE deletion_request SET status = $2, decided_by = $3, decided_at = $4, executed_at = $5
		WHERE id = $1`, d.ID, d.Status, d.DecidedBy, d.DecidedAt, d.ExecutedAt)
	if err != nil {
		return fmt.Errorf("update deletion request: %w", err)
	}
	return nil
}

func (r *deletionRepoPG) HasOpen(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var open bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM deletion_request
			WHERE order_id = $1 AND status IN ('REQUESTED', 'APPROVED'))`, orderID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check open deletion request: %w", err)
	}
	return open, nil
}

func execCount(ctx context.Context, pool db.Queryable, sql string, args ...any) (int64, error) {
	tag, err := db.Conn(ctx, pool).Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

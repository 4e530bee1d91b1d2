package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/screening/screening/internal/platform/db"
)

type reportRepoPG struct{ pool db.Queryable }

func NewRepoPG(pool db.Queryable) Repository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const reportCols = `id, order_id, org_id, schema_version, engine_version, document,
	signoff_status, signoff_method, signed_by_name, signed_by_role, signoff_reason, signed_at,
	review_status, reviewed_by, reviewed_at, pdf_key, pdf_sha256, pdf_size,
	is_active, supersedes_report_id, correction_reason, created_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var doc []byte
	err := row.Scan(&rep.ID, &rep.OrderID, &rep.OrgID, &rep.SchemaVersion, &rep.EngineVersion, &doc,
		&rep.SignoffStatus, &rep.SignoffMethod, &rep.SignedByName, &rep.SignedByRole, &rep.SignoffReason, &rep.SignedAt,
		&rep.ReviewStatus, &rep.ReviewedBy, &rep.ReviewedAt, &rep.PDFKey, &rep.PDFSHA256, &rep.PDFSize,
		&rep.IsActive, &rep.SupersedesReportID, &rep.CorrectionReason, &rep.CreatedAt)
	if err != nil {
		return nil, err
	}
	rep.Document = doc
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assessment_report (id, order_id, org_id, schema_version, engine_version, document,
			signoff_status, review_status, is_active, supersedes_report_id, correction_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		rep.ID, rep.OrderID, rep.OrgID, rep.SchemaVersion, rep.EngineVersion, []byte(rep.Document),
		rep.SignoffStatus, rep.ReviewStatus, rep.IsActive, rep.SupersedesReportID, rep.CorrectionReason,
	).Scan(&rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *reportRepoPG) getActive(ctx context.Context, orderID uuid.UUID, lock bool) (*Report, error) {
	q := `SELECT ` + reportCols + ` FROM assessment_report WHERE order_id = $1 AND is_active`
	if lock {
		q += ` FOR UPDATE`
	}
	rep, err := scanReport(r.conn(ctx).QueryRow(ctx, q, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select active report: %w", err)
	}
	return rep, nil
}

func (r *reportRepoPG) GetActive(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	return r.getActive(ctx, orderID, false)
}

func (r *reportRepoPG) GetActiveForUpdate(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	return r.getActive(ctx, orderID, true)
}

func (r *reportRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE assessment_report SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate report: %w", err)
	}
	return nil
}

func (r *reportRepoPG) UpdateSignoff(ctx context.Context, rep *Report) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_report
		SET signoff_status = $2, signoff_method = $3, signed_by_name = $4, signed_by_role = $5,
			signoff_reason = $6, signed_at = $7
		WHERE id = $1`,
		rep.ID, rep.SignoffStatus, rep.SignoffMethod, rep.SignedByName, rep.SignedByRole,
		rep.SignoffReason, rep.SignedAt)
	if err != nil {
		return fmt.Errorf("update report signoff: %w", err)
	}
	return nil
}

func (r *reportRepoPG) UpdateReview(ctx context.Context, rep *Report) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_report SET review_status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1`,
		rep.ID, rep.ReviewStatus, rep.ReviewedBy, rep.ReviewedAt)
	if err != nil {
		return fmt.Errorf("update report review: %w", err)
	}
	return nil
}

func (r *reportRepoPG) SetPDF(ctx context.Context, id uuid.UUID, key, sha256 string, size int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_report SET pdf_key = $2, pdf_sha256 = $3, pdf_size = $4 WHERE id = $1`,
		id, key, sha256, size)
	if err != nil {
		return fmt.Errorf("update report pdf: %w", err)
	}
	return nil
}

func (r *reportRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+reportCols+` FROM assessment_report WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	var out []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (r *reportRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, []string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`DELETE FROM assessment_report WHERE order_id = $1 RETURNING pdf_key`, orderID)
	if err != nil {
		return 0, nil, fmt.Errorf("delete reports: %w", err)
	}
	defer rows.Close()
	var n int64
	var keys []string
	for rows.Next() {
		var key *string
		if err := rows.Scan(&key); err != nil {
			return 0, nil, fmt.Errorf("scan deleted report: %w", err)
		}
		n++
		if key != nil {
			keys = append(keys, *key)
		}
	}
	return n, keys, rows.Err()
}

package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const claimCols = `id, claim_number, payor_claim_id,
	patient_name, insurance_id, diagnosis_code, diagnosis_codes,
	procedure_code, procedure_codes, service_date,
	amount_requested, amount_approved, patient_responsibility,
	priority, status, notes,
	submitted_to_payor, payor_submission_date, payor_response,
	version, created_at, updated_at`

func (r *repoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PayorClaimID,
		&c.PatientName, &c.InsuranceID, &c.DiagnosisCode, &c.DiagnosisCodes,
		&c.ProcedureCode, &c.ProcedureCodes, &c.ServiceDate,
		&c.AmountRequested, &c.AmountApproved, &c.PatientResp,
		&c.Priority, &c.Status, &c.Notes,
		&c.SubmittedToPayor, &c.PayorSubmissionDate, &c.PayorResponse,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO claims (id, claim_number, payor_claim_id,
			patient_name, insurance_id, diagnosis_code, diagnosis_codes,
			procedure_code, procedure_codes, service_date,
			amount_requested, amount_approved, patient_responsibility,
			priority, status, notes,
			submitted_to_payor, payor_submission_date, payor_response, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		c.ID, c.ClaimNumber, c.PayorClaimID,
		c.PatientName, c.InsuranceID, c.DiagnosisCode, c.DiagnosisCodes,
		c.ProcedureCode, c.ProcedureCodes, c.ServiceDate,
		c.AmountRequested, c.AmountApproved, c.PatientResp,
		c.Priority, c.Status, c.Notes,
		c.SubmittedToPayor, c.PayorSubmissionDate, c.PayorResponse, c.Version)
	if isUniqueViolation(err) {
		return ErrDuplicateClaimNumber
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
}

func (r *repoPG) GetByClaimNumber(ctx context.Context, number string) (*Claim, error) {
	return r.scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_number = $1`, number))
}

func (r *repoPG) GetByPayorClaimID(ctx context.Context, payorClaimID string) (*Claim, error) {
	return r.scanClaim(r.pool.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE payor_claim_id = $1`, payorClaimID))
}

func (r *repoPG) FindByPatientAmount(ctx context.Context, patientName string, amount float64) (*Claim, error) {
	return r.scanClaim(r.pool.QueryRow(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE patient_name = $1 AND amount_requested = $2
		  AND status NOT IN ('approved', 'rejected')
		ORDER BY created_at DESC
		LIMIT 1`, patientName, amount))
}

func (r *repoPG) ListNonTerminalWithPayorID(ctx context.Context) ([]*Claim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE status NOT IN ('approved', 'rejected')
		  AND payor_claim_id IS NOT NULL AND payor_claim_id <> ''
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *repoPG) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Claim, int, error) {
	// Empty status matches everything; an empty $3 disables the filter so
	// both shapes share one query plan.
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE ($1 = '' OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) HighestSequence(ctx context.Context, year int) (int, error) {
	// Claim numbers are CLM-<year>-NNN with a zero-padded three-digit
	// sequence; overflow past 999 widens the suffix, so cast rather than
	// ordering lexicographically. Timestamp-suffixed fallback numbers
	// (CLM-<year>-NNN-SSSS) fail the anchored match and stay out of the max.
	var highest int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(claim_number FROM 'CLM-\d{4}-(\d+)$') AS INTEGER)), 0)
		FROM claims
		WHERE claim_number LIKE 'CLM-' || $1::text || '-%'`, year).Scan(&highest)
	return highest, err
}

func (r *repoPG) UpdateStatus(ctx context.Context, c *Claim, expectedVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE claims SET status=$2, amount_approved=$3, patient_responsibility=$4,
			notes=$5, payor_response=$6, payor_claim_id=$7, version=$8, updated_at=NOW()
		WHERE id = $1 AND version = $9`,
		c.ID, c.Status, c.AmountApproved, c.PatientResp,
		c.Notes, c.PayorResponse, c.PayorClaimID, c.Version, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *repoPG) UpdateSubmission(ctx context.Context, c *Claim) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE claims SET payor_claim_id=$2, submitted_to_payor=$3,
			payor_submission_date=$4, payor_response=$5, status=$6, version=$7, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.PayorClaimID, c.SubmittedToPayor,
		c.PayorSubmissionDate, c.PayorResponse, c.Status, c.Version)
	return err
}

func (r *repoPG) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO claim_history (id, claim_id, previous_status, new_status,
			changed_at, changed_by, source, notes, payload_checksum)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ClaimID, e.PreviousStatus, e.NewStatus,
		e.ChangedAt, e.ChangedBy, e.Source, e.Notes, e.PayloadChecksum)
	return err
}

func (r *repoPG) ListHistory(ctx context.Context, claimID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, claim_id, previous_status, new_status,
			changed_at, changed_by, source, notes, payload_checksum
		FROM claim_history WHERE claim_id = $1 ORDER BY changed_at, id`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.PreviousStatus, &e.NewStatus,
			&e.ChangedAt, &e.ChangedBy, &e.Source, &e.Notes, &e.PayloadChecksum); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *repoPG) HistoryExists(ctx context.Context, claimID uuid.UUID, newStatus, checksum string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM claim_history
			WHERE claim_id = $1 AND new_status = $2 AND payload_checksum = $3
		)`, claimID, newStatus, checksum).Scan(&exists)
	return exists, err
}

// =========== Insurance-ID Link Repository ===========

type linkRepoPG struct{ pool *pgxpool.Pool }

func NewLinkRepoPG(pool *pgxpool.Pool) LinkRepository { return &linkRepoPG{pool: pool} }

func (r *linkRepoPG) ResolvePolicyID(ctx context.Context, localID string) (string, error) {
	var policyID string
	err := r.pool.QueryRow(ctx, `
		SELECT payor_policy_id FROM insurance_id_links WHERE local_id = $1`, localID).Scan(&policyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return policyID, err
}

func (r *linkRepoPG) SaveLink(ctx context.Context, link *InsuranceIDLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO insurance_id_links (id, local_id, payor_policy_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (local_id) DO UPDATE SET payor_policy_id = EXCLUDED.payor_policy_id`,
		link.ID, link.LocalID, link.PayorPolicyID)
	return err
}

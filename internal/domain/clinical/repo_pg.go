package clinical

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/db"
)

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewNoteRepoPG(pool *pgxpool.Pool) NoteRepository { return &noteRepoPG{pool: pool} }

func (r *noteRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const noteCols = `n.id, n.tenant_id, n.patient_id, n.therapist_id, n.appointment_id, n.note_type,
	n.subjective, n.objective, n.assessment, n.plan, n.is_signed, n.signed_at,
	n.created_at, n.updated_at, p.user_id`

const noteFrom = ` FROM clinical_notes n
	JOIN patients p ON p.tenant_id = n.tenant_id AND p.id = n.patient_id`

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.TenantID, &n.PatientID, &n.TherapistID, &n.AppointmentID, &n.NoteType,
		&n.Subjective, &n.Objective, &n.Assessment, &n.Plan, &n.IsSigned, &n.SignedAt,
		&n.CreatedAt, &n.UpdatedAt, &n.PatientUserID)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("clinical note")
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_notes (id, tenant_id, patient_id, therapist_id, appointment_id, note_type,
			subjective, objective, assessment, plan, is_signed, signed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		n.ID, n.TenantID, n.PatientID, n.TherapistID, n.AppointmentID, n.NoteType,
		n.Subjective, n.Objective, n.Assessment, n.Plan, n.IsSigned, n.SignedAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return apperr.Conflict("patient, therapist or appointment does not exist in this tenant")
	}
	return err
}

func (r *noteRepoPG) Get(ctx context.Context, tenantID, id uuid.UUID) (*Note, error) {
	return scanNote(r.conn(ctx).QueryRow(ctx,
		`SELECT `+noteCols+noteFrom+` WHERE n.tenant_id = $1 AND n.id = $2`, tenantID, id))
}

func (r *noteRepoPG) GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*Note, error) {
	return scanNote(r.conn(ctx).QueryRow(ctx,
		`SELECT `+noteCols+noteFrom+` WHERE n.tenant_id = $1 AND n.id = $2 FOR UPDATE OF n`, tenantID, id))
}

func (r *noteRepoPG) List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Note, int, error) {
	where := ` WHERE n.tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if f.PatientID != nil {
		where += fmt.Sprintf(` AND n.patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.TherapistID != nil {
		where += fmt.Sprintf(` AND n.therapist_id = $%d`, idx)
		args = append(args, *f.TherapistID)
		idx++
	}
	if f.NoteType != "" {
		where += fmt.Sprintf(` AND n.note_type = $%d`, idx)
		args = append(args, f.NoteType)
		idx++
	}
	if f.IsSigned != nil {
		where += fmt.Sprintf(` AND n.is_signed = $%d`, idx)
		args = append(args, *f.IsSigned)
		idx++
	}
	if f.OwnerUserID != nil {
		where += fmt.Sprintf(` AND p.user_id = $%d`, idx)
		args = append(args, *f.OwnerUserID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+noteFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + noteCols + noteFrom + where +
		fmt.Sprintf(` ORDER BY n.created_at DESC, n.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *noteRepoPG) Update(ctx context.Context, n *Note) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_notes SET note_type=$3, subjective=$4, objective=$5, assessment=$6, plan=$7,
			is_signed=$8, signed_at=$9, updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		n.TenantID, n.ID, n.NoteType, n.Subjective, n.Objective, n.Assessment, n.Plan,
		n.IsSigned, n.SignedAt,
	).Scan(&n.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("clinical note")
	}
	return err
}

func (r *noteRepoPG) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM clinical_notes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("clinical note")
	}
	return nil
}

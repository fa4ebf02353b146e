package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, tenant_id, user_id, first_name, last_name, date_of_birth,
	phone, email, address, emergency_contact_name, emergency_contact_phone,
	insurance_info, medical_history, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var dob time.Time
	err := row.Scan(&p.ID, &p.TenantID, &p.UserID, &p.FirstName, &p.LastName, &dob,
		&p.Phone, &p.Email, &p.Address, &p.EmergencyContactName, &p.EmergencyContactPhone,
		&p.InsuranceInfo, &p.MedicalHistory, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient")
	}
	if err != nil {
		return nil, err
	}
	p.DateOfBirth = Date{dob}
	return &p, nil
}

func integrity(err error) error {
	if db.IsForeignKeyViolation(err) {
		return apperr.Conflict("patient references a user outside this tenant or is still referenced")
	}
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("patient already exists")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, tenant_id, user_id, first_name, last_name, date_of_birth,
			phone, email, address, emergency_contact_name, emergency_contact_phone,
			insurance_info, medical_history)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.UserID, p.FirstName, p.LastName, p.DateOfBirth.Time,
		p.Phone, p.Email, p.Address, p.EmergencyContactName, p.EmergencyContactPhone,
		p.InsuranceInfo, p.MedicalHistory,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return integrity(err)
}

func (r *repoPG) Get(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (r *repoPG) GetByUser(ctx context.Context, tenantID, userID uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at LIMIT 1`, tenantID, userID))
}

func (r *repoPG) List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Patient, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if f.OwnerUserID != nil {
		where += fmt.Sprintf(` AND user_id = $%d`, idx)
		args = append(args, *f.OwnerUserID)
		idx++
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		where += fmt.Sprintf(` AND (first_name ILIKE $%d OR last_name ILIKE $%d)`, idx, idx)
		args = append(args, escapeLike(s)+"%")
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + patientCols + ` FROM patients` + where +
		fmt.Sprintf(` ORDER BY last_name, first_name, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET user_id=$3, first_name=$4, last_name=$5, date_of_birth=$6,
			phone=$7, email=$8, address=$9, emergency_contact_name=$10,
			emergency_contact_phone=$11, insurance_info=$12, medical_history=$13,
			updated_at=NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		p.TenantID, p.ID, p.UserID, p.FirstName, p.LastName, p.DateOfBirth.Time,
		p.Phone, p.Email, p.Address, p.EmergencyContactName, p.EmergencyContactPhone,
		p.InsuranceInfo, p.MedicalHistory,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("patient")
	}
	return integrity(err)
}

func (r *repoPG) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if db.IsForeignKeyViolation(err) {
		return apperr.Conflict("patient has appointments or clinical notes")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient")
	}
	return nil
}

func (r *repoPG) Stats(ctx context.Context, tenantID uuid.UUID) (*Stats, error) {
	var st Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(user_id) FROM patients WHERE tenant_id = $1`, tenantID,
	).Scan(&st.Total, &st.WithUserAccount)
	if err != nil {
		return nil, err
	}
	st.WithoutUserAccount = st.Total - st.WithUserAccount
	return &st, nil
}

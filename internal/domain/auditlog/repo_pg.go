package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

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

const entryCols = `id, tenant_id, user_id, action, table_name, record_id,
	old_values, new_values, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var oldRaw, newRaw []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.TableName, &e.RecordID,
		&oldRaw, &newRaw, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalSnapshot(oldRaw, &e.OldValues); err != nil {
		return nil, fmt.Errorf("audit entry %s old_values: %w", e.ID, err)
	}
	if err := unmarshalSnapshot(newRaw, &e.NewValues); err != nil {
		return nil, fmt.Errorf("audit entry %s new_values: %w", e.ID, err)
	}
	return &e, nil
}

func marshalSnapshot(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalSnapshot(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	oldRaw, err := marshalSnapshot(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old_values: %w", err)
	}
	newRaw, err := marshalSnapshot(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_logs (id, tenant_id, user_id, action, table_name, record_id,
			old_values, new_values, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		e.ID, e.TenantID, e.UserID, e.Action, e.TableName, e.RecordID,
		oldRaw, newRaw, nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent)).Scan(&e.CreatedAt)
}

func (r *repoPG) Get(ctx context.Context, tenantID, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_logs WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("audit log")
	}
	return e, err
}

func (r *repoPG) List(ctx context.Context, tenantID uuid.UUID, f Filter) ([]*Entry, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if f.TableName != "" {
		where += fmt.Sprintf(` AND table_name = $%d`, idx)
		args = append(args, f.TableName)
		idx++
	}
	if f.Action != "" {
		where += fmt.Sprintf(` AND action = $%d`, idx)
		args = append(args, f.Action)
		idx++
	}
	if f.UserID != nil {
		where += fmt.Sprintf(` AND user_id = $%d`, idx)
		args = append(args, *f.UserID)
		idx++
	}
	if f.RecordID != nil {
		where += fmt.Sprintf(` AND record_id = $%d`, idx)
		args = append(args, *f.RecordID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + entryCols + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

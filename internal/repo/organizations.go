package repo

import (
	"context"
	"database/sql"

	"bylawscan/internal/domain"
)

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,state,website,created_at) VALUES (?,?,?,?,?)`,
		o.ID, o.Name, nullable(o.State), nullable(o.Website), o.CreatedAt)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	var state, website sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,state,website,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &state, &website, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if state.Valid {
		o.State = state.String
	}
	if website.Valid {
		o.Website = website.String
	}
	return o, err
}

func (r Repo) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,state,website,created_at FROM organizations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		var state, website sql.NullString
		if err := rows.Scan(&o.ID, &o.Name, &state, &website, &o.CreatedAt); err != nil {
			return nil, err
		}
		if state.Valid {
			o.State = state.String
		}
		if website.Valid {
			o.Website = website.String
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OrganizationsExist verifies every id refers to a stored organization.
func (r Repo) OrganizationsExist(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		var one int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM organizations WHERE id=?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const clientColumns = `id, company_id, name, email, phone, handle, tags, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (Client, error) {
	var i Client
	err := row.Scan(
		&i.ID,
		&i.CompanyID,
		&i.Name,
		&i.Email,
		&i.Phone,
		&i.Handle,
		&i.Tags,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const acquireXactLock = `-- name: AcquireXactLock :exec
SELECT pg_advisory_xact_lock(hashtext($1))
`

// AcquireXactLock serializes work on key until the surrounding transaction ends.
func (q *Queries) AcquireXactLock(ctx context.Context, key string) error {
	_, err := q.db.Exec(ctx, acquireXactLock, key)
	return err
}

const getClient = `-- name: GetClient :one
SELECT ` + clientColumns + ` FROM clients WHERE id = $1
`

func (q *Queries) GetClient(ctx context.Context, id pgtype.UUID) (Client, error) {
	return scanClient(q.db.QueryRow(ctx, getClient, id))
}

const findClientByPhone = `-- name: FindClientByPhone :one
SELECT ` + clientColumns + ` FROM clients
WHERE company_id IS NOT DISTINCT FROM $1 AND phone = $2
ORDER BY created_at ASC
LIMIT 1
`

type FindClientByPhoneParams struct {
	CompanyID pgtype.UUID `json:"company_id"`
	Phone     string      `json:"phone"`
}

func (q *Queries) FindClientByPhone(ctx context.Context, arg FindClientByPhoneParams) (Client, error) {
	return scanClient(q.db.QueryRow(ctx, findClientByPhone, arg.CompanyID, arg.Phone))
}

const findClientByEmail = `-- name: FindClientByEmail :one
SELECT ` + clientColumns + ` FROM clients
WHERE company_id IS NOT DISTINCT FROM $1 AND lower(email) = lower($2)
ORDER BY created_at ASC
LIMIT 1
`

type FindClientByEmailParams struct {
	CompanyID pgtype.UUID `json:"company_id"`
	Email     string      `json:"email"`
}

func (q *Queries) FindClientByEmail(ctx context.Context, arg FindClientByEmailParams) (Client, error) {
	return scanClient(q.db.QueryRow(ctx, findClientByEmail, arg.CompanyID, arg.Email))
}

const findClientByHandle = `-- name: FindClientByHandle :one
SELECT ` + clientColumns + ` FROM clients
WHERE company_id IS NOT DISTINCT FROM $1 AND handle = $2
ORDER BY created_at ASC
LIMIT 1
`

type FindClientByHandleParams struct {
	CompanyID pgtype.UUID `json:"company_id"`
	Handle    string      `json:"handle"`
}

func (q *Queries) FindClientByHandle(ctx context.Context, arg FindClientByHandleParams) (Client, error) {
	return scanClient(q.db.QueryRow(ctx, findClientByHandle, arg.CompanyID, arg.Handle))
}

const createClient = `-- name: CreateClient :one
INSERT INTO clients (company_id, name, email, phone, handle, tags)
VALUES ($1, $2, $3, $4, $5, '{}')
RETURNING ` + clientColumns + `
`

type CreateClientParams struct {
	CompanyID pgtype.UUID `json:"company_id"`
	Name      string      `json:"name"`
	Email     pgtype.Text `json:"email"`
	Phone     pgtype.Text `json:"phone"`
	Handle    pgtype.Text `json:"handle"`
}

func (q *Queries) CreateClient(ctx context.Context, arg CreateClientParams) (Client, error) {
	return scanClient(q.db.QueryRow(ctx, createClient, arg.CompanyID, arg.Name, arg.Email, arg.Phone, arg.Handle))
}

const companyColumns = `id, name, slug, anchor_token, status, created_at`

func scanCompany(row interface{ Scan(...any) error }) (Company, error) {
	var i Company
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Slug,
		&i.AnchorToken,
		&i.Status,
		&i.CreatedAt,
	)
	return i, err
}

const getCompanyByAnchorToken = `-- name: GetCompanyByAnchorToken :one
SELECT ` + companyColumns + ` FROM companies WHERE anchor_token = $1
`

func (q *Queries) GetCompanyByAnchorToken(ctx context.Context, anchorToken string) (Company, error) {
	return scanCompany(q.db.QueryRow(ctx, getCompanyByAnchorToken, anchorToken))
}

const createCompany = `-- name: CreateCompany :one
INSERT INTO companies (name, slug, anchor_token)
VALUES ($1, $2, $3)
RETURNING ` + companyColumns + `
`

type CreateCompanyParams struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	AnchorToken string `json:"anchor_token"`
}

func (q *Queries) CreateCompany(ctx context.Context, arg CreateCompanyParams) (Company, error) {
	return scanCompany(q.db.QueryRow(ctx, createCompany, arg.Name, arg.Slug, arg.AnchorToken))
}

package sqlc

import (
	"context"
)

const getPersona = `-- name: GetPersona :one
SELECT scope, display_name, system_prompt, sales_context, updated_at FROM personas WHERE scope = $1
`

func (q *Queries) GetPersona(ctx context.Context, scope string) (Persona, error) {
	var i Persona
	err := q.db.QueryRow(ctx, getPersona, scope).Scan(
		&i.Scope,
		&i.DisplayName,
		&i.SystemPrompt,
		&i.SalesContext,
		&i.UpdatedAt,
	)
	return i, err
}

const upsertPersona = `-- name: UpsertPersona :one
INSERT INTO personas (scope, display_name, system_prompt, sales_context, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (scope) DO UPDATE
SET display_name = EXCLUDED.display_name,
    system_prompt = EXCLUDED.system_prompt,
    sales_context = EXCLUDED.sales_context,
    updated_at = now()
RETURNING scope, display_name, system_prompt, sales_context, updated_at
`

type UpsertPersonaParams struct {
	Scope        string `json:"scope"`
	DisplayName  string `json:"display_name"`
	SystemPrompt string `json:"system_prompt"`
	SalesContext string `json:"sales_context"`
}

func (q *Queries) UpsertPersona(ctx context.Context, arg UpsertPersonaParams) (Persona, error) {
	var i Persona
	err := q.db.QueryRow(ctx, upsertPersona, arg.Scope, arg.DisplayName, arg.SystemPrompt, arg.SalesContext).Scan(
		&i.Scope,
		&i.DisplayName,
		&i.SystemPrompt,
		&i.SalesContext,
		&i.UpdatedAt,
	)
	return i, err
}

const insertAuditLog = `-- name: InsertAuditLog :exec
INSERT INTO audit_logs (actor, action, resource_type, resource_id, details)
VALUES ($1, $2, $3, $4, $5)
`

type InsertAuditLogParams struct {
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Details      []byte `json:"details"`
}

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	_, err := q.db.Exec(ctx, insertAuditLog,
		arg.Actor,
		arg.Action,
		arg.ResourceType,
		arg.ResourceID,
		arg.Details,
	)
	return err
}

package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const conversationColumns = `id, client_id, company_id, channel, status, ai_mode, assigned_to_id, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var i Conversation
	err := row.Scan(
		&i.ID,
		&i.ClientID,
		&i.CompanyID,
		&i.Channel,
		&i.Status,
		&i.AiMode,
		&i.AssignedToID,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getConversation = `-- name: GetConversation :one
SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1
`

func (q *Queries) GetConversation(ctx context.Context, id pgtype.UUID) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, getConversation, id))
}

const getLiveConversation = `-- name: GetLiveConversation :one
SELECT ` + conversationColumns + ` FROM conversations
WHERE client_id = $1 AND channel = $2 AND status <> 'closed'
ORDER BY updated_at DESC
LIMIT 1
`

type GetLiveConversationParams struct {
	ClientID pgtype.UUID `json:"client_id"`
	Channel  string      `json:"channel"`
}

func (q *Queries) GetLiveConversation(ctx context.Context, arg GetLiveConversationParams) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, getLiveConversation, arg.ClientID, arg.Channel))
}

const insertLiveConversation = `-- name: InsertLiveConversation :one
INSERT INTO conversations (client_id, company_id, channel, status, ai_mode)
VALUES ($1, $2, $3, 'open', 'auto')
ON CONFLICT (client_id, channel) WHERE status <> 'closed' DO NOTHING
RETURNING ` + conversationColumns + `
`

type InsertLiveConversationParams struct {
	ClientID  pgtype.UUID `json:"client_id"`
	CompanyID pgtype.UUID `json:"company_id"`
	Channel   string      `json:"channel"`
}

// InsertLiveConversation returns pgx.ErrNoRows when a live conversation already exists.
func (q *Queries) InsertLiveConversation(ctx context.Context, arg InsertLiveConversationParams) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, insertLiveConversation, arg.ClientID, arg.CompanyID, arg.Channel))
}

const updateConversation = `-- name: UpdateConversation :one
UPDATE conversations
SET status = COALESCE($2, status),
    ai_mode = COALESCE($3, ai_mode),
    assigned_to_id = CASE WHEN $4::boolean THEN $5 ELSE assigned_to_id END,
    updated_at = now()
WHERE id = $1
RETURNING ` + conversationColumns + `
`

type UpdateConversationParams struct {
	ID           pgtype.UUID `json:"id"`
	Status       pgtype.Text `json:"status"`
	AiMode       pgtype.Text `json:"ai_mode"`
	SetAssignee  bool        `json:"set_assignee"`
	AssignedToID pgtype.Text `json:"assigned_to_id"`
}

func (q *Queries) UpdateConversation(ctx context.Context, arg UpdateConversationParams) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, updateConversation,
		arg.ID,
		arg.Status,
		arg.AiMode,
		arg.SetAssignee,
		arg.AssignedToID,
	))
}

const touchConversation = `-- name: TouchConversation :execrows
UPDATE conversations SET updated_at = $2 WHERE id = $1
`

type TouchConversationParams struct {
	ID        pgtype.UUID        `json:"id"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}

func (q *Queries) TouchConversation(ctx context.Context, arg TouchConversationParams) (int64, error) {
	result, err := q.db.Exec(ctx, touchConversation, arg.ID, arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const conversationWithClientColumns = `c.id, c.client_id, c.company_id, c.channel, c.status, c.ai_mode, c.assigned_to_id, c.created_at, c.updated_at,
  cl.id, cl.company_id, cl.name, cl.email, cl.phone, cl.handle, cl.tags, cl.created_at, cl.updated_at`

type ConversationWithClientRow struct {
	Conversation Conversation `json:"conversation"`
	Client       Client       `json:"client"`
}

func scanConversationWithClient(row interface{ Scan(...any) error }) (ConversationWithClientRow, error) {
	var i ConversationWithClientRow
	err := row.Scan(
		&i.Conversation.ID,
		&i.Conversation.ClientID,
		&i.Conversation.CompanyID,
		&i.Conversation.Channel,
		&i.Conversation.Status,
		&i.Conversation.AiMode,
		&i.Conversation.AssignedToID,
		&i.Conversation.CreatedAt,
		&i.Conversation.UpdatedAt,
		&i.Client.ID,
		&i.Client.CompanyID,
		&i.Client.Name,
		&i.Client.Email,
		&i.Client.Phone,
		&i.Client.Handle,
		&i.Client.Tags,
		&i.Client.CreatedAt,
		&i.Client.UpdatedAt,
	)
	return i, err
}

const getConversationWithClient = `-- name: GetConversationWithClient :one
SELECT ` + conversationWithClientColumns + `
FROM conversations c
JOIN clients cl ON cl.id = c.client_id
WHERE c.id = $1
`

func (q *Queries) GetConversationWithClient(ctx context.Context, id pgtype.UUID) (ConversationWithClientRow, error) {
	return scanConversationWithClient(q.db.QueryRow(ctx, getConversationWithClient, id))
}

const listConversations = `-- name: ListConversations :many
SELECT ` + conversationWithClientColumns + `
FROM conversations c
JOIN clients cl ON cl.id = c.client_id
WHERE ($1::text IS NULL OR c.status = $1)
  AND ($2::uuid IS NULL OR c.client_id = $2)
  AND ($3::uuid IS NULL OR c.company_id = $3)
  AND (NOT $4::boolean OR c.assigned_to_id IS NULL)
  AND ($5::text IS NULL OR c.assigned_to_id = $5)
ORDER BY c.updated_at DESC
OFFSET $6
LIMIT $7
`

type ListConversationsParams struct {
	Status       pgtype.Text `json:"status"`
	ClientID     pgtype.UUID `json:"client_id"`
	CompanyID    pgtype.UUID `json:"company_id"`
	Unassigned   bool        `json:"unassigned"`
	AssignedToID pgtype.Text `json:"assigned_to_id"`
	Offset       int32       `json:"offset"`
	Limit        int32       `json:"limit"`
}

func (q *Queries) ListConversations(ctx context.Context, arg ListConversationsParams) ([]ConversationWithClientRow, error) {
	rows, err := q.db.Query(ctx, listConversations,
		arg.Status,
		arg.ClientID,
		arg.CompanyID,
		arg.Unassigned,
		arg.AssignedToID,
		arg.Offset,
		arg.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ConversationWithClientRow
	for rows.Next() {
		i, err := scanConversationWithClient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countConversationsByStatus = `-- name: CountConversationsByStatus :many
SELECT status, count(*) FROM conversations
WHERE ($1::uuid IS NULL OR company_id = $1)
GROUP BY status
`

type CountConversationsByStatusRow struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (q *Queries) CountConversationsByStatus(ctx context.Context, companyID pgtype.UUID) ([]CountConversationsByStatusRow, error) {
	rows, err := q.db.Query(ctx, countConversationsByStatus, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountConversationsByStatusRow
	for rows.Next() {
		var i CountConversationsByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const messageColumns = `id, conversation_id, sender, content, external_id, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var i Message
	err := row.Scan(
		&i.ID,
		&i.ConversationID,
		&i.Sender,
		&i.Content,
		&i.ExternalID,
		&i.CreatedAt,
	)
	return i, err
}

func collectMessages(rows pgx.Rows, err error) ([]Message, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Message
	for rows.Next() {
		i, err := scanMessage(rows)
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

const getMessageByExternalID = `-- name: GetMessageByExternalID :one
SELECT ` + messageColumns + ` FROM messages WHERE external_id = $1
`

func (q *Queries) GetMessageByExternalID(ctx context.Context, externalID string) (Message, error) {
	return scanMessage(q.db.QueryRow(ctx, getMessageByExternalID, externalID))
}

const insertMessage = `-- name: InsertMessage :one
INSERT INTO messages (conversation_id, sender, content, external_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (external_id) DO NOTHING
RETURNING ` + messageColumns + `
`

type InsertMessageParams struct {
	ConversationID pgtype.UUID `json:"conversation_id"`
	Sender         string      `json:"sender"`
	Content        string      `json:"content"`
	ExternalID     pgtype.Text `json:"external_id"`
}

// InsertMessage returns pgx.ErrNoRows when the external id already exists.
func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error) {
	return scanMessage(q.db.QueryRow(ctx, insertMessage, arg.ConversationID, arg.Sender, arg.Content, arg.ExternalID))
}

const listMessages = `-- name: ListMessages :many
SELECT ` + messageColumns + ` FROM messages
WHERE conversation_id = $1
ORDER BY created_at ASC, id ASC
OFFSET $2
LIMIT $3
`

type ListMessagesParams struct {
	ConversationID pgtype.UUID `json:"conversation_id"`
	Offset         int32       `json:"offset"`
	Limit          int32       `json:"limit"`
}

func (q *Queries) ListMessages(ctx context.Context, arg ListMessagesParams) ([]Message, error) {
	return collectMessages(q.db.Query(ctx, listMessages, arg.ConversationID, arg.Offset, arg.Limit))
}

const listRecentMessages = `-- name: ListRecentMessages :many
SELECT ` + messageColumns + ` FROM (
  SELECT ` + messageColumns + ` FROM messages
  WHERE conversation_id = $1
  ORDER BY created_at DESC, id DESC
  LIMIT $2
) recent
ORDER BY created_at ASC, id ASC
`

type ListRecentMessagesParams struct {
	ConversationID pgtype.UUID `json:"conversation_id"`
	Limit          int32       `json:"limit"`
}

func (q *Queries) ListRecentMessages(ctx context.Context, arg ListRecentMessagesParams) ([]Message, error) {
	return collectMessages(q.db.Query(ctx, listRecentMessages, arg.ConversationID, arg.Limit))
}

const countMessagesByChannelSince = `-- name: CountMessagesByChannelSince :many
SELECT c.channel, count(*)
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE m.created_at >= $1
  AND ($2::uuid IS NULL OR c.company_id = $2)
GROUP BY c.channel
`

type CountMessagesByChannelSinceRow struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
}

type CountMessagesByChannelSinceParams struct {
	Since     pgtype.Timestamptz `json:"since"`
	CompanyID pgtype.UUID        `json:"company_id"`
}

func (q *Queries) CountMessagesByChannelSince(ctx context.Context, arg CountMessagesByChannelSinceParams) ([]CountMessagesByChannelSinceRow, error) {
	rows, err := q.db.Query(ctx, countMessagesByChannelSince, arg.Since, arg.CompanyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountMessagesByChannelSinceRow
	for rows.Next() {
		var i CountMessagesByChannelSinceRow
		if err := rows.Scan(&i.Channel, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countMessagesBySender = `-- name: CountMessagesBySender :many
SELECT m.sender, count(*)
FROM messages m
JOIN conversations c ON c.id = m.conversation_id
WHERE ($1::uuid IS NULL OR c.company_id = $1)
GROUP BY m.sender
`

type CountMessagesBySenderRow struct {
	Sender string `json:"sender"`
	Count  int64  `json:"count"`
}

func (q *Queries) CountMessagesBySender(ctx context.Context, companyID pgtype.UUID) ([]CountMessagesBySenderRow, error) {
	rows, err := q.db.Query(ctx, countMessagesBySender, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountMessagesBySenderRow
	for rows.Next() {
		var i CountMessagesBySenderRow
		if err := rows.Scan(&i.Sender, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

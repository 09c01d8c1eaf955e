package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const aiRunColumns = `id, conversation_id, source_message_id, message_id, prompt, completion, prompt_tokens, completion_tokens, tokens_used, model, cost_usd, created_at`

func scanAiRun(row interface{ Scan(...any) error }) (AiRun, error) {
	var i AiRun
	err := row.Scan(
		&i.ID,
		&i.ConversationID,
		&i.SourceMessageID,
		&i.MessageID,
		&i.Prompt,
		&i.Completion,
		&i.PromptTokens,
		&i.CompletionTokens,
		&i.TokensUsed,
		&i.Model,
		&i.CostUsd,
		&i.CreatedAt,
	)
	return i, err
}

const insertAiRun = `-- name: InsertAiRun :one
INSERT INTO ai_runs (conversation_id, source_message_id, prompt, completion, prompt_tokens, completion_tokens, tokens_used, model, cost_usd)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (source_message_id) DO NOTHING
RETURNING ` + aiRunColumns + `
`

type InsertAiRunParams struct {
	ConversationID   pgtype.UUID `json:"conversation_id"`
	SourceMessageID  pgtype.UUID `json:"source_message_id"`
	Prompt           []byte      `json:"prompt"`
	Completion       string      `json:"completion"`
	PromptTokens     int32       `json:"prompt_tokens"`
	CompletionTokens int32       `json:"completion_tokens"`
	TokensUsed       int32       `json:"tokens_used"`
	Model            string      `json:"model"`
	CostUsd          float64     `json:"cost_usd"`
}

// InsertAiRun returns pgx.ErrNoRows when a run already exists for the source message.
func (q *Queries) InsertAiRun(ctx context.Context, arg InsertAiRunParams) (AiRun, error) {
	return scanAiRun(q.db.QueryRow(ctx, insertAiRun,
		arg.ConversationID,
		arg.SourceMessageID,
		arg.Prompt,
		arg.Completion,
		arg.PromptTokens,
		arg.CompletionTokens,
		arg.TokensUsed,
		arg.Model,
		arg.CostUsd,
	))
}

const getAiRunBySourceMessage = `-- name: GetAiRunBySourceMessage :one
SELECT ` + aiRunColumns + ` FROM ai_runs WHERE source_message_id = $1
`

func (q *Queries) GetAiRunBySourceMessage(ctx context.Context, sourceMessageID pgtype.UUID) (AiRun, error) {
	return scanAiRun(q.db.QueryRow(ctx, getAiRunBySourceMessage, sourceMessageID))
}

const attachAiRunMessage = `-- name: AttachAiRunMessage :execrows
UPDATE ai_runs SET message_id = $2 WHERE id = $1
`

type AttachAiRunMessageParams struct {
	ID        pgtype.UUID `json:"id"`
	MessageID pgtype.UUID `json:"message_id"`
}

func (q *Queries) AttachAiRunMessage(ctx context.Context, arg AttachAiRunMessageParams) (int64, error) {
	result, err := q.db.Exec(ctx, attachAiRunMessage, arg.ID, arg.MessageID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const aiRunStats = `-- name: AiRunStats :one
SELECT count(*), COALESCE(sum(r.cost_usd), 0)::double precision, COALESCE(sum(r.tokens_used), 0)::bigint
FROM ai_runs r
JOIN conversations c ON c.id = r.conversation_id
WHERE ($1::uuid IS NULL OR c.company_id = $1)
`

type AiRunStatsRow struct {
	TotalRuns    int64   `json:"total_runs"`
	TotalCostUsd float64 `json:"total_cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`
}

func (q *Queries) AiRunStats(ctx context.Context, companyID pgtype.UUID) (AiRunStatsRow, error) {
	var i AiRunStatsRow
	err := q.db.QueryRow(ctx, aiRunStats, companyID).Scan(&i.TotalRuns, &i.TotalCostUsd, &i.TotalTokens)
	return i, err
}

// Package postgres implements conversation.Store on top of the sqlc queries.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatdesk/chatdesk/internal/conversation"
	dbpkg "github.com/chatdesk/chatdesk/internal/db"
	"github.com/chatdesk/chatdesk/internal/db/sqlc"
)

const defaultPersonaScope = "default"

// Store persists the conversation domain in Postgres.
type Store struct {
	pool    *pgxpool.Pool
	queries *sqlc.Queries
	logger  *slog.Logger
}

var _ conversation.Store = (*Store)(nil)

// New creates a Store backed by pool.
func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:    pool,
		queries: sqlc.New(pool),
		logger:  log.With(slog.String("store", "postgres")),
	}
}

// Queries exposes the underlying queries for administrative commands.
func (s *Store) Queries() *sqlc.Queries { return s.queries }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// notFound maps pgx.ErrNoRows to conversation.ErrNotFound.
func notFound(err error) error {
	if dbpkg.IsNoRows(err) {
		return conversation.ErrNotFound
	}
	return err
}

// parseID treats malformed ids as missing records.
func parseID(id string) (pgtype.UUID, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return pgtype.UUID{}, conversation.ErrNotFound
	}
	return pgID, nil
}

// --- mapping ---

func toClient(row sqlc.Client) conversation.Client {
	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}
	return conversation.Client{
		ID:        dbpkg.UUIDString(row.ID),
		CompanyID: dbpkg.UUIDString(row.CompanyID),
		Name:      row.Name,
		Email:     row.Email.String,
		Phone:     row.Phone.String,
		Handle:    row.Handle.String,
		Tags:      tags,
		CreatedAt: dbpkg.TimeFromPg(row.CreatedAt),
		UpdatedAt: dbpkg.TimeFromPg(row.UpdatedAt),
	}
}

func toCompany(row sqlc.Company) conversation.Company {
	return conversation.Company{
		ID:          dbpkg.UUIDString(row.ID),
		Name:        row.Name,
		Slug:        row.Slug,
		AnchorToken: row.AnchorToken,
		Status:      conversation.CompanyStatus(row.Status),
		CreatedAt:   dbpkg.TimeFromPg(row.CreatedAt),
	}
}

func toConversation(row sqlc.Conversation) conversation.Conversation {
	return conversation.Conversation{
		ID:           dbpkg.UUIDString(row.ID),
		ClientID:     dbpkg.UUIDString(row.ClientID),
		CompanyID:    dbpkg.UUIDString(row.CompanyID),
		Channel:      conversation.Channel(row.Channel),
		Status:       conversation.Status(row.Status),
		AIMode:       conversation.AIMode(row.AiMode),
		AssignedToID: row.AssignedToID.String,
		CreatedAt:    dbpkg.TimeFromPg(row.CreatedAt),
		UpdatedAt:    dbpkg.TimeFromPg(row.UpdatedAt),
	}
}

func toDetail(row sqlc.ConversationWithClientRow) conversation.ConversationDetail {
	return conversation.ConversationDetail{
		Conversation: toConversation(row.Conversation),
		Client:       toClient(row.Client),
	}
}

func toMessage(row sqlc.Message) conversation.Message {
	return conversation.Message{
		ID:             dbpkg.UUIDString(row.ID),
		ConversationID: dbpkg.UUIDString(row.ConversationID),
		Sender:         conversation.Sender(row.Sender),
		Content:        row.Content,
		ExternalID:     row.ExternalID.String,
		CreatedAt:      dbpkg.TimeFromPg(row.CreatedAt),
	}
}

func toMessages(rows []sqlc.Message) []conversation.Message {
	items := make([]conversation.Message, 0, len(rows))
	for _, row := range rows {
		items = append(items, toMessage(row))
	}
	return items
}

func toAIRun(row sqlc.AiRun) conversation.AIRun {
	return conversation.AIRun{
		ID:               dbpkg.UUIDString(row.ID),
		ConversationID:   dbpkg.UUIDString(row.ConversationID),
		SourceMessageID:  dbpkg.UUIDString(row.SourceMessageID),
		MessageID:        dbpkg.UUIDString(row.MessageID),
		Prompt:           json.RawMessage(row.Prompt),
		Completion:       row.Completion,
		PromptTokens:     int(row.PromptTokens),
		CompletionTokens: int(row.CompletionTokens),
		TokensUsed:       int(row.TokensUsed),
		Model:            row.Model,
		CostUSD:          row.CostUsd,
		CreatedAt:        dbpkg.TimeFromPg(row.CreatedAt),
	}
}

func personaScope(companyID string) string {
	if strings.TrimSpace(companyID) == "" {
		return defaultPersonaScope
	}
	return companyID
}

func toPersona(row sqlc.Persona) conversation.Persona {
	companyID := row.Scope
	if companyID == defaultPersonaScope {
		companyID = ""
	}
	return conversation.Persona{
		CompanyID:    companyID,
		DisplayName:  row.DisplayName,
		SystemPrompt: row.SystemPrompt,
		SalesContext: row.SalesContext,
		UpdatedAt:    dbpkg.TimeFromPg(row.UpdatedAt),
	}
}

// --- clients ---

func (s *Store) GetClient(ctx context.Context, id string) (conversation.Client, error) {
	pgID, err := parseID(id)
	if err != nil {
		return conversation.Client{}, err
	}
	row, err := s.queries.GetClient(ctx, pgID)
	if err != nil {
		return conversation.Client{}, notFound(err)
	}
	return toClient(row), nil
}

func (s *Store) FindOrCreateClient(ctx context.Context, lookup conversation.ClientLookup) (conversation.Client, error) {
	companyID, err := dbpkg.ParseOptionalUUID(lookup.CompanyID)
	if err != nil {
		return conversation.Client{}, fmt.Errorf("invalid company id: %w", err)
	}
	phone := strings.TrimSpace(lookup.Phone)
	email := strings.TrimSpace(lookup.Email)
	handle := strings.TrimSpace(lookup.Handle)

	// lock every identity key in a fixed order so racing creators serialize
	var keys []string
	if phone != "" {
		keys = append(keys, "client:"+lookup.CompanyID+":phone:"+phone)
	}
	if email != "" {
		keys = append(keys, "client:"+lookup.CompanyID+":email:"+strings.ToLower(email))
	}
	if handle != "" {
		keys = append(keys, "client:"+lookup.CompanyID+":handle:"+handle)
	}
	sort.Strings(keys)

	var result sqlc.Client
	err = dbpkg.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		q := s.queries.WithTx(tx)
		for _, key := range keys {
			if err := q.AcquireXactLock(ctx, key); err != nil {
				return fmt.Errorf("lock client identity: %w", err)
			}
		}
		lookups := []func() (sqlc.Client, error){
			func() (sqlc.Client, error) {
				if phone == "" {
					return sqlc.Client{}, pgx.ErrNoRows
				}
				return q.FindClientByPhone(ctx, sqlc.FindClientByPhoneParams{CompanyID: companyID, Phone: phone})
			},
			func() (sqlc.Client, error) {
				if email == "" {
					return sqlc.Client{}, pgx.ErrNoRows
				}
				return q.FindClientByEmail(ctx, sqlc.FindClientByEmailParams{CompanyID: companyID, Email: email})
			},
		}
		if lookup.EmailFirst {
			lookups[0], lookups[1] = lookups[1], lookups[0]
		}
		lookups = append(lookups, func() (sqlc.Client, error) {
			if handle == "" {
				return sqlc.Client{}, pgx.ErrNoRows
			}
			return q.FindClientByHandle(ctx, sqlc.FindClientByHandleParams{CompanyID: companyID, Handle: handle})
		})
		for _, find := range lookups {
			row, err := find()
			if err == nil {
				result = row
				return nil
			}
			if !dbpkg.IsNoRows(err) {
				return err
			}
		}
		name := strings.TrimSpace(lookup.Name)
		if name == "" {
			name = conversation.UnknownClientName
		}
		row, err := q.CreateClient(ctx, sqlc.CreateClientParams{
			CompanyID: companyID,
			Name:      name,
			Email:     dbpkg.Text(email),
			Phone:     dbpkg.Text(phone),
			Handle:    dbpkg.Text(handle),
		})
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		result = row
		return nil
	})
	if err != nil {
		return conversation.Client{}, err
	}
	return toClient(result), nil
}

// --- companies ---

func (s *Store) GetCompanyByAnchorToken(ctx context.Context, token string) (conversation.Company, error) {
	row, err := s.queries.GetCompanyByAnchorToken(ctx, token)
	if err != nil {
		return conversation.Company{}, notFound(err)
	}
	return toCompany(row), nil
}

// CreateCompany registers a tenant with its anchor token.
func (s *Store) CreateCompany(ctx context.Context, name, slug, anchorToken string) (conversation.Company, error) {
	row, err := s.queries.CreateCompany(ctx, sqlc.CreateCompanyParams{Name: name, Slug: slug, AnchorToken: anchorToken})
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return conversation.Company{}, conversation.ErrDuplicate
		}
		return conversation.Company{}, err
	}
	return toCompany(row), nil
}

// --- conversations ---

func (s *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	pgID, err := parseID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	row, err := s.queries.GetConversation(ctx, pgID)
	if err != nil {
		return conversation.Conversation{}, notFound(err)
	}
	return toConversation(row), nil
}

func (s *Store) GetConversationDetail(ctx context.Context, id string) (conversation.ConversationDetail, error) {
	pgID, err := parseID(id)
	if err != nil {
		return conversation.ConversationDetail{}, err
	}
	row, err := s.queries.GetConversationWithClient(ctx, pgID)
	if err != nil {
		return conversation.ConversationDetail{}, notFound(err)
	}
	return toDetail(row), nil
}

func (s *Store) FindOrCreateLiveConversation(ctx context.Context, clientID, companyID string, channel conversation.Channel) (conversation.Conversation, error) {
	pgClientID, err := parseID(clientID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	pgCompanyID, err := dbpkg.ParseOptionalUUID(companyID)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("invalid company id: %w", err)
	}
	live := sqlc.GetLiveConversationParams{ClientID: pgClientID, Channel: string(channel)}

	// select, insert-if-absent, re-select: the partial unique index makes the
	// insert lose cleanly to a concurrent creator
	for attempt := 0; attempt < 3; attempt++ {
		row, err := s.queries.GetLiveConversation(ctx, live)
		if err == nil {
			return toConversation(row), nil
		}
		if !dbpkg.IsNoRows(err) {
			return conversation.Conversation{}, err
		}
		row, err = s.queries.InsertLiveConversation(ctx, sqlc.InsertLiveConversationParams{
			ClientID:  pgClientID,
			CompanyID: pgCompanyID,
			Channel:   string(channel),
		})
		if err == nil {
			return toConversation(row), nil
		}
		if !dbpkg.IsNoRows(err) {
			return conversation.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	return conversation.Conversation{}, errors.New("live conversation kept changing while resolving")
}

func (s *Store) UpdateConversation(ctx context.Context, id string, patch conversation.ConversationPatch) (conversation.Conversation, error) {
	pgID, err := parseID(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	params := sqlc.UpdateConversationParams{ID: pgID}
	if patch.Status != nil {
		params.Status = dbpkg.Text(string(*patch.Status))
	}
	if patch.AIMode != nil {
		params.AiMode = dbpkg.Text(string(*patch.AIMode))
	}
	if patch.AssignedToID != nil {
		params.SetAssignee = true
		params.AssignedToID = dbpkg.Text(*patch.AssignedToID)
	}
	row, err := s.queries.UpdateConversation(ctx, params)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			// reopening would create a second live conversation
			return conversation.Conversation{}, conversation.NewValidationError("status", "another live conversation exists for this client and channel")
		}
		return conversation.Conversation{}, notFound(err)
	}
	return toConversation(row), nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	pgID, err := parseID(id)
	if err != nil {
		return err
	}
	n, err := s.queries.TouchConversation(ctx, sqlc.TouchConversationParams{
		ID:        pgID,
		UpdatedAt: pgtype.Timestamptz{Time: at, Valid: true},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, filter conversation.ConversationFilter) ([]conversation.ConversationDetail, error) {
	skip, take := conversation.NormalizePage(filter.Skip, filter.Take)
	params := sqlc.ListConversationsParams{
		Status:     dbpkg.Text(string(filter.Status)),
		Unassigned: filter.Unassigned,
		Offset:     int32(skip),
		Limit:      int32(take),
	}
	var err error
	if params.ClientID, err = dbpkg.ParseOptionalUUID(filter.ClientID); err != nil {
		return []conversation.ConversationDetail{}, nil
	}
	if params.CompanyID, err = dbpkg.ParseOptionalUUID(filter.CompanyID); err != nil {
		return []conversation.ConversationDetail{}, nil
	}
	if !filter.Unassigned {
		params.AssignedToID = dbpkg.Text(filter.AssignedToID)
	}
	rows, err := s.queries.ListConversations(ctx, params)
	if err != nil {
		return nil, err
	}
	items := make([]conversation.ConversationDetail, 0, len(rows))
	for _, row := range rows {
		items = append(items, toDetail(row))
	}
	return items, nil
}

func (s *Store) CountConversationsByStatus(ctx context.Context, companyID string) (map[conversation.Status]int64, error) {
	pgCompanyID, err := dbpkg.ParseOptionalUUID(companyID)
	if err != nil {
		return map[conversation.Status]int64{}, nil
	}
	rows, err := s.queries.CountConversationsByStatus(ctx, pgCompanyID)
	if err != nil {
		return nil, err
	}
	out := make(map[conversation.Status]int64, len(rows))
	for _, row := range rows {
		out[conversation.Status(row.Status)] = row.Count
	}
	return out, nil
}

// --- messages ---

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (conversation.Message, error) {
	if strings.TrimSpace(externalID) == "" {
		return conversation.Message{}, conversation.ErrNotFound
	}
	row, err := s.queries.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return conversation.Message{}, notFound(err)
	}
	return toMessage(row), nil
}

func (s *Store) CreateMessage(ctx context.Context, msg conversation.Message) (conversation.Message, error) {
	pgConversationID, err := parseID(msg.ConversationID)
	if err != nil {
		return conversation.Message{}, err
	}
	row, err := s.queries.InsertMessage(ctx, sqlc.InsertMessageParams{
		ConversationID: pgConversationID,
		Sender:         string(msg.Sender),
		Content:        msg.Content,
		ExternalID:     dbpkg.Text(msg.ExternalID),
	})
	if err == nil {
		return toMessage(row), nil
	}
	if !dbpkg.IsNoRows(err) {
		return conversation.Message{}, fmt.Errorf("insert message: %w", err)
	}
	existing, err := s.GetMessageByExternalID(ctx, msg.ExternalID)
	if err != nil {
		return conversation.Message{}, err
	}
	return existing, conversation.ErrDuplicate
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, skip, take int) ([]conversation.Message, error) {
	pgID, err := parseID(conversationID)
	if err != nil {
		return []conversation.Message{}, nil
	}
	skip, take = conversation.NormalizePage(skip, take)
	rows, err := s.queries.ListMessages(ctx, sqlc.ListMessagesParams{
		ConversationID: pgID,
		Offset:         int32(skip),
		Limit:          int32(take),
	})
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	pgID, err := parseID(conversationID)
	if err != nil {
		return []conversation.Message{}, nil
	}
	rows, err := s.queries.ListRecentMessages(ctx, sqlc.ListRecentMessagesParams{
		ConversationID: pgID,
		Limit:          int32(limit),
	})
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (s *Store) CountMessagesByChannelSince(ctx context.Context, companyID string, since time.Time) (map[conversation.Channel]int64, error) {
	pgCompanyID, err := dbpkg.ParseOptionalUUID(companyID)
	if err != nil {
		return map[conversation.Channel]int64{}, nil
	}
	rows, err := s.queries.CountMessagesByChannelSince(ctx, sqlc.CountMessagesByChannelSinceParams{
		Since:     pgtype.Timestamptz{Time: since, Valid: true},
		CompanyID: pgCompanyID,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[conversation.Channel]int64, len(rows))
	for _, row := range rows {
		out[conversation.Channel(row.Channel)] = row.Count
	}
	return out, nil
}

func (s *Store) CountMessagesBySender(ctx context.Context, companyID string) (map[conversation.Sender]int64, error) {
	pgCompanyID, err := dbpkg.ParseOptionalUUID(companyID)
	if err != nil {
		return map[conversation.Sender]int64{}, nil
	}
	rows, err := s.queries.CountMessagesBySender(ctx, pgCompanyID)
	if err != nil {
		return nil, err
	}
	out := make(map[conversation.Sender]int64, len(rows))
	for _, row := range rows {
		out[conversation.Sender(row.Sender)] = row.Count
	}
	return out, nil
}

// --- ai runs ---

func (s *Store) CreateAIRun(ctx context.Context, run conversation.AIRun) (conversation.AIRun, error) {
	pgConversationID, err := parseID(run.ConversationID)
	if err != nil {
		return conversation.AIRun{}, err
	}
	pgSourceID, err := dbpkg.ParseOptionalUUID(run.SourceMessageID)
	if err != nil {
		return conversation.AIRun{}, fmt.Errorf("invalid source message id: %w", err)
	}
	prompt := []byte(run.Prompt)
	if len(prompt) == 0 {
		prompt = []byte("[]")
	}
	row, err := s.queries.InsertAiRun(ctx, sqlc.InsertAiRunParams{
		ConversationID:   pgConversationID,
		SourceMessageID:  pgSourceID,
		Prompt:           prompt,
		Completion:       run.Completion,
		PromptTokens:     int32(run.PromptTokens),
		CompletionTokens: int32(run.CompletionTokens),
		TokensUsed:       int32(run.TokensUsed),
		Model:            run.Model,
		CostUsd:          run.CostUSD,
	})
	if err == nil {
		return toAIRun(row), nil
	}
	if !dbpkg.IsNoRows(err) {
		return conversation.AIRun{}, fmt.Errorf("insert ai run: %w", err)
	}
	existing, err := s.GetAIRunBySourceMessage(ctx, run.SourceMessageID)
	if err != nil {
		return conversation.AIRun{}, err
	}
	return existing, conversation.ErrDuplicate
}

func (s *Store) GetAIRunBySourceMessage(ctx context.Context, messageID string) (conversation.AIRun, error) {
	pgID, err := parseID(messageID)
	if err != nil {
		return conversation.AIRun{}, err
	}
	row, err := s.queries.GetAiRunBySourceMessage(ctx, pgID)
	if err != nil {
		return conversation.AIRun{}, notFound(err)
	}
	return toAIRun(row), nil
}

func (s *Store) AttachAIRunMessage(ctx context.Context, runID, messageID string) error {
	pgRunID, err := parseID(runID)
	if err != nil {
		return err
	}
	pgMessageID, err := parseID(messageID)
	if err != nil {
		return err
	}
	n, err := s.queries.AttachAiRunMessage(ctx, sqlc.AttachAiRunMessageParams{ID: pgRunID, MessageID: pgMessageID})
	if err != nil {
		return err
	}
	if n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

func (s *Store) AIRunStats(ctx context.Context, companyID string) (conversation.AIRunStats, error) {
	pgCompanyID, err := dbpkg.ParseOptionalUUID(companyID)
	if err != nil {
		return conversation.AIRunStats{}, nil
	}
	row, err := s.queries.AiRunStats(ctx, pgCompanyID)
	if err != nil {
		return conversation.AIRunStats{}, err
	}
	return conversation.AIRunStats{
		TotalRuns:    row.TotalRuns,
		TotalCostUSD: row.TotalCostUsd,
		TotalTokens:  row.TotalTokens,
	}, nil
}

// --- personas ---

func (s *Store) GetPersona(ctx context.Context, companyID string) (conversation.Persona, error) {
	row, err := s.queries.GetPersona(ctx, personaScope(companyID))
	if err != nil {
		return conversation.Persona{}, notFound(err)
	}
	return toPersona(row), nil
}

func (s *Store) UpsertPersona(ctx context.Context, persona conversation.Persona) (conversation.Persona, error) {
	row, err := s.queries.UpsertPersona(ctx, sqlc.UpsertPersonaParams{
		Scope:        personaScope(persona.CompanyID),
		DisplayName:  persona.DisplayName,
		SystemPrompt: persona.SystemPrompt,
		SalesContext: persona.SalesContext,
	})
	if err != nil {
		return conversation.Persona{}, err
	}
	return toPersona(row), nil
}

// --- audit ---

func (s *Store) CreateAuditLog(ctx context.Context, entry conversation.AuditLog) error {
	var details []byte
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	return s.queries.InsertAuditLog(ctx, sqlc.InsertAuditLogParams{
		Actor:        entry.Actor,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      details,
	})
}

// Package memory is an in-process conversation.Store used for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

// Store holds all records in maps guarded by a single mutex so that
// find-or-create operations are atomic.
type Store struct {
	mu sync.RWMutex

	clients       map[string]conversation.Client
	companies     map[string]conversation.Company
	conversations map[string]conversation.Conversation
	messages      map[string]conversation.Message
	byExternalID  map[string]string
	msgSeq        map[string]uint64
	seq           uint64
	runs          map[string]conversation.AIRun
	runsBySource  map[string]string
	personas      map[string]conversation.Persona
	audit         []conversation.AuditLog

	now func() time.Time
}

var _ conversation.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:       map[string]conversation.Client{},
		companies:     map[string]conversation.Company{},
		conversations: map[string]conversation.Conversation{},
		messages:      map[string]conversation.Message{},
		byExternalID:  map[string]string{},
		msgSeq:        map[string]uint64{},
		runs:          map[string]conversation.AIRun{},
		runsBySource:  map[string]string{},
		personas:      map[string]conversation.Persona{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }

// PutCompany inserts or replaces a company. It returns the stored record.
func (s *Store) PutCompany(company conversation.Company) conversation.Company {
	s.mu.Lock()
	defer s.mu.Unlock()
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	if company.Status == "" {
		company.Status = conversation.CompanyActive
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = s.now()
	}
	s.companies[company.ID] = company
	return company
}

// AuditLogs returns a copy of the recorded audit entries.
func (s *Store) AuditLogs() []conversation.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]conversation.AuditLog(nil), s.audit...)
}

// Counts reports record totals, useful for assertions.
func (s *Store) Counts() (clients, conversations, messages, runs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.conversations), len(s.messages), len(s.runs)
}

// --- clients ---

func (s *Store) GetClient(_ context.Context, id string) (conversation.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return conversation.Client{}, conversation.ErrNotFound
	}
	return cloneClient(c), nil
}

func (s *Store) FindOrCreateClient(_ context.Context, lookup conversation.ClientLookup) (conversation.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	phone := strings.TrimSpace(lookup.Phone)
	email := strings.TrimSpace(lookup.Email)
	handle := strings.TrimSpace(lookup.Handle)
	order := []func(conversation.Client) bool{
		func(c conversation.Client) bool { return phone != "" && c.Phone == phone },
		func(c conversation.Client) bool { return email != "" && strings.EqualFold(c.Email, email) },
		func(c conversation.Client) bool { return handle != "" && c.Handle == handle },
	}
	if lookup.EmailFirst {
		order[0], order[1] = order[1], order[0]
	}
	for _, match := range order {
		if c, ok := s.findClient(lookup.CompanyID, match); ok {
			return cloneClient(c), nil
		}
	}

	name := strings.TrimSpace(lookup.Name)
	if name == "" {
		name = conversation.UnknownClientName
	}
	now := s.now()
	c := conversation.Client{
		ID:        uuid.NewString(),
		CompanyID: lookup.CompanyID,
		Name:      name,
		Email:     email,
		Phone:     phone,
		Handle:    handle,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.clients[c.ID] = c
	return cloneClient(c), nil
}

// findClient picks the oldest matching client so lookups are deterministic.
func (s *Store) findClient(companyID string, match func(conversation.Client) bool) (conversation.Client, bool) {
	var found conversation.Client
	ok := false
	for _, c := range s.clients {
		if c.CompanyID != companyID || !match(c) {
			continue
		}
		if !ok || c.CreatedAt.Before(found.CreatedAt) {
			found, ok = c, true
		}
	}
	return found, ok
}

func cloneClient(c conversation.Client) conversation.Client {
	c.Tags = append([]string{}, c.Tags...)
	return c
}

// --- companies ---

func (s *Store) GetCompanyByAnchorToken(_ context.Context, token string) (conversation.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.companies {
		if token != "" && c.AnchorToken == token {
			return c, nil
		}
	}
	return conversation.Company{}, conversation.ErrNotFound
}

// --- conversations ---

func (s *Store) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetConversationDetail(_ context.Context, id string) (conversation.ConversationDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.ConversationDetail{}, conversation.ErrNotFound
	}
	return conversation.ConversationDetail{Conversation: c, Client: cloneClient(s.clients[c.ClientID])}, nil
}

func (s *Store) FindOrCreateLiveConversation(_ context.Context, clientID, companyID string, channel conversation.Channel) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found conversation.Conversation
	ok := false
	slot := liveSlot{clientID: clientID, companyID: companyID, channel: channel}
	for _, c := range s.conversations {
		if slotOf(c) != slot || !c.Status.Live() {
			continue
		}
		if !ok || c.UpdatedAt.After(found.UpdatedAt) {
			found, ok = c, true
		}
	}
	if ok {
		return found, nil
	}

	now := s.now()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		CompanyID: companyID,
		Channel:   channel,
		Status:    conversation.StatusOpen,
		AIMode:    conversation.AIModeAuto,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *Store) UpdateConversation(_ context.Context, id string, patch conversation.ConversationPatch) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if patch.Status != nil {
		if patch.Status.Live() && !c.Status.Live() && s.hasLive(c) {
			return conversation.Conversation{}, conversation.NewValidationError("status", "another live conversation exists for this client and channel")
		}
		c.Status = *patch.Status
	}
	if patch.AIMode != nil {
		c.AIMode = *patch.AIMode
	}
	if patch.AssignedToID != nil {
		c.AssignedToID = *patch.AssignedToID
	}
	c.UpdatedAt = s.now()
	s.conversations[id] = c
	return c, nil
}

// liveSlot identifies the single live conversation a client may have.
type liveSlot struct {
	clientID  string
	companyID string
	channel   conversation.Channel
}

func slotOf(c conversation.Conversation) liveSlot {
	return liveSlot{clientID: c.ClientID, companyID: c.CompanyID, channel: c.Channel}
}

func (s *Store) hasLive(target conversation.Conversation) bool {
	slot := slotOf(target)
	for _, c := range s.conversations {
		if c.ID != target.ID && slotOf(c) == slot && c.Status.Live() {
			return true
		}
	}
	return false
}

func (s *Store) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.UpdatedAt = at
	s.conversations[id] = c
	return nil
}

func (s *Store) ListConversations(_ context.Context, filter conversation.ConversationFilter) ([]conversation.ConversationDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]conversation.ConversationDetail, 0)
	for _, c := range s.conversations {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.ClientID != "" && c.ClientID != filter.ClientID {
			continue
		}
		if filter.CompanyID != "" && c.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Unassigned && c.AssignedToID != "" {
			continue
		}
		if !filter.Unassigned && filter.AssignedToID != "" && c.AssignedToID != filter.AssignedToID {
			continue
		}
		items = append(items, conversation.ConversationDetail{Conversation: c, Client: cloneClient(s.clients[c.ClientID])})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	skip, take := conversation.NormalizePage(filter.Skip, filter.Take)
	return page(items, skip, take), nil
}

func (s *Store) CountConversationsByStatus(_ context.Context, companyID string) (map[conversation.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[conversation.Status]int64{}
	for _, c := range s.conversations {
		if companyID != "" && c.CompanyID != companyID {
			continue
		}
		out[c.Status]++
	}
	return out, nil
}

// --- messages ---

func (s *Store) GetMessageByExternalID(_ context.Context, externalID string) (conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternalID[externalID]
	if !ok || externalID == "" {
		return conversation.Message{}, conversation.ErrNotFound
	}
	return s.messages[id], nil
}

func (s *Store) CreateMessage(_ context.Context, msg conversation.Message) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return conversation.Message{}, conversation.ErrNotFound
	}
	if msg.ExternalID != "" {
		if id, ok := s.byExternalID[msg.ExternalID]; ok {
			return s.messages[id], conversation.ErrDuplicate
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.seq++
	s.messages[msg.ID] = msg
	s.msgSeq[msg.ID] = s.seq
	if msg.ExternalID != "" {
		s.byExternalID[msg.ExternalID] = msg.ID
	}
	return msg, nil
}

func (s *Store) conversationMessages(conversationID string) []conversation.Message {
	items := make([]conversation.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			items = append(items, m)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return s.msgSeq[items[i].ID] < s.msgSeq[items[j].ID]
	})
	return items
}

func (s *Store) ListMessages(_ context.Context, conversationID string, skip, take int) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skip, take = conversation.NormalizePage(skip, take)
	return page(s.conversationMessages(conversationID), skip, take), nil
}

func (s *Store) RecentMessages(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.conversationMessages(conversationID)
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *Store) CountMessagesByChannelSince(_ context.Context, companyID string, since time.Time) (map[conversation.Channel]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[conversation.Channel]int64{}
	for _, m := range s.messages {
		if m.CreatedAt.Before(since) {
			continue
		}
		if c, ok := s.conversations[m.ConversationID]; ok && (companyID == "" || c.CompanyID == companyID) {
			out[c.Channel]++
		}
	}
	return out, nil
}

func (s *Store) CountMessagesBySender(_ context.Context, companyID string) (map[conversation.Sender]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[conversation.Sender]int64{}
	for _, m := range s.messages {
		if !s.inCompany(m.ConversationID, companyID) {
			continue
		}
		out[m.Sender]++
	}
	return out, nil
}

// --- ai runs ---

func (s *Store) CreateAIRun(_ context.Context, run conversation.AIRun) (conversation.AIRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.SourceMessageID != "" {
		if id, ok := s.runsBySource[run.SourceMessageID]; ok {
			return s.runs[id], conversation.ErrDuplicate
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	s.runs[run.ID] = run
	if run.SourceMessageID != "" {
		s.runsBySource[run.SourceMessageID] = run.ID
	}
	return run, nil
}

func (s *Store) GetAIRunBySourceMessage(_ context.Context, messageID string) (conversation.AIRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runsBySource[messageID]
	if !ok {
		return conversation.AIRun{}, conversation.ErrNotFound
	}
	return s.runs[id], nil
}

func (s *Store) AttachAIRunMessage(_ context.Context, runID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return conversation.ErrNotFound
	}
	run.MessageID = messageID
	s.runs[runID] = run
	return nil
}

func (s *Store) AIRunStats(_ context.Context, companyID string) (conversation.AIRunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats conversation.AIRunStats
	for _, r := range s.runs {
		if !s.inCompany(r.ConversationID, companyID) {
			continue
		}
		stats.TotalRuns++
		stats.TotalCostUSD += r.CostUSD
		stats.TotalTokens += int64(r.TokensUsed)
	}
	return stats, nil
}

// inCompany reports whether the conversation belongs to companyID. An empty
// companyID matches everything. Callers hold s.mu.
func (s *Store) inCompany(conversationID, companyID string) bool {
	if companyID == "" {
		return true
	}
	c, ok := s.conversations[conversationID]
	return ok && c.CompanyID == companyID
}

// --- personas ---

func (s *Store) GetPersona(_ context.Context, companyID string) (conversation.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[companyID]
	if !ok {
		return conversation.Persona{}, conversation.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpsertPersona(_ context.Context, persona conversation.Persona) (conversation.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	persona.UpdatedAt = s.now()
	s.personas[persona.CompanyID] = persona
	return persona, nil
}

// --- audit ---

func (s *Store) CreateAuditLog(_ context.Context, entry conversation.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func page[T any](items []T, skip, take int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + take
	if end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}

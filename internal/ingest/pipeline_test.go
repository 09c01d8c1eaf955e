package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdesk/chatdesk/internal/automation"
	"github.com/chatdesk/chatdesk/internal/chat"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/reply"
	"github.com/chatdesk/chatdesk/internal/storage/memory"
)

type recordingFanout struct {
	mu       sync.Mutex
	messages []conversation.Message
	updates  []conversation.Conversation
	typing   []string
}

func (r *recordingFanout) EmitNewMessage(_ string, msg conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingFanout) EmitConversationUpdate(conv conversation.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, conv)
}

func (r *recordingFanout) EmitTyping(conversationID, userID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isTyping {
		r.typing = append(r.typing, conversationID+"/"+userID)
	}
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []automation.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job automation.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type recordingOutbound struct {
	mu      sync.Mutex
	targets []string
	bodies  []string
	err     error
}

func (o *recordingOutbound) Deliver(_ context.Context, detail conversation.ConversationDetail, target, content string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if target == "" {
		target = detail.Client.Phone
	}
	o.targets = append(o.targets, target)
	o.bodies = append(o.bodies, content)
	return o.err
}

func whatsappEnvelope(phone, content, externalID string) Envelope {
	return Envelope{
		Client: &ClientInput{Phone: phone},
		Message: MessageInput{
			Content:    content,
			Sender:     "client",
			Channel:    "whatsapp",
			ExternalID: externalID,
		},
	}
}

func TestIngestValidation(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, memory.New(), nil, nil)
	_, err := p.Ingest(context.Background(), Envelope{Message: MessageInput{Sender: "client", Channel: "whatsapp"}})
	var verr *conversation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "message.content")

	_, err = p.Ingest(context.Background(), Envelope{Message: MessageInput{Content: "hi", Sender: "bot", Channel: "pigeon"}})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "message.sender")
	assert.Contains(t, verr.Fields, "message.channel")

	_, err = p.Ingest(context.Background(), Envelope{
		Client:  &ClientInput{Email: "not-an-email"},
		Message: MessageInput{Content: "hi", Sender: "client", Channel: "email"},
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "client.email")

	_, err = p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "   ", ""))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["message.content"])
}

func TestIngestCreatesClientAndConversation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	fanout := &recordingFanout{}
	p := NewPipeline(nil, store, fanout, nil)

	res, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "Habari, bei ya bidhaa?", "wamid.1"))
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, res.Status)
	assert.NotEmpty(t, res.ClientID)
	assert.NotEmpty(t, res.ConversationID)
	assert.Equal(t, conversation.AIModeAuto, res.AIMode)

	detail, err := store.GetConversationDetail(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusOpen, detail.Status)
	assert.Equal(t, "+254700000001", detail.Client.Phone)
	assert.Equal(t, conversation.UnknownClientName, detail.Client.Name)
	require.Len(t, fanout.messages, 1)
	assert.Equal(t, res.MessageID, fanout.messages[0].ID)
}

func TestIngestDuplicateExternalID(t *testing.T) {
	t.Parallel()

	store := memory.New()
	queue := &recordingQueue{}
	p := NewPipeline(nil, store, nil, queue)

	first, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "hello", "wamid.dup"))
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "hello", "wamid.dup"))
	require.NoError(t, err)

	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	_, _, messages, _ := store.Counts()
	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, queue.count())
}

func TestIngestSamePhoneTwiceReusesConversation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)

	first, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "first", ""))
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "second", ""))
	require.NoError(t, err)

	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	clients, conversations, messages, _ := store.Counts()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, conversations)
	assert.Equal(t, 2, messages)
}

func TestIngestConcurrentSameIdentity(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Ingest(context.Background(), whatsappEnvelope("+254700000002", "ping", ""))
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ConversationID, results[i].ConversationID)
	}
	clients, conversations, _, _ := store.Counts()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, conversations)
}

func TestIngestSeparateChannelsSeparateConversations(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, memory.New(), nil, nil)
	wa, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "on whatsapp", ""))
	require.NoError(t, err)

	sms := whatsappEnvelope("+254700000001", "on sms", "")
	sms.Message.Channel = "sms"
	viaSMS, err := p.Ingest(context.Background(), sms)
	require.NoError(t, err)

	assert.Equal(t, wa.ClientID, viaSMS.ClientID)
	assert.NotEqual(t, wa.ConversationID, viaSMS.ConversationID)
}

func TestIngestSkipsClosedConversation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)

	first, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)
	closed := "closed"
	_, err = p.PatchConversation(context.Background(), first.ConversationID, "agent-1", PatchInput{Status: &closed})
	require.NoError(t, err)

	second, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "again", ""))
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	conv, err := store.GetConversation(context.Background(), second.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusOpen, conv.Status)
	assert.Equal(t, conversation.AIModeAuto, conv.AIMode)
}

func TestIngestExplicitReferences(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)
	first, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)

	pinned := Envelope{
		Conversation: &ConversationRef{ID: first.ConversationID},
		Message:      MessageInput{Content: "follow up", Sender: "agent", Channel: "whatsapp"},
	}
	res, err := p.Ingest(context.Background(), pinned)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, res.ConversationID)

	_, err = p.Ingest(context.Background(), Envelope{
		Conversation: &ConversationRef{ID: "missing"},
		Message:      MessageInput{Content: "x", Sender: "client", Channel: "whatsapp"},
	})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = p.Ingest(context.Background(), Envelope{
		Client:  &ClientInput{ID: "missing"},
		Message: MessageInput{Content: "x", Sender: "client", Channel: "whatsapp"},
	})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestIngestHandleIdentity(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)
	env := Envelope{
		Client:  &ClientInput{Name: "Wanjiku", Handle: "telegram:4242"},
		Message: MessageInput{Content: "hi", Sender: "client", Channel: "telegram"},
	}
	first, err := p.Ingest(context.Background(), env)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, first.ClientID, second.ClientID)

	client, err := store.GetClient(context.Background(), first.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "telegram:4242", client.Handle)
	assert.Equal(t, "Wanjiku", client.Name)
}

func TestIngestEnqueuesOnlyAutoClientMessages(t *testing.T) {
	t.Parallel()

	store := memory.New()
	queue := &recordingQueue{}
	p := NewPipeline(nil, store, nil, queue)
	ctx := context.Background()

	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "client asks", ""))
	require.NoError(t, err)
	require.Equal(t, 1, queue.count())
	assert.Equal(t, res.MessageID, queue.jobs[0].MessageID)
	assert.Equal(t, conversation.ChannelWhatsApp, queue.jobs[0].Channel)

	agent := whatsappEnvelope("+254700000001", "agent note", "")
	agent.Message.Sender = "agent"
	_, err = p.Ingest(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, queue.count())

	for _, mode := range []string{"draft", "manual"} {
		mode := mode
		_, err = p.PatchConversation(ctx, res.ConversationID, "agent-1", PatchInput{AIMode: &mode})
		require.NoError(t, err)
		_, err = p.Ingest(ctx, whatsappEnvelope("+254700000001", "in "+mode, ""))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, queue.count())
}

func TestIngestWithAutoReplyOffQueuesNothing(t *testing.T) {
	t.Parallel()

	queue := &recordingQueue{}
	fanout := &recordingFanout{}
	p := NewPipeline(nil, memory.New(), fanout, queue)
	p.SetAutoReply(false)

	res, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "anyone there?", ""))
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, res.Status)
	assert.Equal(t, conversation.AIModeAuto, res.AIMode)
	assert.Zero(t, queue.count())
	assert.Len(t, fanout.messages, 1)
}

func TestIngestQueueFailureDoesNotFailIngest(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, memory.New(), nil, &recordingQueue{err: automation.ErrQueueFull})
	res, err := p.Ingest(context.Background(), whatsappEnvelope("+254700000001", "hello", ""))
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, res.Status)
}

func TestIngestForCompany(t *testing.T) {
	t.Parallel()

	store := memory.New()
	company := store.PutCompany(conversation.Company{Name: "Duka", Slug: "duka", AnchorToken: "anchor-1"})
	store.PutCompany(conversation.Company{Name: "Gone", Slug: "gone", AnchorToken: "anchor-2", Status: conversation.CompanySuspended})
	p := NewPipeline(nil, store, nil, nil)
	ctx := context.Background()

	_, err := p.IngestForCompany(ctx, "nope", AnchorRequest{Message: "hi"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = p.IngestForCompany(ctx, "anchor-2", AnchorRequest{Message: "hi"})
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	var verr *conversation.ValidationError
	_, err = p.IngestForCompany(ctx, "anchor-1", AnchorRequest{})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "message")

	res, err := p.IngestForCompany(ctx, "anchor-1", AnchorRequest{ClientName: "Amina", ClientEmail: "amina@example.com", Message: "Is this in stock?"})
	require.NoError(t, err)
	conv, err := store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.ChannelWeb, conv.Channel)
	assert.Equal(t, company.ID, conv.CompanyID)

	// email wins over phone for widget visitors
	again, err := p.IngestForCompany(ctx, "anchor-1", AnchorRequest{ClientEmail: "amina@example.com", ClientPhone: "+254711111111", Message: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, res.ClientID, again.ClientID)
	assert.Equal(t, res.ConversationID, again.ConversationID)
}

func TestSendAgentReply(t *testing.T) {
	t.Parallel()

	store := memory.New()
	fanout := &recordingFanout{}
	outbound := &recordingOutbound{}
	p := NewPipeline(nil, store, fanout, nil)
	p.SetOutbound(outbound)
	ctx := context.Background()

	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)

	_, err = p.SendAgentReply(ctx, res.ConversationID, "  ", "agent-1")
	var verr *conversation.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = p.SendAgentReply(ctx, "missing", "hello", "agent-1")
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	msg, err := p.SendAgentReply(ctx, res.ConversationID, "Karibu! Tuko na stock.", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.SenderAgent, msg.Sender)
	assert.Equal(t, []string{"+254700000001"}, outbound.targets)
	require.Len(t, fanout.messages, 2)

	logs := store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "message.sent", logs[0].Action)
	assert.Equal(t, "agent-1", logs[0].Actor)
	assert.Equal(t, msg.ID, logs[0].ResourceID)
}

func TestSendAgentReplyDeliveryFailureKeepsMessage(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)
	p.SetOutbound(&recordingOutbound{err: errors.New("provider down")})
	ctx := context.Background()

	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)
	_, err = p.SendAgentReply(ctx, res.ConversationID, "on it", "agent-1")
	require.NoError(t, err)

	msgs, err := p.ListMessages(ctx, res.ConversationID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "on it", msgs[1].Content)
}

func TestPatchConversation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	fanout := &recordingFanout{}
	p := NewPipeline(nil, store, fanout, nil)
	ctx := context.Background()

	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)

	_, err = p.PatchConversation(ctx, res.ConversationID, "agent-1", PatchInput{})
	var verr *conversation.ValidationError
	require.ErrorAs(t, err, &verr)

	bad := "archived"
	_, err = p.PatchConversation(ctx, res.ConversationID, "agent-1", PatchInput{Status: &bad})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "status")

	assignee := "agent-7"
	updated, err := p.PatchConversation(ctx, res.ConversationID, "agent-1", PatchInput{AssignedToID: &assignee})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusHumanTakeover, updated.Status)
	assert.Equal(t, "agent-7", updated.AssignedToID)
	require.Len(t, fanout.updates, 1)

	logs := store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "conversation.updated", logs[0].Action)
	assert.JSONEq(t, `{"assignedToId":"agent-7"}`, string(logs[0].Details))

	_, err = p.PatchConversation(ctx, "missing", "agent-1", PatchInput{AssignedToID: &assignee})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestPatchExplicitStatusWinsOverAssignment(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, memory.New(), nil, nil)
	ctx := context.Background()
	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "asante", ""))
	require.NoError(t, err)

	closed, assignee := "closed", "agent-7"
	updated, err := p.PatchConversation(ctx, res.ConversationID, "agent-1", PatchInput{Status: &closed, AssignedToID: &assignee})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, updated.Status)
	assert.Equal(t, "agent-7", updated.AssignedToID)
}

func TestListMessagesOldestFirst(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)
	ctx := context.Background()

	var convID string
	for _, content := range []string{"one", "two", "three"} {
		res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", content, ""))
		require.NoError(t, err)
		convID = res.ConversationID
	}
	msgs, err := p.ListMessages(ctx, convID, 1, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)

	_, err = p.ListMessages(ctx, "missing", 0, 10)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	list, err := p.ListConversations(ctx, conversation.ConversationFilter{Status: conversation.StatusOpen})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "+254700000001", list[0].Client.Phone)
}

func TestAnalytics(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewPipeline(nil, store, nil, nil)
	ctx := context.Background()

	res, err := p.Ingest(ctx, whatsappEnvelope("+254700000001", "hi", ""))
	require.NoError(t, err)
	_, err = p.SendAgentReply(ctx, res.ConversationID, "hello", "agent-1")
	require.NoError(t, err)
	_, err = p.SaveAIReply(ctx, res.ConversationID, "how can I help?", "")
	require.NoError(t, err)
	sms := whatsappEnvelope("+254700000003", "sms hi", "")
	sms.Message.Channel = "sms"
	_, err = p.Ingest(ctx, sms)
	require.NoError(t, err)

	got, err := p.Analytics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ConversationsByStatus[conversation.StatusOpen])
	assert.Equal(t, int64(3), got.MessagesByChannel[conversation.ChannelWhatsApp])
	assert.Equal(t, int64(1), got.MessagesByChannel[conversation.ChannelSMS])
	assert.Equal(t, conversation.SenderRatio{AI: 1, Human: 1, Total: 2}, got.AIVsHumanRatio)
	assert.Nil(t, got.AvgFirstResponseMs)
}

func TestEmitTyping(t *testing.T) {
	t.Parallel()

	fanout := &recordingFanout{}
	p := NewPipeline(nil, memory.New(), fanout, nil)
	p.EmitTyping("c1", "agent-1", true)
	p.EmitTyping("c1", "agent-1", false)
	assert.Equal(t, []string{"c1/agent-1"}, fanout.typing)
}

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedProvider) Chat(context.Context, chat.Request) (chat.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return chat.Result{
		Message: chat.Message{Role: chat.RoleAssistant, Content: "Ndio, iko kwa stock. Ungependa ngapi?"},
		Model:   "gpt-4o",
		Usage:   chat.Usage{PromptTokens: 120, CompletionTokens: 20, TotalTokens: 140},
	}, nil
}

func TestAutoReplyEndToEnd(t *testing.T) {
	t.Parallel()

	store := memory.New()
	fanout := &recordingFanout{}
	queue := automation.NewMemoryQueue(nil, 2, 16, 5*time.Second)
	p := NewPipeline(nil, store, fanout, queue)
	outbound := &recordingOutbound{}
	p.SetOutbound(outbound)

	provider := &scriptedProvider{}
	gateway := reply.NewGateway(nil, store, provider, nil, reply.Options{Model: "gpt-4o"})
	worker := automation.NewWorker(nil, gateway, p, p)
	require.NoError(t, queue.Start(context.Background(), worker.Handle))

	ctx := context.Background()
	env := whatsappEnvelope("+254700000001", "Hii bidhaa iko?", "wamid.e2e")
	env.ReplyTarget = "+254700000001"
	res, err := p.Ingest(ctx, env)
	require.NoError(t, err)
	// a redelivered webhook must not trigger a second reply
	_, err = p.Ingest(ctx, env)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Stop(stopCtx))

	msgs, err := p.ListMessages(ctx, res.ConversationID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.SenderClient, msgs[0].Sender)
	assert.Equal(t, conversation.SenderAI, msgs[1].Sender)

	stats, err := store.AIRunStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(140), stats.TotalTokens)

	run, err := store.GetAIRunBySourceMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, msgs[1].ID, run.MessageID)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, []string{"+254700000001"}, outbound.targets)
}

package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatdesk/chatdesk/internal/config"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/db"
)

var (
	testPool   *pgxpool.Pool
	skipReason string
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if testing.Short() {
		skipReason = "postgres store tests need docker; skipped in short mode"
		return m.Run()
	}
	ctx := context.Background()
	container, cfg, err := startPostgres(ctx)
	if err != nil {
		if container != nil {
			_ = container.Terminate(ctx)
		}
		skipReason = fmt.Sprintf("postgres container unavailable: %v", err)
		return m.Run()
	}
	defer func() { _ = container.Terminate(ctx) }()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := db.Migrate(log, cfg, "up", 0); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	pool, err := db.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer pool.Close()
	testPool = pool
	return m.Run()
}

func startPostgres(ctx context.Context) (container testcontainers.Container, cfg config.PostgresConfig, err error) {
	// the docker provider panics when no daemon can be found
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chatdesk",
			"POSTGRES_PASSWORD": "chatdesk",
			"POSTGRES_DB":       "chatdesk",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, cfg, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return container, cfg, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return container, cfg, err
	}
	return container, config.PostgresConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "chatdesk",
		Password: "chatdesk",
		Database: "chatdesk",
		SSLMode:  "disable",
		MaxConns: 20,
	}, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testPool == nil {
		t.Skip(skipReason)
	}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), testPool)
}

// uniquePhone keeps parallel tests from sharing clients.
func uniquePhone() string {
	return "+2547" + uuid.NewString()[:8]
}

func newClient(t *testing.T, s *Store) conversation.Client {
	t.Helper()
	client, err := s.FindOrCreateClient(context.Background(), conversation.ClientLookup{Phone: uniquePhone()})
	require.NoError(t, err)
	return client
}

func TestFindOrCreateClientConcurrentSinglesRow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	phone := uniquePhone()

	var wg sync.WaitGroup
	ids := make([]string, 12)
	errs := make([]error, 12)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.FindOrCreateClient(context.Background(), conversation.ClientLookup{Phone: phone})
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	client, err := s.GetClient(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, conversation.UnknownClientName, client.Name)
	assert.NotNil(t, client.Tags)
}

func TestFindOrCreateLiveConversationConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	client := newClient(t, s)

	var wg sync.WaitGroup
	ids := make([]string, 12)
	errs := make([]error, 12)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.FindOrCreateLiveConversation(context.Background(), client.ID, "", conversation.ChannelSMS)
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "one live conversation per client and channel")
	}

	other, err := s.FindOrCreateLiveConversation(context.Background(), client.ID, "", conversation.ChannelWhatsApp)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], other.ID)
}

func TestClosedConversationIsNotReused(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	client := newClient(t, s)

	first, err := s.FindOrCreateLiveConversation(ctx, client.ID, "", conversation.ChannelWeb)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusOpen, first.Status)
	assert.Equal(t, conversation.AIModeAuto, first.AIMode)

	closed := conversation.StatusClosed
	_, err = s.UpdateConversation(ctx, first.ID, conversation.ConversationPatch{Status: &closed})
	require.NoError(t, err)

	next, err := s.FindOrCreateLiveConversation(ctx, client.ID, "", conversation.ChannelWeb)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)

	// reopening would create a second live conversation for the pair
	open := conversation.StatusOpen
	_, err = s.UpdateConversation(ctx, first.ID, conversation.ConversationPatch{Status: &open})
	assert.Error(t, err)
}

func TestCreateMessageDedupUnderRace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	client := newClient(t, s)
	conv, err := s.FindOrCreateLiveConversation(ctx, client.ID, "", conversation.ChannelWhatsApp)
	require.NoError(t, err)
	externalID := "wamid." + uuid.NewString()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, duplicates := 0, 0
	ids := map[string]struct{}{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := s.CreateMessage(ctx, conversation.Message{
				ConversationID: conv.ID,
				Sender:         conversation.SenderClient,
				Content:        "Bei gani?",
				ExternalID:     externalID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, conversation.ErrDuplicate):
				duplicates++
			default:
				t.Errorf("create message: %v", err)
				return
			}
			ids[msg.ID] = struct{}{}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, duplicates)
	assert.Len(t, ids, 1, "duplicates report the stored message")

	found, err := s.GetMessageByExternalID(ctx, externalID)
	require.NoError(t, err)
	_, ok := ids[found.ID]
	assert.True(t, ok)
}

func TestAIRunUniquePerSourceMessage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	client := newClient(t, s)
	conv, err := s.FindOrCreateLiveConversation(ctx, client.ID, "", conversation.ChannelTelegram)
	require.NoError(t, err)
	source, err := s.CreateMessage(ctx, conversation.Message{ConversationID: conv.ID, Sender: conversation.SenderClient, Content: "hi"})
	require.NoError(t, err)

	run, err := s.CreateAIRun(ctx, conversation.AIRun{
		ConversationID:  conv.ID,
		SourceMessageID: source.ID,
		Completion:      "Karibu!",
		TokensUsed:      42,
		Model:           "gpt-4o",
		CostUSD:         0.0004,
	})
	require.NoError(t, err)

	again, err := s.CreateAIRun(ctx, conversation.AIRun{ConversationID: conv.ID, SourceMessageID: source.ID, Model: "gpt-4o"})
	assert.ErrorIs(t, err, conversation.ErrDuplicate)
	assert.Equal(t, run.ID, again.ID)

	reply, err := s.CreateMessage(ctx, conversation.Message{ConversationID: conv.ID, Sender: conversation.SenderAI, Content: "Karibu!"})
	require.NoError(t, err)
	require.NoError(t, s.AttachAIRunMessage(ctx, run.ID, reply.ID))
	got, err := s.GetAIRunBySourceMessage(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, got.MessageID)
}

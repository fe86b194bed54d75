package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/SirClappington/replyq/internal/domain"
)

// testDSN uses REPLYQ_TEST_POSTGRES_DSN when set and otherwise starts a
// throwaway Postgres container. Without Docker the test is skipped.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("REPLYQ_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("replyq_test"),
		tcpostgres.WithUsername("replyq"),
		tcpostgres.WithPassword("replyq"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testDSN(t)
	require.NoError(t, Migrate(dsn, "../../migrations"))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "lead:" + uuid.NewString()

	c, err := s.FetchOrCreate(ctx, key, "Ana")
	require.NoError(t, err)
	require.Equal(t, "Ana", c.ContactName)
	require.Zero(t, c.MessageCount)

	again, err := s.FetchOrCreate(ctx, key, "")
	require.NoError(t, err)
	require.Equal(t, c.ID, again.ID)
	require.Equal(t, "Ana", again.ContactName)

	for _, m := range []domain.Message{
		{ConversationID: c.ID, Role: domain.RoleUser, Content: "one", ExternalID: "W1"},
		{ConversationID: c.ID, Role: domain.RoleAssistant, Content: "two"},
		{ConversationID: c.ID, Role: domain.RoleUser, Content: "three", ExternalID: "W2"},
	} {
		inserted, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	// A redelivered inbound message is skipped.
	inserted, err := s.AppendMessage(ctx, domain.Message{ConversationID: c.ID, Role: domain.RoleUser, Content: "three", ExternalID: "W2"})
	require.NoError(t, err)
	require.False(t, inserted)

	recent, err := s.RecentMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "two", recent[0].Content)
	require.Equal(t, "three", recent[1].Content)
	require.Equal(t, "W2", recent[1].ExternalID)
	require.Empty(t, recent[0].ExternalID)

	require.NoError(t, s.UpdateWithResult(ctx, c.ID, "reply", "summary"))
	require.NoError(t, s.UpdateWithResult(ctx, c.ID, "reply 2", ""))

	got, err := s.FetchOrCreate(ctx, key, "")
	require.NoError(t, err)
	require.Equal(t, 3, got.MessageCount)
	require.Equal(t, "reply 2", got.LastReply)
	require.Equal(t, "summary", got.Summary)

	require.Error(t, s.UpdateWithResult(ctx, uuid.NewString(), "x", ""))
}

func TestBots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	phone := uuid.NewString()[:12]

	_, err := s.BotByPhone(ctx, phone)
	require.ErrorIs(t, err, domain.ErrBotNotFound)

	created, err := s.UpsertBot(ctx, domain.Bot{Phone: phone, Name: "sales-" + phone, Prompt: "be brief"})
	require.NoError(t, err)
	require.False(t, created.Active)

	updated, err := s.UpsertBot(ctx, domain.Bot{Phone: phone, Name: "sales-" + phone, Active: true, Prompt: "be kind", Model: "gpt-4o"})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)

	got, err := s.BotByPhone(ctx, phone)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, "be kind", got.Prompt)
	require.Equal(t, "gpt-4o", got.Model)

	all, err := s.ListBots(ctx)
	require.NoError(t, err)
	require.Contains(t, all, *got)
}

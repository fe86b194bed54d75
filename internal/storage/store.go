package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

const conversationCols = `id, contact_key, contact_name, summary, message_count, last_reply, created_at, updated_at`

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.ContactKey, &c.ContactName, &c.Summary, &c.MessageCount, &c.LastReply, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FetchOrCreate returns the conversation for contactKey, creating it on first
// contact. A non-empty name refreshes the stored display name.
func (s *Store) FetchOrCreate(ctx context.Context, contactKey, contactName string) (*domain.Conversation, error) {
	row := s.db.QueryRow(ctx, `insert into conversations(id, contact_key, contact_name)
values ($1, $2, $3)
on conflict (contact_key) do update
   set contact_name = coalesce(nullif(excluded.contact_name, ''), conversations.contact_name)
returning `+conversationCols,
		uuid.NewString(), contactKey, contactName,
	)
	c, err := scanConversation(row)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch or create conversation %s", contactKey)
	}
	return c, nil
}

// AppendMessage stores m and bumps the conversation's counter in the same
// transaction. It reports false, and changes nothing, when m.ExternalID was
// already stored for the conversation.
func (s *Store) AppendMessage(ctx context.Context, m domain.Message) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `insert into messages(id, conversation_id, role, content, external_id)
values ($1, $2, $3, $4, nullif($5, ''))
on conflict (conversation_id, external_id) do nothing`,
		uuid.NewString(), m.ConversationID, string(m.Role), m.Content, m.ExternalID,
	)
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`update conversations set message_count = message_count + 1, updated_at = now() where id = $1`,
		m.ConversationID,
	); err != nil {
		return false, errors.Wrap(err, "bump message count")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit")
	}
	return true, nil
}

// RecentMessages returns the last limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.Query(ctx, `select id, conversation_id, role, content, coalesce(external_id, ''), created_at from (
  select * from messages where conversation_id = $1 order by created_at desc, seq desc limit $2
) recent order by created_at asc, seq asc`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = domain.Role(role)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// UpdateWithResult records the latest reply. An empty summary keeps the
// previous one.
func (s *Store) UpdateWithResult(ctx context.Context, conversationID, reply, summary string) error {
	tag, err := s.db.Exec(ctx, `update conversations
   set last_reply = $2,
       summary = coalesce(nullif($3, ''), summary),
       updated_at = now()
 where id = $1`, conversationID, reply, summary)
	if err != nil {
		return errors.Wrap(err, "update conversation")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("conversation %s not found", conversationID)
	}
	return nil
}

const botCols = `id, phone, name, active, prompt, model`

func scanBot(row pgx.Row) (*domain.Bot, error) {
	var b domain.Bot
	if err := row.Scan(&b.ID, &b.Phone, &b.Name, &b.Active, &b.Prompt, &b.Model); err != nil {
		return nil, err
	}
	return &b, nil
}

// BotByPhone returns the bot registered for phone, or domain.ErrBotNotFound.
func (s *Store) BotByPhone(ctx context.Context, phone string) (*domain.Bot, error) {
	b, err := scanBot(s.db.QueryRow(ctx, `select `+botCols+` from bots where phone = $1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(domain.ErrBotNotFound, phone)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load bot %s", phone)
	}
	return b, nil
}

// UpsertBot registers b under its phone number or updates the existing row.
func (s *Store) UpsertBot(ctx context.Context, b domain.Bot) (*domain.Bot, error) {
	row := s.db.QueryRow(ctx, `insert into bots(id, phone, name, active, prompt, model)
values ($1, $2, $3, $4, $5, $6)
on conflict (phone) do update
   set name = excluded.name,
       active = excluded.active,
       prompt = excluded.prompt,
       model = excluded.model,
       updated_at = now()
returning `+botCols,
		uuid.NewString(), b.Phone, b.Name, b.Active, b.Prompt, b.Model,
	)
	out, err := scanBot(row)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert bot %s", b.Phone)
	}
	return out, nil
}

func (s *Store) ListBots(ctx context.Context) ([]domain.Bot, error) {
	rows, err := s.db.Query(ctx, `select `+botCols+` from bots order by name`)
	if err != nil {
		return nil, errors.Wrap(err, "query bots")
	}
	defer rows.Close()

	var out []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan bot")
		}
		out = append(out, *b)
	}
	return out, errors.Wrap(rows.Err(), "iterate bots")
}

package conversation

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
)

// ErrBotInactive rejects events addressed to a bot that is switched off.
var ErrBotInactive = errors.New("bot is inactive")

type Store interface {
	BotByPhone(ctx context.Context, phone string) (*domain.Bot, error)
	FetchOrCreate(ctx context.Context, contactKey, contactName string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, m domain.Message) (bool, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	UpdateWithResult(ctx context.Context, conversationID, reply, summary string) error
}

type Responder interface {
	Reply(ctx context.Context, bot *domain.Bot, summary string, history []domain.Message) (string, error)
	Summarize(ctx context.Context, bot *domain.Bot, previous string, history []domain.Message) (string, error)
}

type Sender interface {
	SendText(ctx context.Context, instance, number, text string) error
}

type Options struct {
	HistoryLimit int
	SummaryEvery int
	// MaxReplyLength caps each outbound message; longer replies are split.
	MaxReplyLength int
	// RequireBot rejects events whose sender is not a registered bot.
	// Otherwise they are answered with the assistant defaults.
	RequireBot bool
}

// Handler turns one inbound chat message into a persisted exchange and an
// outbound reply. It is the unit of work the job worker runs.
type Handler struct {
	store Store
	ai    Responder
	send  Sender
	opts  Options
	log   *logger.Logger
}

func NewHandler(store Store, ai Responder, send Sender, opts Options, log *logger.Logger) *Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 30
	}
	if opts.MaxReplyLength <= 0 {
		opts.MaxReplyLength = 4000
	}
	return &Handler{store: store, ai: ai, send: send, opts: opts, log: log.With("component", "conversation")}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		return errors.Wrap(err, "parse event")
	}
	if ev.Data.Key.FromMe {
		h.log.Debug("ignoring own message", "message_id", ev.Data.Key.ID)
		return nil
	}
	phone := ev.Phone()
	text := ev.Text()
	if phone == "" || text == "" {
		h.log.Warn("ignoring unsupported message", "message_type", ev.Data.MessageType, "message_id", ev.Data.Key.ID)
		return nil
	}
	bot, err := h.resolveBot(ctx, ev)
	if err != nil {
		return err
	}
	name := ev.Data.PushName
	if name == "" {
		name = "User"
	}

	conv, err := h.store.FetchOrCreate(ctx, "lead:"+phone, name)
	if err != nil {
		return errors.Wrap(err, "fetch conversation")
	}
	count := conv.MessageCount
	// A retried job finds its inbound message already stored.
	inserted, err := h.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
		ExternalID:     ev.Data.Key.ID,
	})
	if err != nil {
		return errors.Wrap(err, "append inbound message")
	}
	if inserted {
		count++
	} else {
		h.log.Debug("inbound message already stored", "conversation_id", conv.ID, "message_id", ev.Data.Key.ID)
	}
	history, err := h.store.RecentMessages(ctx, conv.ID, h.opts.HistoryLimit)
	if err != nil {
		return errors.Wrap(err, "load history")
	}

	reply, err := h.ai.Reply(ctx, bot, conv.Summary, history)
	if err != nil {
		return errors.Wrap(err, "generate reply")
	}
	parts := SplitReply(reply, h.opts.MaxReplyLength)
	for i, part := range parts {
		if err := h.send.SendText(ctx, ev.Instance, phone, part); err != nil {
			return errors.Wrapf(err, "send reply part %d/%d", i+1, len(parts))
		}
	}
	if _, err := h.store.AppendMessage(ctx, domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: reply}); err != nil {
		return errors.Wrap(err, "append reply")
	}
	count++

	summary := ""
	if h.summaryDue(conv.MessageCount, count) {
		history = append(history, domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: reply})
		// The reply already went out; a failed summary must not fail the job.
		if summary, err = h.ai.Summarize(ctx, bot, conv.Summary, history); err != nil {
			h.log.Warn("summary failed", "conversation_id", conv.ID, "error", err)
			summary = ""
		}
	}
	if err := h.store.UpdateWithResult(ctx, conv.ID, reply, summary); err != nil {
		return errors.Wrap(err, "update conversation")
	}

	h.log.Info("reply sent",
		"conversation_id", conv.ID,
		"instance", ev.Instance,
		"bot", botName(bot),
		"parts", len(parts),
		"summarized", summary != "",
	)
	return nil
}

// resolveBot finds the bot the event was sent to. A nil bot means the
// assistant defaults apply.
func (h *Handler) resolveBot(ctx context.Context, ev *Event) (*domain.Bot, error) {
	phone := ev.SenderPhone()
	if phone == "" {
		if h.opts.RequireBot {
			return nil, errors.Wrap(domain.ErrBotNotFound, "event has no sender")
		}
		return nil, nil
	}
	bot, err := h.store.BotByPhone(ctx, phone)
	switch {
	case errors.Is(err, domain.ErrBotNotFound) && !h.opts.RequireBot:
		h.log.Debug("sender is not a registered bot, using defaults", "sender", phone)
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "resolve bot")
	case !bot.Active:
		return nil, errors.Wrapf(ErrBotInactive, "bot %s", bot.Name)
	}
	return bot, nil
}

func botName(b *domain.Bot) string {
	if b == nil {
		return "default"
	}
	return b.Name
}

func (h *Handler) summaryDue(before, after int) bool {
	if h.opts.SummaryEvery <= 0 {
		return false
	}
	return after/h.opts.SummaryEvery > before/h.opts.SummaryEvery
}

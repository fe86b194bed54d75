package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
)

const summaryPrompt = `You summarize sales conversations with leads. Extract the key points: needs, interests, objections, contact details, open questions and agreed next steps. Keep it concise but complete enough to resume the conversation later. Treat personal data as confidential.`

const summaryRequest = "Write a detailed summary of this conversation."

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

type Options struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	http *http.Client
	opts Options
	log  *logger.Logger
}

func New(opts Options, log *logger.Logger) *Client {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{http: &http.Client{Timeout: opts.Timeout}, opts: opts, log: log.With("component", "assistant")}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Reply answers the last user message in history as bot, or with the
// configured defaults when bot is nil. summary, when set, is the condensed
// record of everything older than history.
func (c *Client) Reply(ctx context.Context, bot *domain.Bot, summary string, history []domain.Message) (string, error) {
	system := c.opts.SystemPrompt
	if bot != nil && bot.Prompt != "" {
		system = bot.Prompt
	}
	if summary != "" {
		system += "\n\nSummary of all previous interactions with this lead: " + summary
	}
	msgs := append([]chatMessage{{Role: "system", Content: system}}, transcript(history)...)
	return c.complete(ctx, c.model(bot), msgs)
}

// Summarize condenses previous plus history into a new running summary.
func (c *Client) Summarize(ctx context.Context, bot *domain.Bot, previous string, history []domain.Message) (string, error) {
	system := summaryPrompt
	if previous != "" {
		system += "\n\nPrevious summary: " + previous
	}
	msgs := append([]chatMessage{{Role: "system", Content: system}}, transcript(history)...)
	msgs = append(msgs, chatMessage{Role: "user", Content: summaryRequest})
	return c.complete(ctx, c.model(bot), msgs)
}

func (c *Client) model(bot *domain.Bot) string {
	if bot != nil && bot.Model != "" {
		return bot.Model
	}
	return c.opts.Model
}

func transcript(history []domain.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (c *Client) complete(ctx context.Context, model string, msgs []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read completion")
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrapf(err, "decode completion (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", errors.Errorf("chat completion failed with %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}

	c.log.Debug("completion", "model", model, "messages", len(msgs), "elapsed", time.Since(start))
	return out.Choices[0].Message.Content, nil
}

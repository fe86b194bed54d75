package domain

import "github.com/pkg/errors"

// ErrBotNotFound is returned when no bot is registered for a number.
var ErrBotNotFound = errors.New("bot not found")

// Bot is a WhatsApp number the service answers for. Prompt and Model
// override the process-wide assistant defaults when set.
type Bot struct {
	ID     string `json:"id"`
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

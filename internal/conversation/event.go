package conversation

import (
	"encoding/json"
	"strings"
)

// Event is the subset of a gateway "messages.upsert" webhook we act on.
type Event struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Sender   string `json:"sender"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName    string          `json:"pushName"`
		MessageType string          `json:"messageType"`
		Message     json.RawMessage `json:"message"`
	} `json:"data"`
}

func ParseEvent(payload json.RawMessage) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Phone is the contact number: the JID up to "@".
func (e *Event) Phone() string { return jidUser(e.Data.Key.RemoteJID) }

// SenderPhone is the number of the gateway account that received the
// message, which identifies the bot.
func (e *Event) SenderPhone() string { return jidUser(e.Sender) }

func jidUser(jid string) string {
	jid = strings.TrimSpace(jid)
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// Text extracts what the contact said. Media messages become a short
// placeholder; unknown types yield "".
func (e *Event) Text() string {
	var m struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		DocumentWithCaptionMessage struct {
			Message struct {
				DocumentMessage struct {
					MimeType string `json:"mimeType"`
				} `json:"documentMessage"`
			} `json:"message"`
		} `json:"documentWithCaptionMessage"`
	}
	if len(e.Data.Message) > 0 {
		_ = json.Unmarshal(e.Data.Message, &m)
	}

	switch e.Data.MessageType {
	case "conversation":
		return m.Conversation
	case "extendedTextMessage":
		return m.ExtendedTextMessage.Text
	case "imageMessage":
		return "[image received]"
	case "audioMessage":
		return "[audio message received]"
	case "documentWithCaptionMessage":
		kind := "unknown"
		if _, sub, ok := strings.Cut(m.DocumentWithCaptionMessage.Message.DocumentMessage.MimeType, "/"); ok && sub != "" {
			kind = sub
		}
		return "[document received (" + kind + ")]"
	default:
		return ""
	}
}

// PartitionKey scopes per-contact mutual exclusion. Payloads without a
// remote JID have no key.
func PartitionKey(payload json.RawMessage) (string, bool) {
	ev, err := ParseEvent(payload)
	if err != nil {
		return "", false
	}
	phone := ev.Phone()
	if phone == "" {
		return "", false
	}
	return "lead:" + phone, true
}

package conversation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	listItem    = regexp.MustCompile(`^\s*(\d+\.\s+|-\s+)`)
	sentenceEnd = regexp.MustCompile(`[.!?]\s+`)
)

// SplitReply breaks a model reply into chat-sized messages. Prose is packed
// sentence by sentence into parts of at most maxLen characters; a single
// longer sentence is kept whole. A run of list items is sent as one message
// between the prose around it, with markdown bold rewritten to WhatsApp's
// single asterisk.
func SplitReply(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		return []string{text}
	}

	var (
		out   []string
		prose []string
		items []string
	)
	flushProse := func() {
		if len(prose) > 0 {
			out = append(out, packSentences(strings.Join(prose, " "), maxLen)...)
			prose = nil
		}
	}
	flushItems := func() {
		if len(items) > 0 {
			out = append(out, strings.ReplaceAll(strings.Join(items, "\n"), "**", "*"))
			items = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case listItem.MatchString(line):
			flushProse()
			items = append(items, line)
		default:
			flushItems()
			prose = append(prose, line)
		}
	}
	flushProse()
	flushItems()
	return out
}

func packSentences(text string, maxLen int) []string {
	var sentences []string
	prev := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[prev:m[0]+1])
		prev = m[1]
	}
	if rest := strings.TrimSpace(text[prev:]); rest != "" {
		sentences = append(sentences, rest)
	}

	var out []string
	cur := ""
	for _, s := range sentences {
		if cur != "" && utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(s) > maxLen {
			out = append(out, cur)
			cur = ""
		}
		if cur == "" {
			cur = s
		} else {
			cur += " " + s
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("POSTGRES_DSN", "postgres://unused")
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("QUEUE_NAME", "webhook")
	return mr
}

func TestEnqueueAndStats(t *testing.T) {
	mr := setEnv(t)

	_, err := run(t, `{"id":"a"}`, "enqueue")
	require.NoError(t, err)
	items, err := mr.List("queue:webhook")
	require.NoError(t, err)
	require.Equal(t, []string{`{"payload":{"id":"a"},"retry_count":0}`}, items)

	out, err := run(t, "", "stats")
	require.NoError(t, err)
	require.JSONEq(t, `{"pending":1,"delayed":0,"dead_letters":0}`, out)
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	setEnv(t)

	_, err := run(t, `{"id":`, "enqueue", "-")
	require.ErrorContains(t, err, "not valid JSON")
}

func TestDLQListAndReplay(t *testing.T) {
	mr := setEnv(t)
	_, err := mr.Lpush("dlq:webhook", `{"payload":{"id":"X"},"retry_count":3}`)
	require.NoError(t, err)

	out, err := run(t, "", "dlq", "list", "--limit", "5")
	require.NoError(t, err)
	require.Equal(t, `{"payload":{"id":"X"},"retry_count":3}`+"\n", out)

	out, err = run(t, "", "dlq", "replay", "--count", "10")
	require.NoError(t, err)
	require.JSONEq(t, `{"replayed":1}`, out)

	items, err := mr.List("queue:webhook")
	require.NoError(t, err)
	require.Equal(t, []string{`{"payload":{"id":"X"},"retry_count":0}`}, items)
}

func TestBotSetValidatesFlags(t *testing.T) {
	setEnv(t)

	_, err := run(t, "", "bot", "set", "--name", "clinic")
	require.ErrorContains(t, err, "phone")

	_, err = run(t, "", "bot", "set", "--phone", "5511000", "--name", "clinic", "--prompt", "a", "--prompt-file", "p.txt")
	require.ErrorContains(t, err, "prompt")
}

package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireForm(t *testing.T) {
	e := NewEnvelope(json.RawMessage(`{"id":"X"}`))
	e.RetryCount = 3

	raw, err := e.Encode()
	require.NoError(t, err)
	require.Equal(t, `{"payload":{"id":"X"},"retry_count":3}`, raw)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope("not json")
	require.Error(t, err)

	e, err := DecodeEnvelope(`{"payload":{"data":{"key":{"remoteJid":"5511@s.whatsapp.net"}}}}`)
	require.NoError(t, err)
	require.Zero(t, e.RetryCount)
	require.JSONEq(t, `{"data":{"key":{"remoteJid":"5511@s.whatsapp.net"}}}`, string(e.Payload))
}

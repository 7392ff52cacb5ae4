package media

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound_Start(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"scenario":"refill"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventStart, msg.Event)
	assert.Equal(t, "MZ1", msg.Start.StreamSID)
	assert.Equal(t, "refill", msg.Start.CustomParameters["scenario"])
}

func TestParseInbound_Malformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":         `{"event":`,
		"missing event":    `{"streamSid":"MZ1"}`,
		"start no payload": `{"event":"start"}`,
		"media no payload": `{"event":"media"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInbound([]byte(raw))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestParseInbound_UnknownEventPassesThrough(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"event":"dtmf"}`))
	require.NoError(t, err)
	assert.Equal(t, "dtmf", msg.Event)
}

func TestMediaPayload_Audio(t *testing.T) {
	p := &MediaPayload{Payload: base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})}
	audio, err := p.Audio()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x7f}, audio)

	_, err = (&MediaPayload{Payload: "!!not base64"}).Audio()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNewOutbound_Wire(t *testing.T) {
	data, err := json.Marshal(NewOutbound("MZ9", []byte("hi")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ9","media":{"payload":"aGk="}}`, string(data))
}

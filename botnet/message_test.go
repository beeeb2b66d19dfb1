package botnet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := New("hello swarm")
	m.SetSender(3)
	m.SetRecipient(7)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, m.Equal(&decoded))
	assert.True(t, decoded.Valid())
}

func TestMessageWireFormat(t *testing.T) {
	m := Restore("ping", 1, Broadcast, 1234.5)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "ping", wire["content"])
	assert.Equal(t, float64(1), wire["sender"])
	assert.Equal(t, float64(-1), wire["recipient"])
	assert.Equal(t, 1234.5, wire["time_created"])
}

func TestMessageSerializeUnstamped(t *testing.T) {
	m := New("no endpoints")
	_, err := json.Marshal(m)
	assert.Error(t, err, "sender unset must fail")

	m.SetSender(1)
	_, err = json.Marshal(m)
	assert.Error(t, err, "recipient unset must fail")

	m.SetRecipient(2)
	_, err = json.Marshal(m)
	assert.NoError(t, err)
}

func TestMessageUnmarshalMissingFields(t *testing.T) {
	cases := []string{
		`{"content":"x","sender":1,"recipient":2}`,
		`{"content":"x","sender":1,"time_created":1.0}`,
		`{"content":"x","recipient":2,"time_created":1.0}`,
		`not json`,
	}
	for _, c := range cases {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(c), &m), c)
	}
}

func TestMessageEqual(t *testing.T) {
	a := Restore("x", 1, 2, 10.5)
	b := Restore("x", 1, 2, 10.5)
	assert.True(t, a.Equal(b))

	c := Restore("x", 1, 2, 10.6)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestNewStampsCreationTime(t *testing.T) {
	m := New("timed")
	assert.Greater(t, m.TimeCreated, 0.0)
	assert.False(t, m.Valid())
}

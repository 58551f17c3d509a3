package runner

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_assignsIncrementingSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf)

	require.NoError(t, enc.emit(MessageLog, func(m *Message) { m.Log = &LogPayload{Message: "one"} }))
	require.NoError(t, enc.emit(MessageLog, func(m *Message) { m.Log = &LogPayload{Message: "two"} }))

	dec := json.NewDecoder(&buf)
	var first, second Message
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, verify(first))
	assert.True(t, verify(second))
}

func TestVerify_rejectsTamperedChecksum(t *testing.T) {
	msg := newMessage(1, MessageResult)
	msg.Checksum++
	assert.False(t, verify(msg))
}

func TestChecksum_differsByKindAndSeq(t *testing.T) {
	a := checksum(MessageProgress, 1)
	b := checksum(MessageProgress, 2)
	c := checksum(MessageLog, 1)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

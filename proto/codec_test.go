package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm/common"
	"gtm/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	e := NewEncoder()
	e.PutGXID(1234)
	e.PutStatus(types.StatusDelayed)
	e.PutString("session-1")
	require.NoError(t, WriteFrame(&buf, TagTxnCommit, e.Bytes()))

	tag, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagTxnCommit, tag)

	d := NewDecoder(payload)
	assert.Equal(t, common.GXID(1234), d.GXID())
	assert.Equal(t, types.StatusDelayed, d.Status())
	assert.Equal(t, "session-1", d.String(64))
	assert.NoError(t, d.Close())
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	buf := bytes.NewBuffer([]byte{byte(TagTxnBegin), 0xff, 0xff, 0xff, 0xff})
	_, _, err := ReadFrame(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecoderTruncation(t *testing.T) {
	d := NewDecoder([]byte{0, 0})
	d.Uint32()
	assert.ErrorIs(t, d.Err(), ErrProtocol)

	// Errors stick: further reads stay zero.
	assert.Zero(t, d.Uint64())
	assert.Empty(t, d.String(16))
}

func TestDecoderTrailingBytes(t *testing.T) {
	e := NewEncoder()
	e.PutUint32(1)
	e.PutUint32(2)

	d := NewDecoder(e.Bytes())
	d.Uint32()
	assert.ErrorIs(t, d.Close(), ErrProtocol)
}

func TestStringLimit(t *testing.T) {
	e := NewEncoder()
	e.PutString("a-longer-string-than-allowed")

	d := NewDecoder(e.Bytes())
	d.String(8)
	assert.ErrorIs(t, d.Err(), ErrProtocol)
}

func TestCountLimit(t *testing.T) {
	e := NewEncoder()
	e.PutUint32(1 << 30)

	d := NewDecoder(e.Bytes())
	d.Count(4096)
	assert.ErrorIs(t, d.Err(), ErrProtocol)
}

func TestResponseTags(t *testing.T) {
	assert.False(t, TagTxnBegin.IsResponse())
	assert.True(t, TagTxnBegin.Response().IsResponse())
	assert.Equal(t, "txn_begin", TagTxnBegin.String())
	assert.Equal(t, "txn_begin_result", TagTxnBegin.Response().String())

	assert.True(t, TagBkupTxnCommit.IsMirror())
	assert.False(t, TagTxnCommit.IsMirror())
}

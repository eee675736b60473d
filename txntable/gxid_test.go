package txntable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm/common"
	"gtm/params"
	"gtm/types"
)

func beginWithGXID(t *testing.T, table *Table, clientID uint64, sessionID string) (types.TransactionHandle, common.GXID) {
	t.Helper()
	h, err := table.Begin(clientID, types.IsolationSerializable, false, sessionID)
	require.NoError(t, err)
	gxid, err := table.AssignGXID(h)
	require.NoError(t, err)
	return h, gxid
}

func TestGXIDsStrictlyAdvance(t *testing.T) {
	table := newTestTable(t, 64)

	var prev common.GXID
	seen := make(map[common.GXID]struct{})
	for i := 0; i < 32; i++ {
		_, gxid := beginWithGXID(t, table, 1, session(t, i%20)+string(rune('0'+i/20)))
		_, dup := seen[gxid]
		require.False(t, dup, "gxid %d assigned twice", gxid)
		seen[gxid] = struct{}{}
		if prev.IsValid() {
			assert.True(t, common.Follows(gxid, prev))
		}
		prev = gxid
	}
	assert.Equal(t, prev.Next(), table.ReadNewGXID())
}

func TestAssignGXIDIsIdempotentPerSlot(t *testing.T) {
	table := newTestTable(t, 8)

	h, gxid := beginWithGXID(t, table, 1, "S1")
	again, err := table.AssignGXID(h)
	require.NoError(t, err)
	assert.Equal(t, gxid, again)
	assert.Equal(t, gxid.Next(), table.ReadNewGXID())
}

func TestAssignGXIDsBatchSkipsAssigned(t *testing.T) {
	table := newTestTable(t, 8)

	h1, gxid1 := beginWithGXID(t, table, 1, "S1")
	h2, err := table.Begin(1, types.IsolationReadCommitted, false, "S2")
	require.NoError(t, err)

	gxids, fresh, err := table.AssignGXIDs([]types.TransactionHandle{h1, h2})
	require.NoError(t, err)
	assert.Equal(t, gxid1, gxids[0])
	assert.Equal(t, []types.TransactionHandle{h2}, fresh)
	assert.True(t, common.Follows(gxids[1], gxids[0]))
}

func TestGeneratorRefusesOnStandby(t *testing.T) {
	table := newTestTable(t, 8)
	table.SetStandby(true)

	h, err := table.Begin(1, types.IsolationReadCommitted, false, "S1")
	require.NoError(t, err)
	_, err = table.AssignGXID(h)
	assert.ErrorIs(t, err, ErrStandbyReadOnly)
}

func TestGeneratorRefusesDuringShutdown(t *testing.T) {
	table := newTestTable(t, 8)
	table.SetShuttingDown()

	h, err := table.Begin(1, types.IsolationReadCommitted, false, "S1")
	require.NoError(t, err)
	_, err = table.AssignGXID(h)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestWrapAroundStopLimit(t *testing.T) {
	table := newTestTable(t, 8)

	next := table.ReadNewGXID()
	// Arm the limits so the very next assignment is past the stop limit.
	table.SetGXIDLimits(next, next, next, next+10)

	h, err := table.Begin(1, types.IsolationReadCommitted, false, "S1")
	require.NoError(t, err)
	_, err = table.AssignGXID(h)
	assert.ErrorIs(t, err, ErrWrapAroundStop)
}

func TestControlCheckpointInterval(t *testing.T) {
	rc := &recordingControl{}
	config := params.DefaultConfig
	config.MaxOpenTransactions = 64
	config.ControlInterval = 8
	table := New(config, nil, rc)
	require.NoError(t, table.SetNextGXID(common.FirstNormalGXID))
	defer table.Close()

	for i := 0; i < 20; i++ {
		h, _ := beginWithGXID(t, table, 1, "")
		require.Equal(t, types.StatusOK, table.Commit(h, nil))
	}

	saves := rc.saved()
	require.GreaterOrEqual(t, len(saves), 2)
	for i := 1; i < len(saves); i++ {
		assert.True(t, common.Follows(saves[i], saves[i-1]),
			"control record moved backwards: %v", saves)
	}
}

func TestSetNextGXIDOnlyWhileStarting(t *testing.T) {
	config := params.DefaultConfig
	config.MaxOpenTransactions = 8
	table := New(config, nil, nil)
	defer table.Close()

	require.NoError(t, table.SetNextGXID(100))
	assert.Equal(t, common.GXID(100), table.ReadNewGXID())

	assert.ErrorIs(t, table.SetNextGXID(200), ErrNotStarting)
}

func TestMirroredBeginAdvancesGenerator(t *testing.T) {
	table := newTestTable(t, 8)
	table.SetStandby(true)

	h, err := table.ApplyMirroredBegin(MirroredBeginRequest{
		BeginRequest: BeginRequest{Isolation: types.IsolationSerializable, ProxyConnID: -1},
		GXID:         500,
		ClientID:     7,
	})
	require.NoError(t, err)

	info, err := table.Info(h)
	require.NoError(t, err)
	assert.Equal(t, common.GXID(500), info.GXID)
	assert.Equal(t, uint64(7), info.ClientID)
	assert.Equal(t, common.GXID(501), table.ReadNewGXID())

	// A lower mirrored GXID must not move the generator backwards.
	_, err = table.ApplyMirroredBegin(MirroredBeginRequest{
		BeginRequest: BeginRequest{ProxyConnID: -1},
		GXID:         200,
		ClientID:     8,
	})
	require.NoError(t, err)
	assert.Equal(t, common.GXID(501), table.ReadNewGXID())
}

func TestMirroredBeginIsIdempotent(t *testing.T) {
	table := newTestTable(t, 8)
	table.SetStandby(true)

	req := MirroredBeginRequest{
		BeginRequest: BeginRequest{Isolation: types.IsolationSerializable, ProxyConnID: -1},
		GXID:         42,
		ClientID:     9,
	}
	h1, err := table.ApplyMirroredBegin(req)
	require.NoError(t, err)
	h2, err := table.ApplyMirroredBegin(req)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, table.OpenCount())
	assert.Equal(t, common.GXID(43), table.ReadNewGXID())
}

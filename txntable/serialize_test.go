package txntable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm/common"
	"gtm/params"
	"gtm/types"
)

func TestSerializeRestoreRoundTrip(t *testing.T) {
	primary := newTestTable(t, 32)

	beginWithGXID(t, primary, 1, "S1")
	h2, _ := beginWithGXID(t, primary, 1, "S2")
	require.NoError(t, primary.StartPrepared(h2, "GID-2", "dn1,dn2"))
	require.NoError(t, primary.Prepare(h2))
	h3, _ := beginWithGXID(t, primary, 2, "S3")
	require.Equal(t, types.StatusOK, primary.Commit(h3, nil))

	blob := primary.Serialize()

	config := params.DefaultConfig
	config.MaxOpenTransactions = 32
	fresh := New(config, nil, nil)
	defer fresh.Close()
	fresh.SetStandby(true)
	require.NoError(t, fresh.Restore(blob))

	// Identical open-transaction sets and generator position.
	assert.Equal(t, primary.ReadNewGXID(), fresh.ReadNewGXID())
	assert.Equal(t, primary.LatestCompletedGXID(), fresh.LatestCompletedGXID())

	want := primary.OpenTransactions()
	got := fresh.OpenTransactions()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i])
	}

	// The restored table resolves the same identifiers.
	assert.Equal(t, primary.HandleForGID("GID-2"), fresh.HandleForGID("GID-2"))
	assert.Equal(t, primary.HandleForSession("S1"), fresh.HandleForSession("S1"))
}

func TestRestoreRejectsNonEmptyTable(t *testing.T) {
	primary := newTestTable(t, 16)
	beginWithGXID(t, primary, 1, "S1")
	blob := primary.Serialize()

	target := newTestTable(t, 16)
	beginWithGXID(t, target, 1, "T1")
	assert.Error(t, target.Restore(blob))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	table := newTestTable(t, 16)
	assert.Error(t, table.Restore([]byte{1, 2, 3}))
}

func TestCompletedFeed(t *testing.T) {
	table := newTestTable(t, 16)

	ch := make(chan []common.GXID, 1)
	sub := table.SubscribeCompleted(ch)
	defer sub.Unsubscribe()

	h, gxid := beginWithGXID(t, table, 1, "S1")
	require.Equal(t, types.StatusOK, table.Commit(h, nil))

	select {
	case completed := <-ch:
		assert.Equal(t, []common.GXID{gxid}, completed)
	default:
		t.Fatal("no completion event delivered")
	}
}

func TestReportXmin(t *testing.T) {
	table := newTestTable(t, 16)

	res := table.ReportXmin(types.NodeDatanode, "dn1", 100)
	assert.Zero(t, res.Errcode)
	assert.Equal(t, common.GXID(100), res.GlobalXmin)

	// A report behind the published horizon is refused; accepting it would
	// move the horizon backwards.
	res = table.ReportXmin(types.NodeDatanode, "dn2", 90)
	assert.NotZero(t, res.Errcode)
	assert.Equal(t, common.GXID(100), res.GlobalXmin)

	// The horizon follows the slowest reporting node forward.
	res = table.ReportXmin(types.NodeDatanode, "dn2", 120)
	assert.Zero(t, res.Errcode)
	assert.Equal(t, common.GXID(100), res.GlobalXmin)
	res = table.ReportXmin(types.NodeDatanode, "dn1", 150)
	assert.Zero(t, res.Errcode)
	assert.Equal(t, common.GXID(120), res.GlobalXmin)
}

package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm/common"
	"gtm/params"
	"gtm/proto"
	"gtm/standby"
	"gtm/txntable"
	"gtm/types"
)

const (
	eventuallyTimeout = 5 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

func testConfig() params.Config {
	config := params.DefaultConfig
	config.MaxOpenTransactions = 64
	return config
}

func newTable(t *testing.T, config params.Config) *txntable.Table {
	t.Helper()
	table := txntable.New(config, nil, nil)
	require.NoError(t, table.SetNextGXID(common.FirstNormalGXID))
	t.Cleanup(table.Close)
	return table
}

// startServer brings up a server on a loopback listener and returns its
// address.
func startServer(t *testing.T, config params.Config, table *txntable.Table, sb *standby.Client) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(config, table, sb)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

// testClient speaks the framed protocol against a live server.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	r        *bufio.Reader
	clientID uint64
}

func dialClient(t *testing.T, addr string, nodeType types.NodeType) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tc := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}

	e := proto.NewEncoder()
	e.PutUint32(uint32(nodeType))
	require.NoError(t, proto.WriteFrame(conn, proto.TagConnStartup, e.Bytes()))

	tag, payload, err := proto.ReadFrame(tc.r)
	require.NoError(t, err)
	require.Equal(t, proto.TagConnStartup.Response(), tag)
	d := proto.NewDecoder(payload)
	tc.clientID = d.Uint64()
	require.NoError(t, d.Close())
	return tc
}

func (tc *testClient) send(tag proto.Tag, e *proto.Encoder) {
	tc.t.Helper()
	require.NoError(tc.t, proto.WriteFrame(tc.conn, tag, e.Bytes()))
}

func (tc *testClient) recv() (proto.Tag, *proto.Decoder) {
	tc.t.Helper()
	tag, payload, err := proto.ReadFrame(tc.r)
	require.NoError(tc.t, err)
	return tag, proto.NewDecoder(payload)
}

// roundTrip sends a request and returns the decoder of the matching
// response, failing the test on an error reply.
func (tc *testClient) roundTrip(tag proto.Tag, e *proto.Encoder) *proto.Decoder {
	tc.t.Helper()
	tc.send(tag, e)
	got, d := tc.recv()
	if got == proto.TagError {
		tc.t.Fatalf("request %s failed: %s", tag, d.String(1024))
	}
	require.Equal(tc.t, tag.Response(), got)
	return d
}

// roundTripErr sends a request and requires an error reply, returning its
// message.
func (tc *testClient) roundTripErr(tag proto.Tag, e *proto.Encoder) string {
	tc.t.Helper()
	tc.send(tag, e)
	got, d := tc.recv()
	require.Equal(tc.t, proto.TagError, got)
	msg := d.String(1024)
	require.NoError(tc.t, d.Close())
	return msg
}

func (tc *testClient) beginGetGXID(isolation types.IsolationLevel, readOnly bool, sessionID string) common.GXID {
	tc.t.Helper()
	e := proto.NewEncoder()
	e.PutUint32(uint32(isolation))
	e.PutBool(readOnly)
	e.PutString(sessionID)
	d := tc.roundTrip(proto.TagTxnBeginGetGXID, e)
	gxid := d.GXID()
	d.Uint64() // timestamp
	require.NoError(tc.t, d.Close())
	return gxid
}

func (tc *testClient) commit(gxid common.GXID, waited []common.GXID) types.Status {
	tc.t.Helper()
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutUint32(uint32(len(waited)))
	for _, w := range waited {
		e.PutGXID(w)
	}
	d := tc.roundTrip(proto.TagTxnCommit, e)
	echoed := d.GXID()
	status := d.Status()
	require.NoError(tc.t, d.Close())
	require.Equal(tc.t, gxid, echoed)
	return status
}

func TestBeginCommitHappyPathOverWire(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	gxid := tc.beginGetGXID(types.IsolationSerializable, false, "S1")
	assert.Equal(t, gxid.Next(), table.ReadNewGXID())
	assert.Equal(t, 1, table.OpenCount())

	assert.Equal(t, types.StatusOK, tc.commit(gxid, nil))
	assert.Equal(t, 0, table.OpenCount())
	assert.Equal(t, gxid, table.LatestCompletedGXID())
}

func TestSessionReuseOverWire(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	begin := func() (uint32, uint64) {
		e := proto.NewEncoder()
		e.PutUint32(uint32(types.IsolationReadCommitted))
		e.PutBool(false)
		e.PutString("S1")
		d := tc.roundTrip(proto.TagTxnBegin, e)
		handle := d.Uint32()
		timestamp := d.Uint64()
		require.NoError(t, d.Close())
		return handle, timestamp
	}

	h1, _ := begin()
	h2, _ := begin()
	assert.Equal(t, h1, h2)

	gxid := tc.beginGetGXID(types.IsolationReadCommitted, false, "S1")
	require.Equal(t, types.StatusOK, tc.commit(gxid, nil))

	h3, _ := begin()
	assert.NotEqual(t, h1, h3)
}

func TestPreparedSurvivesDisconnectOverWire(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)

	tc1 := dialClient(t, addr, types.NodeClient)
	g1 := tc1.beginGetGXID(types.IsolationSerializable, false, "S1")

	e := proto.NewEncoder()
	e.PutGXID(g1)
	e.PutString("GID-1")
	e.PutString("dn1,dn2")
	d := tc1.roundTrip(proto.TagTxnStartPrepared, e)
	assert.Equal(t, g1, d.GXID())
	require.NoError(t, d.Close())

	e = proto.NewEncoder()
	e.PutGXID(g1)
	d = tc1.roundTrip(proto.TagTxnPrepare, e)
	assert.Equal(t, g1, d.GXID())
	require.NoError(t, d.Close())

	// Drop the first client and wait for its reap to run.
	tc1.conn.Close()
	require.Eventually(t, func() bool {
		return table.HandleForGID("GID-1").IsValid() && table.OpenCount() == 1
	}, eventuallyTimeout, eventuallyTick)

	// A different client resolves the GID and finishes the transaction.
	tc2 := dialClient(t, addr, types.NodeClient)
	e = proto.NewEncoder()
	e.PutUint32(uint32(types.IsolationSerializable))
	e.PutBool(false)
	e.PutString("GID-1")
	d = tc2.roundTrip(proto.TagTxnGetGIDData, e)
	newGXID := d.GXID()
	preparedGXID := d.GXID()
	nodeString := d.String(1024)
	require.NoError(t, d.Close())
	assert.Equal(t, g1, preparedGXID)
	assert.Equal(t, "dn1,dn2", nodeString)

	e = proto.NewEncoder()
	e.PutGXID(preparedGXID)
	e.PutGXID(newGXID)
	e.PutUint32(0) // no waited gxids
	d = tc2.roundTrip(proto.TagTxnCommitPrepared, e)
	assert.Equal(t, preparedGXID, d.GXID())
	assert.Equal(t, types.StatusOK, d.Status())
	require.NoError(t, d.Close())

	assert.Equal(t, 0, table.OpenCount())
}

func TestDependentCommitDelayedOverWire(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	g1 := tc.beginGetGXID(types.IsolationSerializable, false, "S1")
	g2 := tc.beginGetGXID(types.IsolationSerializable, false, "S2")

	assert.Equal(t, types.StatusDelayed, tc.commit(g2, []common.GXID{g1}))
	assert.Equal(t, 2, table.OpenCount())

	assert.Equal(t, types.StatusOK, tc.commit(g1, nil))
	assert.Equal(t, types.StatusOK, tc.commit(g2, []common.GXID{g1}))
	assert.Equal(t, 0, table.OpenCount())
}

func TestCapacityOverWire(t *testing.T) {
	config := testConfig()
	config.MaxOpenTransactions = 4
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	gxids := make([]common.GXID, 4)
	for i := range gxids {
		gxids[i] = tc.beginGetGXID(types.IsolationReadCommitted, false, session(i))
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(types.IsolationReadCommitted))
	e.PutBool(false)
	e.PutString("S-overflow")
	msg := tc.roundTripErr(proto.TagTxnBeginGetGXID, e)
	assert.Contains(t, msg, "limit reached")

	require.Equal(t, types.StatusOK, tc.commit(gxids[0], nil))
	gxid := tc.beginGetGXID(types.IsolationReadCommitted, false, "S-overflow")
	assert.True(t, common.Follows(gxid, gxids[3]))
}

func TestGetNextGXIDAndReportXminOverWire(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	d := tc.roundTrip(proto.TagTxnGetNextGXID, proto.NewEncoder())
	assert.Equal(t, table.ReadNewGXID(), d.GXID())
	require.NoError(t, d.Close())

	e := proto.NewEncoder()
	e.PutGXID(50)
	e.PutUint32(uint32(types.NodeDatanode))
	e.PutString("dn1")
	d = tc.roundTrip(proto.TagReportXmin, e)
	d.GXID() // latest completed
	assert.Equal(t, common.GXID(50), d.GXID())
	assert.Zero(t, d.Int32())
	require.NoError(t, d.Close())
}

func TestProxyHeaderEcho(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeProxy)

	const backendID int32 = 37

	e := proto.NewEncoder()
	e.PutInt32(backendID) // proxy header
	e.PutUint32(uint32(types.IsolationReadCommitted))
	e.PutBool(false)
	e.PutString("S1")
	tc.send(proto.TagTxnBeginGetGXID, e)

	tag, d := tc.recv()
	require.Equal(t, proto.TagTxnBeginGetGXID.Response(), tag)
	assert.Equal(t, backendID, d.Int32(), "reply must lead with the proxy connection id")
	d.GXID()
	d.Uint64()
	require.NoError(t, d.Close())
}

func TestGXIDListRestoresOnFreshStandby(t *testing.T) {
	config := testConfig()
	table := newTable(t, config)
	addr := startServer(t, config, table, nil)
	tc := dialClient(t, addr, types.NodeClient)

	g1 := tc.beginGetGXID(types.IsolationSerializable, false, "S1")
	e := proto.NewEncoder()
	e.PutGXID(g1)
	e.PutString("GID-1")
	e.PutString("dn1")
	tc.roundTrip(proto.TagTxnStartPrepared, e)

	d := tc.roundTrip(proto.TagTxnGXIDList, proto.NewEncoder())
	blob := d.Bytes(int(d.Uint32()))
	require.NoError(t, d.Close())

	fresh := txntable.New(config, nil, nil)
	defer fresh.Close()
	fresh.SetStandby(true)
	require.NoError(t, fresh.Restore(blob))

	assert.Equal(t, table.ReadNewGXID(), fresh.ReadNewGXID())
	assert.Equal(t, table.OpenCount(), fresh.OpenCount())
	assert.True(t, fresh.HandleForGID("GID-1").IsValid())
}

func session(i int) string {
	return "S" + string(rune('A'+i))
}

package txntable

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/params"
	"gtm/types"
)

// ControlWriter persists the control GXID. The write happens outside the
// generator lock, so implementations may touch disk.
type ControlWriter interface {
	SaveControlGXID(gxid common.GXID) error
}

// txnSlot is one entry of the dense transaction array. A slot is owned by the
// table for the whole process lifetime; request-scoped strings are copied in
// at begin/prepare time so nothing here references a connection buffer.
//
// The slot lock covers the state field and the mutable strings during
// transitions. Occupancy (inUse) and open-list membership are covered by the
// table's array lock instead.
type txnSlot struct {
	lock sync.RWMutex

	inUse  bool
	handle types.TransactionHandle

	gxid  common.GXID
	xmin  common.GXID
	state types.TxnState

	isolation types.IsolationLevel
	readOnly  bool

	clientID      uint64
	proxyClientID int32
	sessionID     string

	gid        string
	nodeString string

	doVacuum bool

	createdSeqs []types.SeqRef
	droppedSeqs []types.SeqRef
	alteredSeqs []types.SeqRef
}

// info copies the slot into a read-only view. Callers hold the locks they
// need for the consistency they want.
func (s *txnSlot) info() types.TxnInfo {
	return types.TxnInfo{
		Handle:        s.handle,
		GXID:          s.gxid,
		Xmin:          s.xmin,
		State:         s.state,
		Isolation:     s.isolation,
		ReadOnly:      s.readOnly,
		ClientID:      s.clientID,
		ProxyClientID: s.proxyClientID,
		SessionID:     s.sessionID,
		GID:           s.gid,
		NodeString:    s.nodeString,
		DoVacuum:      s.doVacuum,
	}
}

// Table tracks every in-flight global transaction. It owns a fixed array of
// transaction slots, the list of currently open slots, and the GXID
// generator.
//
// Lock order is strictly: arrayLock -> genLock -> slot lock. The control
// checkpoint and any network send happen with no locks held.
type Table struct {
	config  params.Config
	seqs    types.SequenceStore // may be nil (hooks are skipped)
	control ControlWriter       // may be nil (no durable checkpoints)

	standby atomic.Bool // true when fed GXIDs by a primary

	arrayLock           sync.RWMutex
	slots               []txnSlot
	openList            []*txnSlot
	lastSlot            int
	latestCompletedGXID common.GXID

	genLock     sync.RWMutex
	state       types.TableState
	nextGXID    common.GXID
	oldestGXID  common.GXID
	controlGXID common.GXID
	backedUpXid common.GXID

	xidVacLimit  common.GXID
	xidWarnLimit common.GXID
	xidStopLimit common.GXID
	xidWrapLimit common.GXID

	xminLock         sync.Mutex
	nodeXmins        map[string]common.GXID
	recentGlobalXmin common.GXID

	completedFeed event.Feed
	scope         event.SubscriptionScope
}

// New creates an empty transaction table. The table starts in the starting
// state; SetNextGXID flips it to running once the control record has been
// consulted.
func New(config params.Config, seqs types.SequenceStore, control ControlWriter) *Table {
	config = (&config).Sanitize()

	t := &Table{
		config:              config,
		seqs:                seqs,
		control:             control,
		slots:               make([]txnSlot, config.MaxOpenTransactions),
		openList:            make([]*txnSlot, 0, 64),
		lastSlot:            -1,
		nextGXID:            common.FirstNormalGXID,
		oldestGXID:          common.FirstNormalGXID,
		controlGXID:         common.FirstNormalGXID,
		latestCompletedGXID: common.FirstNormalGXID,
		recentGlobalXmin:    common.FirstNormalGXID,
		state:               types.TableStarting,
		nodeXmins:           make(map[string]common.GXID),
	}
	for i := range t.slots {
		t.slots[i].handle = types.TransactionHandle(i)
	}
	return t
}

// Close tears down the subscription scope. Open transactions are left in
// place; callers drain them through the normal lifecycle first.
func (t *Table) Close() {
	t.scope.Close()
}

// Config returns the sanitized configuration the table runs with.
func (t *Table) Config() params.Config {
	return t.config
}

// SetStandby switches the GXID source between the local generator and
// caller-supplied identifiers arriving via mirror calls.
func (t *Table) SetStandby(standby bool) {
	t.standby.Store(standby)
}

// IsStandby reports whether the table replays mirror calls.
func (t *Table) IsStandby() bool {
	return t.standby.Load()
}

// SubscribeCompleted sends the GXIDs of each removal batch to the given
// channel. The snapshot side consumes this to advance its horizon.
func (t *Table) SubscribeCompleted(ch chan<- []common.GXID) event.Subscription {
	return t.scope.Track(t.completedFeed.Subscribe(ch))
}

// slot validates a handle and returns the backing slot, or nil when the
// handle is out of range or not in use.
func (t *Table) slot(handle types.TransactionHandle) *txnSlot {
	if handle < 0 || int(handle) >= len(t.slots) {
		log.Warn("Invalid transaction handle", "handle", handle)
		return nil
	}
	s := &t.slots[handle]
	if !s.inUse {
		log.Warn("Transaction handle not in use", "handle", handle)
		return nil
	}
	return s
}

// Info returns a read-only copy of the slot behind a handle.
func (t *Table) Info(handle types.TransactionHandle) (types.TxnInfo, error) {
	s := t.slot(handle)
	if s == nil {
		return types.TxnInfo{}, ErrInvalidHandle
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.info(), nil
}

// OpenCount returns the number of currently open transactions.
func (t *Table) OpenCount() int {
	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()
	return len(t.openList)
}

// LatestCompletedGXID returns the modular maximum GXID over every completed
// transaction.
func (t *Table) LatestCompletedGXID() common.GXID {
	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()
	return t.latestCompletedGXID
}

// allocLocked claims the first free slot at or after lastSlot+1, walking at
// most the whole array. The cursor deliberately avoids freshly freed slots so
// churn touches distinct slots and lookup keys rotate.
//
// Callers hold arrayLock in write mode.
func (t *Table) allocLocked() (*txnSlot, error) {
	start := t.lastSlot + 1
	if start >= len(t.slots) {
		start = 0
	}
	for i, walked := start, 0; walked < len(t.slots); i, walked = (i+1)%len(t.slots), walked+1 {
		if !t.slots[i].inUse {
			t.lastSlot = i
			return &t.slots[i], nil
		}
	}
	return nil, ErrCapacityExhausted
}

// initSlotLocked fills a freshly claimed slot and appends it to the open
// list. Strings are copied by Go assignment semantics, so nothing retains the
// decode buffer of the request that carried them.
//
// Callers hold arrayLock in write mode.
func (t *Table) initSlotLocked(s *txnSlot, isolation types.IsolationLevel, readOnly bool, sessionID string, clientID uint64, proxyConnID int32) {
	s.inUse = true
	s.gxid = common.InvalidGXID
	s.xmin = common.InvalidGXID
	s.state = types.TxnStarting
	s.isolation = isolation
	s.readOnly = readOnly
	s.clientID = clientID
	s.proxyClientID = proxyConnID
	s.sessionID = truncate(sessionID, t.config.MaxSessionIDLen)
	s.gid = ""
	s.nodeString = ""
	s.doVacuum = false
	s.createdSeqs = nil
	s.droppedSeqs = nil
	s.alteredSeqs = nil

	t.openList = append(t.openList, s)
	openTxnsGauge.Update(int64(len(t.openList)))
}

// clearLocked returns a slot to the pool after its removal pass. Callers hold
// arrayLock in write mode; the slot is no longer reachable through the open
// list, so the slot lock is not needed.
func (t *Table) clearLocked(s *txnSlot) {
	s.state = types.TxnAborted
	s.inUse = false
	s.gid = ""
	s.nodeString = ""
	s.sessionID = ""
	s.createdSeqs = nil
	s.droppedSeqs = nil
	s.alteredSeqs = nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

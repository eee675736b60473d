package txntable

import (
	"fmt"

	"gtm/proto"
	"gtm/types"
)

// Serialization of the live table, served to TXN_GXID_LIST clients. A fresh
// standby restores from the blob and ends up with the same open-transaction
// set and generator position as the primary had at capture time.

// Serialize captures the generator position and every open transaction.
// Both locks are taken in order, so the capture is a consistent cut.
func (t *Table) Serialize() []byte {
	t.arrayLock.RLock()
	t.genLock.RLock()

	e := proto.NewEncoder()
	e.PutGXID(t.nextGXID)
	e.PutGXID(t.latestCompletedGXID)
	e.PutUint32(uint32(len(t.openList)))
	for _, s := range t.openList {
		s.lock.RLock()
		info := s.info()
		s.lock.RUnlock()

		e.PutInt32(int32(info.Handle))
		e.PutGXID(info.GXID)
		e.PutGXID(info.Xmin)
		e.PutUint32(uint32(info.State))
		e.PutUint32(uint32(info.Isolation))
		e.PutBool(info.ReadOnly)
		e.PutUint64(info.ClientID)
		e.PutInt32(info.ProxyClientID)
		e.PutString(info.SessionID)
		e.PutString(info.GID)
		e.PutString(info.NodeString)
		e.PutBool(info.DoVacuum)
	}

	t.genLock.RUnlock()
	t.arrayLock.RUnlock()

	return e.Bytes()
}

// Restore loads a serialized table into this one. Transactions keep their
// handles, so handle-carrying state on other nodes stays valid across a
// promotion. Only an empty table may be restored into; the table's
// Starting/Running state is not changed.
func (t *Table) Restore(blob []byte) error {
	d := proto.NewDecoder(blob)
	nextGXID := d.GXID()
	latestCompleted := d.GXID()
	count := d.Count(len(t.slots))
	if err := d.Err(); err != nil {
		return err
	}

	t.arrayLock.Lock()
	defer t.arrayLock.Unlock()

	if len(t.openList) != 0 {
		return fmt.Errorf("restore into non-empty transaction table (%d open)", len(t.openList))
	}

	for i := 0; i < count; i++ {
		handle := types.TransactionHandle(d.Int32())
		gxid := d.GXID()
		xmin := d.GXID()
		state := types.TxnState(d.Uint32())
		isolation := types.IsolationLevel(d.Uint32())
		readOnly := d.Bool()
		clientID := d.Uint64()
		proxyClientID := d.Int32()
		sessionID := d.String(t.config.MaxSessionIDLen)
		gid := d.String(t.config.MaxGIDLen)
		nodeString := d.String(t.config.MaxNodeStringLen)
		doVacuum := d.Bool()
		if err := d.Err(); err != nil {
			return err
		}
		if handle < 0 || int(handle) >= len(t.slots) {
			return fmt.Errorf("%w: handle %d out of range", proto.ErrProtocol, handle)
		}

		s := &t.slots[handle]
		if s.inUse {
			return fmt.Errorf("%w: duplicate handle %d", proto.ErrProtocol, handle)
		}
		t.initSlotLocked(s, isolation, readOnly, sessionID, clientID, proxyClientID)
		s.gxid = gxid
		s.xmin = xmin
		s.state = state
		s.gid = gid
		s.nodeString = nodeString
		s.doVacuum = doVacuum
		if int(handle) > t.lastSlot {
			t.lastSlot = int(handle)
		}
	}
	if err := d.Close(); err != nil {
		return err
	}

	t.latestCompletedGXID = latestCompleted

	t.genLock.Lock()
	t.nextGXID = nextGXID
	t.controlGXID = nextGXID
	t.genLock.Unlock()

	return nil
}

// OpenTransactions returns a read-only copy of every open transaction, in
// open-list order.
func (t *Table) OpenTransactions() []types.TxnInfo {
	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()

	infos := make([]types.TxnInfo, 0, len(t.openList))
	for _, s := range t.openList {
		s.lock.RLock()
		infos = append(infos, s.info())
		s.lock.RUnlock()
	}
	return infos
}

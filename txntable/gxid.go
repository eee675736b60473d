package txntable

import (
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/types"
)

// AssignGXIDs hands out GXIDs to every listed handle that does not have one
// yet. The returned gxids slice carries the identifier of every handle
// (pre-existing or fresh); newHandles lists only the handles that were
// assigned here.
//
// The whole batch runs under one acquisition of the generator lock, and the
// control-checkpoint decision is made once at the end. The durable write, if
// due, happens after the lock is released.
func (t *Table) AssignGXIDs(handles []types.TransactionHandle) (gxids []common.GXID, newHandles []types.TransactionHandle, err error) {
	// Standbys receive GXIDs from the primary via mirror calls.
	if t.IsStandby() {
		return nil, nil, ErrStandbyReadOnly
	}

	gxids = make([]common.GXID, len(handles))

	t.genLock.Lock()

	if t.state == types.TableShuttingDown {
		t.genLock.Unlock()
		return nil, nil, ErrShuttingDown
	}

	var last common.GXID
	for i, handle := range handles {
		s := t.slot(handle)
		if s == nil {
			t.genLock.Unlock()
			return nil, nil, ErrInvalidHandle
		}

		if s.gxid.IsValid() {
			gxids[i] = s.gxid
			continue
		}

		xid := t.nextGXID

		// Wrap-around protection. Past the vac limit we get increasingly
		// loud: warn past the warn limit, refuse past the stop limit. The
		// test falls out as fast as possible in normal operation, when the
		// vac limit is unset or far away.
		if common.FollowsOrEquals(xid, t.xidVacLimit) && t.xidVacLimit.IsValid() {
			if common.FollowsOrEquals(xid, t.xidStopLimit) {
				t.genLock.Unlock()
				return nil, nil, ErrWrapAroundStop
			} else if common.FollowsOrEquals(xid, t.xidWarnLimit) {
				log.Warn("Transactions must be vacuumed soon", "remaining", uint32(t.xidWrapLimit-xid))
			}
		}

		t.nextGXID = t.nextGXID.Next()

		s.lock.Lock()
		s.gxid = xid
		s.state = types.TxnRunning
		s.lock.Unlock()

		gxids[i] = xid
		last = xid
		newHandles = append(newHandles, handle)
	}

	saveControl := t.checkpointDueLocked(last)
	next := t.nextGXID
	t.genLock.Unlock()

	nextGXIDGauge.Update(int64(next))

	if saveControl {
		t.saveControl(last)
	}
	return gxids, newHandles, nil
}

// AssignGXID allocates a GXID for a single transaction and stores it in the
// slot before returning it.
func (t *Table) AssignGXID(handle types.TransactionHandle) (common.GXID, error) {
	gxids, _, err := t.AssignGXIDs([]types.TransactionHandle{handle})
	if err != nil {
		return common.InvalidGXID, err
	}
	return gxids[0], nil
}

// checkpointDueLocked decides whether the control record needs a refresh and
// advances the in-memory control GXID when it does. Callers hold genLock in
// write mode.
func (t *Table) checkpointDueLocked(xid common.GXID) bool {
	if !xid.IsValid() {
		return false
	}
	// A plain < catches the wrap: right after nextGXID wraps past zero the
	// new identifiers compare below the last checkpointed one.
	if uint32(xid-t.controlGXID) >= t.config.ControlInterval || xid < t.controlGXID {
		t.controlGXID = xid
		return true
	}
	return false
}

// saveControl writes the control record through the durable store. Called
// with no locks held.
func (t *Table) saveControl(xid common.GXID) {
	if t.control == nil {
		return
	}
	checkptMeter.Mark(1)
	if err := t.control.SaveControlGXID(xid); err != nil {
		log.Error("Failed to save control record", "gxid", xid, "err", err)
	}
}

// ReadNewGXID reads the next GXID without allocating it.
func (t *Table) ReadNewGXID() common.GXID {
	t.genLock.RLock()
	defer t.genLock.RUnlock()
	return t.nextGXID
}

// SetNextGXID installs the generator position recovered from the control
// record and flips the table from starting to running. It is the one-time
// initializer invoked during startup, before any client traffic.
func (t *Table) SetNextGXID(gxid common.GXID) error {
	t.genLock.Lock()
	defer t.genLock.Unlock()

	if t.state != types.TableStarting {
		return ErrNotStarting
	}
	if !gxid.IsNormal() {
		gxid = common.FirstNormalGXID
	}
	t.nextGXID = gxid
	t.controlGXID = gxid
	t.state = types.TableRunning
	return nil
}

// SetGXIDLimits installs the wrap-around thresholds. An invalid vac limit
// disables the whole check.
func (t *Table) SetGXIDLimits(vac, warn, stop, wrap common.GXID) {
	t.genLock.Lock()
	defer t.genLock.Unlock()
	t.xidVacLimit = vac
	t.xidWarnLimit = warn
	t.xidStopLimit = stop
	t.xidWrapLimit = wrap
}

// SetShuttingDown stops the generator. No new GXIDs are issued past this
// point, so the last control record stays ahead of anything ever handed out.
func (t *Table) SetShuttingDown() {
	t.genLock.Lock()
	t.state = types.TableShuttingDown
	t.genLock.Unlock()
}

// advanceForMirroredLocked moves nextGXID past a GXID received from the
// primary, wrapping below the reserved floor. Callers hold genLock in write
// mode.
func (t *Table) advanceForMirroredLocked(gxid common.GXID) {
	if common.PrecedesOrEquals(t.nextGXID, gxid) {
		t.nextGXID = gxid + 1
	}
	if !t.nextGXID.IsValid() {
		t.nextGXID = common.FirstNormalGXID
	}
}

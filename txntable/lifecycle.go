package txntable

import (
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/types"
)

// BeginRequest carries the per-transaction operands of a begin.
type BeginRequest struct {
	Isolation   types.IsolationLevel
	ReadOnly    bool
	SessionID   string
	ProxyConnID int32
}

// BeginMulti starts transactions for every request, reusing the transaction
// already open on a request's global session when there is one. Handles are
// returned in request order.
//
// Slot memory is owned by the table for the process lifetime, so a handle
// stays valid after the goroutine that began the transaction is gone.
func (t *Table) BeginMulti(clientID uint64, reqs []BeginRequest) ([]types.TransactionHandle, error) {
	handles := make([]types.TransactionHandle, len(reqs))

	t.arrayLock.Lock()
	defer t.arrayLock.Unlock()

	for i, req := range reqs {
		if h := t.handleForSessionLocked(req.SessionID); h.IsValid() {
			s := &t.slots[h]
			log.Debug("Existing transaction found", "session", s.sessionID, "gxid", s.gxid)
			handles[i] = h
			continue
		}

		s, err := t.allocLocked()
		if err != nil {
			return nil, err
		}
		t.initSlotLocked(s, req.Isolation, req.ReadOnly, req.SessionID, clientID, req.ProxyConnID)
		handles[i] = s.handle
	}
	return handles, nil
}

// Begin starts a single transaction on the given global session.
func (t *Table) Begin(clientID uint64, isolation types.IsolationLevel, readOnly bool, sessionID string) (types.TransactionHandle, error) {
	handles, err := t.BeginMulti(clientID, []BeginRequest{{
		Isolation:   isolation,
		ReadOnly:    readOnly,
		SessionID:   sessionID,
		ProxyConnID: -1,
	}})
	if err != nil {
		return types.InvalidTransactionHandle, err
	}
	return handles[0], nil
}

// SetDoVacuum marks a transaction as a lazy vacuum. Snapshot builders skip
// such transactions.
func (t *Table) SetDoVacuum(handle types.TransactionHandle) error {
	s := t.slot(handle)
	if s == nil {
		return ErrInvalidHandle
	}
	s.lock.Lock()
	s.doVacuum = true
	s.lock.Unlock()
	return nil
}

// MirroredBeginRequest is a begin replayed on a standby: the GXID and the
// client identifier were decided by the primary and ride along.
type MirroredBeginRequest struct {
	BeginRequest
	GXID     common.GXID
	ClientID uint64
}

// ApplyMirroredBeginMulti replays begins shipped by the primary. The local
// generator is fed from the incoming GXIDs: nextGXID advances to one past the
// highest identifier seen, wrapping below the reserved floor.
//
// Replaying the same call twice is a no-op for slots already initialised with
// the incoming GXID, so retried mirror batches converge to the same state.
func (t *Table) ApplyMirroredBeginMulti(reqs []MirroredBeginRequest) ([]types.TransactionHandle, error) {
	handles := make([]types.TransactionHandle, len(reqs))
	replayed := make([]bool, len(reqs))

	t.arrayLock.Lock()

	for i, req := range reqs {
		if h := t.handleForLocked(req.GXID, false); h.IsValid() {
			handles[i] = h
			replayed[i] = true
			continue
		}
		if h := t.handleForSessionLocked(req.SessionID); h.IsValid() {
			handles[i] = h
			continue
		}

		s, err := t.allocLocked()
		if err != nil {
			t.arrayLock.Unlock()
			return nil, err
		}
		t.initSlotLocked(s, req.Isolation, req.ReadOnly, req.SessionID, req.ClientID, req.ProxyConnID)
		handles[i] = s.handle
	}

	// Bind the primary-assigned GXIDs and advance the generator. arrayLock is
	// still held, which keeps the order arrayLock -> genLock -> slot lock.
	t.genLock.Lock()

	var last common.GXID
	for i, req := range reqs {
		if !req.GXID.IsValid() || replayed[i] {
			continue
		}
		s := &t.slots[handles[i]]
		s.lock.Lock()
		s.gxid = req.GXID
		s.state = types.TxnRunning
		s.lock.Unlock()

		t.advanceForMirroredLocked(req.GXID)
		last = t.nextGXID
	}

	saveControl := t.checkpointDueLocked(last)
	t.genLock.Unlock()
	t.arrayLock.Unlock()

	if saveControl {
		t.saveControl(last)
	}
	return handles, nil
}

// ApplyMirroredBegin replays a single begin shipped by the primary.
func (t *Table) ApplyMirroredBegin(req MirroredBeginRequest) (types.TransactionHandle, error) {
	handles, err := t.ApplyMirroredBeginMulti([]MirroredBeginRequest{req})
	if err != nil {
		return types.InvalidTransactionHandle, err
	}
	return handles[0], nil
}

// CommitMulti commits a batch of handles. When any of the waited GXIDs still
// has an open transaction, the affected handles are delayed instead: the
// client retries once its dependencies have completed.
//
// Per-handle status is one of StatusOK (committed and removed),
// StatusDelayed, or StatusError (bad handle). Returns the number of
// transactions actually removed.
func (t *Table) CommitMulti(handles []types.TransactionHandle, waited []common.GXID, status []types.Status) int {
	remove := make([]*txnSlot, 0, len(handles))

	// The commit may depend on transactions that are still running,
	// possibly ones being committed in this very batch. Delay it until
	// they are gone. The check is made once for the whole batch, so every
	// valid handle in it shares the outcome.
	delayed := false
	for _, gxid := range waited {
		if t.IsGXIDInProgress(gxid) {
			log.Debug("Dependency still in progress, delaying commit", "waited", gxid)
			delayed = true
			break
		}
	}

	for i, handle := range handles {
		s := t.slot(handle)
		if s == nil {
			log.Warn("Can not commit non-initialized handle", "handle", handle)
			status[i] = types.StatusError
			continue
		}

		if delayed {
			delayedMeter.Mark(1)
			status[i] = types.StatusDelayed
			continue
		}

		s.lock.Lock()
		s.state = types.TxnCommitInProgress
		s.lock.Unlock()

		status[i] = types.StatusOK
		remove = append(remove, s)
	}

	t.removeMulti(remove)
	return len(remove)
}

// Commit commits a single handle, honoring the waited GXIDs.
func (t *Table) Commit(handle types.TransactionHandle, waited []common.GXID) types.Status {
	status := make([]types.Status, 1)
	t.CommitMulti([]types.TransactionHandle{handle}, waited, status)
	return status[0]
}

// CommitPrepared commits the prepare-time and commit-time transactions of a
// prepared transaction together. They share the outcome: either both commit
// or both stay delayed.
func (t *Table) CommitPrepared(preparedHandle, commitHandle types.TransactionHandle, waited []common.GXID) [2]types.Status {
	var status [2]types.Status
	t.CommitMulti([]types.TransactionHandle{preparedHandle, commitHandle}, waited, status[:])
	return status
}

// RollbackMulti aborts a batch of handles. There is no delay path: aborts
// always proceed.
func (t *Table) RollbackMulti(handles []types.TransactionHandle, status []types.Status) int {
	remove := make([]*txnSlot, 0, len(handles))

	for i, handle := range handles {
		s := t.slot(handle)
		if s == nil {
			status[i] = types.StatusError
			continue
		}

		s.lock.Lock()
		s.state = types.TxnAbortInProgress
		s.lock.Unlock()

		status[i] = types.StatusOK
		remove = append(remove, s)
	}

	t.removeMulti(remove)
	return len(remove)
}

// Rollback aborts a single handle.
func (t *Table) Rollback(handle types.TransactionHandle) types.Status {
	status := make([]types.Status, 1)
	t.RollbackMulti([]types.TransactionHandle{handle}, status)
	return status[0]
}

// Prepare finishes phase one of 2PC: the transaction moves from
// prepare-in-progress to prepared. Any other starting state is a caller bug
// and is rejected without tearing anything down.
func (t *Table) Prepare(handle types.TransactionHandle) error {
	s := t.slot(handle)
	if s == nil {
		return ErrInvalidHandle
	}

	s.lock.Lock()
	if s.state != types.TxnPrepareInProgress {
		state := s.state
		s.lock.Unlock()
		log.Error("Prepare on transaction in unexpected state", "handle", handle, "state", state)
		return ErrInvalidState
	}
	s.state = types.TxnPrepared
	s.lock.Unlock()
	return nil
}

// StartPrepared moves a transaction into prepare-in-progress, binding the
// user-visible GID and the participant node list. The GID must be unique
// among open transactions.
func (t *Table) StartPrepared(handle types.TransactionHandle, gid, nodeString string) error {
	s := t.slot(handle)
	if s == nil {
		return ErrInvalidHandle
	}

	// The array lock is held in write mode until the GID is bound, so two
	// concurrent calls cannot both pass the duplicate check.
	t.arrayLock.Lock()
	defer t.arrayLock.Unlock()
	if dup := t.handleForGIDLocked(gid); dup.IsValid() {
		log.Warn("Prepared transaction id already exists", "gid", gid)
		return ErrDuplicateGID
	}

	s.lock.Lock()
	s.state = types.TxnPrepareInProgress
	s.gid = truncate(gid, t.config.MaxGIDLen)
	s.nodeString = truncate(nodeString, t.config.MaxNodeStringLen)
	s.lock.Unlock()
	return nil
}

// GIDData is the reply to a GetGIDData request: a fresh commit-time
// transaction plus the identity of the prepared one.
type GIDData struct {
	NewHandle    types.TransactionHandle
	NewGXID      common.GXID
	PreparedGXID common.GXID
	NodeString   string
}

// GetGIDData resolves a prepared transaction by GID and mints the
// transaction that will drive its commit or rollback. The new transaction is
// sessionless and owned by the calling client.
func (t *Table) GetGIDData(clientID uint64, isolation types.IsolationLevel, readOnly bool, gid string) (GIDData, error) {
	prepared := t.HandleForGID(gid)
	if !prepared.IsValid() {
		return GIDData{}, ErrUnknownGID
	}

	handle, err := t.Begin(clientID, isolation, readOnly, "")
	if err != nil {
		return GIDData{}, err
	}
	gxid, err := t.AssignGXID(handle)
	if err != nil {
		return GIDData{}, err
	}

	s := t.slot(prepared)
	if s == nil {
		return GIDData{}, ErrUnknownGID
	}
	s.lock.RLock()
	data := GIDData{
		NewHandle:    handle,
		NewGXID:      gxid,
		PreparedGXID: s.gxid,
		NodeString:   s.nodeString,
	}
	s.lock.RUnlock()
	return data, nil
}

// removeMulti takes a batch of slots out of the open list, advances
// latestCompletedGXID, reconciles sequences touched by each transaction, and
// returns the slots to the pool.
//
// Cleanup runs inside the array write lock so a concurrent begin cannot
// reuse a slot before its sequences are reconciled. The completed feed is
// notified after the lock is released.
func (t *Table) removeMulti(slots []*txnSlot) {
	if len(slots) == 0 {
		return
	}

	completed := make([]common.GXID, 0, len(slots))

	t.arrayLock.Lock()
	for _, s := range slots {
		t.removeFromOpenListLocked(s)

		if s.gxid.IsNormal() {
			completed = append(completed, s.gxid)
			if common.FollowsOrEquals(s.gxid, t.latestCompletedGXID) {
				t.latestCompletedGXID = s.gxid
			}
		}

		log.Debug("Removing transaction", "gxid", s.gxid, "client", s.clientID, "handle", s.handle)

		t.cleanSequencesLocked(s)
		t.clearLocked(s)
	}
	openTxnsGauge.Update(int64(len(t.openList)))
	t.arrayLock.Unlock()

	completedMeter.Mark(int64(len(slots)))
	if len(completed) > 0 {
		t.completedFeed.Send(completed)
	}
}

// removeFromOpenListLocked deletes one slot from the open list by identity.
// Callers hold arrayLock in write mode.
func (t *Table) removeFromOpenListLocked(s *txnSlot) {
	for i, open := range t.openList {
		if open == s {
			t.openList = append(t.openList[:i], t.openList[i+1:]...)
			return
		}
	}
}

// cleanSequencesLocked fires the sequence hooks matching the transaction's
// fate. On abort, creations are dropped before dropped sequences are
// restored, because a new sequence may have reused a dropped name.
func (t *Table) cleanSequencesLocked(s *txnSlot) {
	if t.seqs == nil {
		return
	}

	switch s.state {
	case types.TxnAbortInProgress:
		for _, ref := range s.createdSeqs {
			t.seqs.RemoveCreated(ref)
		}
		for _, ref := range s.droppedSeqs {
			t.seqs.RestoreDropped(ref)
		}
		for _, ref := range s.alteredSeqs {
			t.seqs.RestoreAltered(ref)
		}
	case types.TxnCommitInProgress:
		// Nothing to do for created sequences on commit; they simply stay.
		for _, ref := range s.droppedSeqs {
			t.seqs.RemoveDropped(ref)
		}
		for _, ref := range s.alteredSeqs {
			t.seqs.RemoveAltered(ref)
		}
	}
}

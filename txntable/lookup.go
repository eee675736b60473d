package txntable

import (
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/types"
)

// The lookups below walk the open list under the array lock in read mode.
// Linear scans are fine at this scale (at most MaxOpenTransactions entries);
// any companion map would have to stay in step with open-list membership on
// every mutation.

// handleFor resolves a GXID to a transaction handle. A miss returns
// InvalidTransactionHandle; warn controls whether the miss is logged.
func (t *Table) handleFor(gxid common.GXID, warn bool) types.TransactionHandle {
	if !gxid.IsValid() {
		return types.InvalidTransactionHandle
	}

	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()
	return t.handleForLocked(gxid, warn)
}

// handleForLocked is handleFor for callers that already hold arrayLock.
func (t *Table) handleForLocked(gxid common.GXID, warn bool) types.TransactionHandle {
	if !gxid.IsValid() {
		return types.InvalidTransactionHandle
	}
	for _, s := range t.openList {
		if s.gxid == gxid {
			return s.handle
		}
	}
	if warn {
		log.Warn("No transaction handle for gxid", "gxid", gxid)
	}
	return types.InvalidTransactionHandle
}

// HandleForGXID resolves a GXID, logging a warning on a miss.
func (t *Table) HandleForGXID(gxid common.GXID) types.TransactionHandle {
	return t.handleFor(gxid, true)
}

// IsGXIDInProgress reports whether the GXID still has an open transaction.
func (t *Table) IsGXIDInProgress(gxid common.GXID) bool {
	return t.handleFor(gxid, false).IsValid()
}

// HandleForGID resolves a two-phase-commit identifier to a handle. Duplicates
// cannot exist among open transactions; StartPrepared enforces that.
func (t *Table) HandleForGID(gid string) types.TransactionHandle {
	t.arrayLock.RLock()
	h := t.handleForGIDLocked(gid)
	t.arrayLock.RUnlock()

	if !h.IsValid() {
		log.Warn("No transaction handle for prepared transaction id", "gid", gid)
	}
	return h
}

func (t *Table) handleForGIDLocked(gid string) types.TransactionHandle {
	for _, s := range t.openList {
		if s.gid != "" && s.gid == gid {
			return s.handle
		}
	}
	return types.InvalidTransactionHandle
}

// handleForSessionLocked resolves a global session id to the transaction
// currently open on it. Empty and unknown sessions miss. Callers hold
// arrayLock.
func (t *Table) handleForSessionLocked(sessionID string) types.TransactionHandle {
	if sessionID == "" {
		return types.InvalidTransactionHandle
	}
	for _, s := range t.openList {
		if s.sessionID == sessionID {
			return s.handle
		}
	}
	return types.InvalidTransactionHandle
}

// HandleForSession resolves a global session id to a handle.
func (t *Table) HandleForSession(sessionID string) types.TransactionHandle {
	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()
	return t.handleForSessionLocked(sessionID)
}

// LastClientID returns the highest client identifier among currently open
// transactions. A promoted standby resumes issuing client identifiers above
// this value.
func (t *Table) LastClientID() uint64 {
	t.arrayLock.RLock()
	defer t.arrayLock.RUnlock()

	var last uint64
	for _, s := range t.openList {
		if s.clientID > last {
			last = s.clientID
		}
	}
	return last
}

package txntable

import (
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/types"
)

// RemoveAllForClient purges every transaction owned by a disconnected
// client. A proxyClientID of -1 matches any backend behind the client.
//
// Prepared and preparing transactions survive: a different client will
// finish them by GID later. Everything reaped gets the abort-flavoured
// sequence cleanup and counts toward latestCompletedGXID.
func (t *Table) RemoveAllForClient(clientID uint64, proxyClientID int32) int {
	log.Debug("Removing transactions for disconnected client", "client", clientID, "backend", proxyClientID)

	completed := make([]common.GXID, 0, 8)
	reaped := 0

	t.arrayLock.Lock()

	kept := t.openList[:0]
	for _, s := range t.openList {
		if !s.inUse ||
			s.state == types.TxnPrepared || s.state == types.TxnPrepareInProgress ||
			s.clientID != clientID ||
			(proxyClientID != -1 && s.proxyClientID != proxyClientID) {
			kept = append(kept, s)
			continue
		}

		if s.gxid.IsNormal() {
			completed = append(completed, s.gxid)
			if common.FollowsOrEquals(s.gxid, t.latestCompletedGXID) {
				t.latestCompletedGXID = s.gxid
			}
		}

		log.Debug("Reaping transaction", "gxid", s.gxid, "client", s.clientID, "backend", s.proxyClientID)

		s.lock.Lock()
		s.state = types.TxnAbortInProgress
		s.lock.Unlock()

		t.cleanSequencesLocked(s)
		t.clearLocked(s)
		reaped++
	}
	t.openList = kept
	openTxnsGauge.Update(int64(len(t.openList)))

	t.arrayLock.Unlock()

	if reaped > 0 {
		reapedMeter.Mark(int64(reaped))
		if len(completed) > 0 {
			t.completedFeed.Send(completed)
		}
	}
	return reaped
}

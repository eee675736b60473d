package txntable

import (
	"gtm/common"
	"gtm/types"
)

// Sequence bookkeeping. Sequences created, dropped or altered inside a
// transaction are tracked on its slot so the removal pass can reconcile them
// with the sequence subsystem on commit or abort.

// RememberCreatedSequence records a sequence created by the transaction
// owning the GXID. Unknown GXIDs are ignored.
func (t *Table) RememberCreatedSequence(gxid common.GXID, ref types.SeqRef) {
	s := t.slotForGXID(gxid)
	if s == nil {
		return
	}
	s.lock.Lock()
	s.createdSeqs = append(s.createdSeqs, ref)
	s.lock.Unlock()
}

// ForgetCreatedSequence stops tracking a created sequence, for when it gets
// dropped again inside the same transaction.
func (t *Table) ForgetCreatedSequence(gxid common.GXID, ref types.SeqRef) {
	s := t.slotForGXID(gxid)
	if s == nil {
		return
	}
	s.lock.Lock()
	for i, tracked := range s.createdSeqs {
		if tracked == ref {
			s.createdSeqs = append(s.createdSeqs[:i], s.createdSeqs[i+1:]...)
			break
		}
	}
	s.lock.Unlock()
}

// RememberDroppedSequence records a sequence dropped by the transaction
// owning the GXID.
func (t *Table) RememberDroppedSequence(gxid common.GXID, ref types.SeqRef) {
	s := t.slotForGXID(gxid)
	if s == nil {
		return
	}
	s.lock.Lock()
	s.droppedSeqs = append(s.droppedSeqs, ref)
	s.lock.Unlock()
}

// RememberAlteredSequence records a sequence altered by the transaction
// owning the GXID.
func (t *Table) RememberAlteredSequence(gxid common.GXID, ref types.SeqRef) {
	s := t.slotForGXID(gxid)
	if s == nil {
		return
	}
	s.lock.Lock()
	s.alteredSeqs = append(s.alteredSeqs, ref)
	s.lock.Unlock()
}

func (t *Table) slotForGXID(gxid common.GXID) *txnSlot {
	h := t.handleFor(gxid, true)
	if !h.IsValid() {
		return nil
	}
	return t.slot(h)
}

package server

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/proto"
	"gtm/txntable"
	"gtm/types"
)

var errNotStandby = errors.New("mirror call received but not running as standby")

// dispatchMirror replays a primary decision on the standby. The same
// lifecycle engine runs underneath, with two differences: nothing is
// mirrored onward, and GXIDs come from the payload instead of the
// generator. Mirror calls carry no reply except the explicit sync ack.
func (c *conn) dispatchMirror(tag proto.Tag, d *proto.Decoder) error {
	if tag == proto.TagBkupSync {
		if err := d.Close(); err != nil {
			return err
		}
		return c.respond(proto.TagBkupSync, -1, proto.NewEncoder())
	}

	if !c.srv.table.IsStandby() {
		return errNotStandby
	}

	switch tag {
	case proto.TagBkupTxnBegin:
		return c.replayBegin(d)
	case proto.TagBkupTxnBeginGetGXID:
		return c.replayBeginGXID(d)
	case proto.TagBkupTxnBeginGetGXIDAutovacuum:
		return c.replayBeginAutovacuum(d)
	case proto.TagBkupTxnBeginGetGXIDMulti:
		return c.replayBeginMulti(d)
	case proto.TagBkupTxnPrepare:
		return c.replayPrepare(d)
	case proto.TagBkupTxnStartPrepared:
		return c.replayStartPrepared(d)
	case proto.TagBkupTxnCommit:
		return c.replayCommit(d)
	case proto.TagBkupTxnCommitPrepared:
		return c.replayCommitPrepared(d)
	case proto.TagBkupTxnCommitMulti:
		return c.replayCommitMulti(d)
	case proto.TagBkupTxnRollback:
		return c.replayRollback(d)
	case proto.TagBkupTxnRollbackMulti:
		return c.replayRollbackMulti(d)
	}
	return proto.ErrProtocol
}

func (c *conn) replayBegin(d *proto.Decoder) error {
	req := txntable.MirroredBeginRequest{}
	req.Isolation = types.IsolationLevel(d.Uint32())
	req.ReadOnly = d.Bool()
	req.SessionID = d.String(c.srv.config.MaxSessionIDLen)
	req.ClientID = d.Uint64()
	req.ProxyConnID = d.Int32()
	d.Uint64() // timestamp, informational
	if err := d.Close(); err != nil {
		return err
	}

	_, err := c.srv.table.ApplyMirroredBegin(req)
	return err
}

func (c *conn) replayBeginGXID(d *proto.Decoder) error {
	req := txntable.MirroredBeginRequest{}
	req.GXID = d.GXID()
	req.Isolation = types.IsolationLevel(d.Uint32())
	req.ReadOnly = d.Bool()
	req.SessionID = d.String(c.srv.config.MaxSessionIDLen)
	req.ClientID = d.Uint64()
	req.ProxyConnID = -1
	d.Uint64() // timestamp, informational
	if err := d.Close(); err != nil {
		return err
	}

	handle, err := c.srv.table.ApplyMirroredBegin(req)
	if err != nil {
		return err
	}
	log.Debug("Replayed transaction begin", "gxid", req.GXID, "handle", handle)
	return nil
}

func (c *conn) replayBeginAutovacuum(d *proto.Decoder) error {
	req := txntable.MirroredBeginRequest{}
	req.GXID = d.GXID()
	req.Isolation = types.IsolationLevel(d.Uint32())
	req.ClientID = d.Uint64()
	req.ProxyConnID = -1
	if err := d.Close(); err != nil {
		return err
	}

	handle, err := c.srv.table.ApplyMirroredBegin(req)
	if err != nil {
		return err
	}
	return c.srv.table.SetDoVacuum(handle)
}

func (c *conn) replayBeginMulti(d *proto.Decoder) error {
	count := d.Count(maxMultiCount)
	reqs := make([]txntable.MirroredBeginRequest, count)
	for i := range reqs {
		reqs[i].GXID = d.GXID()
		reqs[i].Isolation = types.IsolationLevel(d.Uint32())
		reqs[i].ReadOnly = d.Bool()
		reqs[i].SessionID = d.String(c.srv.config.MaxSessionIDLen)
		reqs[i].ClientID = d.Uint64()
		reqs[i].ProxyConnID = d.Int32()
	}
	if err := d.Close(); err != nil {
		return err
	}

	_, err := c.srv.table.ApplyMirroredBeginMulti(reqs)
	return err
}

func (c *conn) replayPrepare(d *proto.Decoder) error {
	gxid := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}
	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return txntable.ErrUnknownGXID
	}
	return c.srv.table.Prepare(handle)
}

func (c *conn) replayStartPrepared(d *proto.Decoder) error {
	gxid := d.GXID()
	gid := d.String(c.srv.config.MaxGIDLen)
	nodeString := d.String(c.srv.config.MaxNodeStringLen)
	if err := d.Close(); err != nil {
		return err
	}
	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return txntable.ErrUnknownGXID
	}
	return c.srv.table.StartPrepared(handle, gid, nodeString)
}

func (c *conn) replayCommit(d *proto.Decoder) error {
	gxid := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}
	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		// The primary only mirrors commits it actually performed; an unknown
		// GXID here means the call was already replayed.
		return nil
	}
	c.srv.table.Commit(handle, nil)
	return nil
}

func (c *conn) replayCommitPrepared(d *proto.Decoder) error {
	preparedGXID := d.GXID()
	commitGXID := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}
	preparedHandle := c.srv.table.HandleForGXID(preparedGXID)
	commitHandle := c.srv.table.HandleForGXID(commitGXID)
	if !preparedHandle.IsValid() || !commitHandle.IsValid() {
		return nil
	}
	c.srv.table.CommitPrepared(preparedHandle, commitHandle, nil)
	return nil
}

func (c *conn) replayCommitMulti(d *proto.Decoder) error {
	gxids, handles, err := c.readGXIDBatch(d)
	if err != nil {
		return err
	}
	status := make([]types.Status, len(handles))
	c.srv.table.CommitMulti(handles, nil, status)
	logReplayBatch("commit", gxids, status)
	return nil
}

func (c *conn) replayRollback(d *proto.Decoder) error {
	gxid := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}
	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return nil
	}
	c.srv.table.Rollback(handle)
	return nil
}

func (c *conn) replayRollbackMulti(d *proto.Decoder) error {
	gxids, handles, err := c.readGXIDBatch(d)
	if err != nil {
		return err
	}
	status := make([]types.Status, len(handles))
	c.srv.table.RollbackMulti(handles, status)
	logReplayBatch("rollback", gxids, status)
	return nil
}

func logReplayBatch(op string, gxids []common.GXID, status []types.Status) {
	for i, st := range status {
		if st == types.StatusError {
			log.Debug("Mirror batch element skipped", "op", op, "gxid", gxids[i])
		}
	}
}

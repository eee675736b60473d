package server

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/proto"
	"gtm/standby"
	"gtm/txntable"
	"gtm/types"
)

// maxWaitedGXIDs bounds the dependency list of a single commit.
const maxWaitedGXIDs = 1024

// maxMultiCount bounds the batch size of the *_MULTI requests.
const maxMultiCount = 4096

// dispatch decodes one request, applies it and writes the reply. Request
// failures are answered with an error frame and the connection stays up.
// Malformed payloads, write failures, failed synchronous backups and failed
// mirror replays propagate and drop the peer.
func (c *conn) dispatch(tag proto.Tag, payload []byte) error {
	requestsTotal.WithLabelValues(tag.String()).Inc()

	d := proto.NewDecoder(payload)

	// Proxied requests open with the proxy-side connection id; it rides
	// along so the reply can be fanned back to the right backend.
	connID := int32(-1)
	if c.nodeType == types.NodeProxy && !tag.IsMirror() {
		connID = d.Int32()
	}

	if tag.IsMirror() {
		return c.dispatchMirror(tag, d)
	}

	switch tag {
	case proto.TagTxnBegin:
		return c.handleBegin(tag, connID, d)
	case proto.TagTxnBeginGetGXID:
		return c.handleBeginGetGXID(tag, connID, d)
	case proto.TagTxnBeginGetGXIDAutovacuum:
		return c.handleBeginAutovacuum(tag, connID, d)
	case proto.TagTxnBeginGetGXIDMulti:
		return c.handleBeginMulti(tag, connID, d)
	case proto.TagTxnPrepare:
		return c.handlePrepare(tag, connID, d)
	case proto.TagTxnStartPrepared:
		return c.handleStartPrepared(tag, connID, d)
	case proto.TagTxnCommit:
		return c.handleCommit(tag, connID, d)
	case proto.TagTxnCommitPrepared:
		return c.handleCommitPrepared(tag, connID, d)
	case proto.TagTxnRollback:
		return c.handleRollback(tag, connID, d)
	case proto.TagTxnCommitMulti:
		return c.handleCommitMulti(tag, connID, d)
	case proto.TagTxnRollbackMulti:
		return c.handleRollbackMulti(tag, connID, d)
	case proto.TagTxnGetGIDData:
		return c.handleGetGIDData(tag, connID, d)
	case proto.TagTxnGXIDList:
		return c.handleGXIDList(tag, connID, d)
	case proto.TagTxnGetNextGXID:
		return c.handleGetNextGXID(tag, connID, d)
	case proto.TagReportXmin:
		return c.handleReportXmin(tag, connID, d)
	case proto.TagBackendDisconnect:
		return c.handleBackendDisconnect(d)
	}
	return proto.ErrProtocol
}

func timestampNow() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (c *conn) handleBegin(tag proto.Tag, connID int32, d *proto.Decoder) error {
	isolation := types.IsolationLevel(d.Uint32())
	readOnly := d.Bool()
	sessionID := d.String(c.srv.config.MaxSessionIDLen)
	if err := d.Close(); err != nil {
		return err
	}

	handle, err := c.srv.table.Begin(c.clientID, isolation, readOnly, sessionID)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	timestamp := timestampNow()

	if c.srv.standby != nil {
		if err := c.srv.standby.BeginTransaction(isolation, readOnly, sessionID, c.clientID, connID, timestamp); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(handle))
	e.PutUint64(timestamp)
	return c.respond(tag, connID, e)
}

func (c *conn) handleBeginGetGXID(tag proto.Tag, connID int32, d *proto.Decoder) error {
	isolation := types.IsolationLevel(d.Uint32())
	readOnly := d.Bool()
	sessionID := d.String(c.srv.config.MaxSessionIDLen)
	if err := d.Close(); err != nil {
		return err
	}

	timestamp := timestampNow()
	handle, err := c.srv.table.Begin(c.clientID, isolation, readOnly, sessionID)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	gxid, err := c.srv.table.AssignGXID(handle)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	log.Debug("Assigned new transaction id", "gxid", gxid, "session", sessionID)

	if c.srv.standby != nil {
		if err := c.srv.standby.BeginTransactionGXID(gxid, isolation, readOnly, sessionID, c.clientID, timestamp); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutUint64(timestamp)
	return c.respond(tag, connID, e)
}

func (c *conn) handleBeginAutovacuum(tag proto.Tag, connID int32, d *proto.Decoder) error {
	isolation := types.IsolationLevel(d.Uint32())
	readOnly := d.Bool()
	if err := d.Close(); err != nil {
		return err
	}

	handle, err := c.srv.table.Begin(c.clientID, isolation, readOnly, "")
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	gxid, err := c.srv.table.AssignGXID(handle)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	if err := c.srv.table.SetDoVacuum(handle); err != nil {
		return c.respondError(tag, connID, err)
	}

	if c.srv.standby != nil {
		if err := c.srv.standby.BeginTransactionAutovacuum(gxid, isolation, c.clientID); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.respond(tag, connID, e)
}

func (c *conn) handleBeginMulti(tag proto.Tag, connID int32, d *proto.Decoder) error {
	count := d.Count(maxMultiCount)
	reqs := make([]txntable.BeginRequest, count)
	for i := range reqs {
		reqs[i].Isolation = types.IsolationLevel(d.Uint32())
		reqs[i].ReadOnly = d.Bool()
		reqs[i].SessionID = d.String(c.srv.config.MaxSessionIDLen)
		reqs[i].ProxyConnID = d.Int32()
	}
	if err := d.Close(); err != nil {
		return err
	}

	handles, err := c.srv.table.BeginMulti(c.clientID, reqs)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	gxids, _, err := c.srv.table.AssignGXIDs(handles)
	if err != nil {
		return c.respondError(tag, connID, err)
	}
	timestamp := timestampNow()

	if c.srv.standby != nil {
		items := make([]standby.MirrorBegin, count)
		for i := range items {
			items[i] = standby.MirrorBegin{
				GXID:      gxids[i],
				Isolation: reqs[i].Isolation,
				ReadOnly:  reqs[i].ReadOnly,
				SessionID: reqs[i].SessionID,
				ClientID:  c.clientID,
				ConnID:    reqs[i].ProxyConnID,
			}
		}
		if err := c.srv.standby.BeginTransactionMulti(items); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(count))
	for _, gxid := range gxids {
		e.PutGXID(gxid)
	}
	e.PutUint64(timestamp)
	return c.respond(tag, connID, e)
}

func (c *conn) handlePrepare(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxid := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}

	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return c.respondError(tag, connID, txntable.ErrUnknownGXID)
	}
	if err := c.srv.table.Prepare(handle); err != nil {
		return c.respondError(tag, connID, err)
	}
	log.Debug("Prepared transaction", "gxid", gxid)

	if c.srv.standby != nil {
		if err := c.srv.standby.PrepareTransaction(gxid); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.respond(tag, connID, e)
}

func (c *conn) handleStartPrepared(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxid := d.GXID()
	gid := d.String(c.srv.config.MaxGIDLen)
	nodeString := d.String(c.srv.config.MaxNodeStringLen)
	if err := d.Close(); err != nil {
		return err
	}

	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return c.respondError(tag, connID, txntable.ErrUnknownGXID)
	}
	if err := c.srv.table.StartPrepared(handle, gid, nodeString); err != nil {
		return c.respondError(tag, connID, err)
	}

	if c.srv.standby != nil {
		if err := c.srv.standby.StartPreparedTransaction(gxid, gid, nodeString); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.respond(tag, connID, e)
}

func (c *conn) readWaited(d *proto.Decoder) []common.GXID {
	count := d.Count(maxWaitedGXIDs)
	if count == 0 {
		return nil
	}
	waited := make([]common.GXID, count)
	for i := range waited {
		waited[i] = d.GXID()
	}
	return waited
}

func (c *conn) handleCommit(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxid := d.GXID()
	waited := c.readWaited(d)
	if err := d.Close(); err != nil {
		return err
	}

	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return c.respondError(tag, connID, txntable.ErrUnknownGXID)
	}
	status := c.srv.table.Commit(handle, waited)

	// A delayed commit is not mirrored: the standby will see it when the
	// client retries and the commit goes through.
	if c.srv.standby != nil && status == types.StatusOK {
		if err := c.srv.standby.CommitTransaction(gxid); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutStatus(status)
	return c.respond(tag, connID, e)
}

func (c *conn) handleCommitPrepared(tag proto.Tag, connID int32, d *proto.Decoder) error {
	preparedGXID := d.GXID()
	commitGXID := d.GXID()
	waited := c.readWaited(d)
	if err := d.Close(); err != nil {
		return err
	}

	preparedHandle := c.srv.table.HandleForGXID(preparedGXID)
	commitHandle := c.srv.table.HandleForGXID(commitGXID)
	if !preparedHandle.IsValid() || !commitHandle.IsValid() {
		return c.respondError(tag, connID, txntable.ErrUnknownGXID)
	}
	log.Debug("Committing prepared transaction", "prepared", preparedGXID, "commit", commitGXID)
	status := c.srv.table.CommitPrepared(preparedHandle, commitHandle, waited)

	// The two GXIDs share one outcome, so testing the first is enough.
	if c.srv.standby != nil && status[0] == types.StatusOK {
		if err := c.srv.standby.CommitPreparedTransaction(preparedGXID, commitGXID); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(preparedGXID)
	e.PutStatus(status[0])
	return c.respond(tag, connID, e)
}

func (c *conn) handleRollback(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxid := d.GXID()
	if err := d.Close(); err != nil {
		return err
	}

	handle := c.srv.table.HandleForGXID(gxid)
	if !handle.IsValid() {
		return c.respondError(tag, connID, txntable.ErrUnknownGXID)
	}
	log.Debug("Cancelling transaction", "gxid", gxid)
	status := c.srv.table.Rollback(handle)

	if c.srv.standby != nil && status == types.StatusOK {
		if err := c.srv.standby.RollbackTransaction(gxid); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutStatus(status)
	return c.respond(tag, connID, e)
}

func (c *conn) readGXIDBatch(d *proto.Decoder) ([]common.GXID, []types.TransactionHandle, error) {
	count := d.Count(maxMultiCount)
	gxids := make([]common.GXID, count)
	for i := range gxids {
		gxids[i] = d.GXID()
	}
	if err := d.Close(); err != nil {
		return nil, nil, err
	}
	handles := make([]types.TransactionHandle, count)
	for i, gxid := range gxids {
		handles[i] = c.srv.table.HandleForGXID(gxid)
	}
	return gxids, handles, nil
}

func (c *conn) handleCommitMulti(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxids, handles, err := c.readGXIDBatch(d)
	if err != nil {
		return err
	}

	status := make([]types.Status, len(handles))
	c.srv.table.CommitMulti(handles, nil, status)

	if c.srv.standby != nil {
		if err := c.srv.standby.CommitTransactionMulti(gxids); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(len(status)))
	for _, st := range status {
		e.PutStatus(st)
	}
	return c.respond(tag, connID, e)
}

func (c *conn) handleRollbackMulti(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxids, handles, err := c.readGXIDBatch(d)
	if err != nil {
		return err
	}

	status := make([]types.Status, len(handles))
	c.srv.table.RollbackMulti(handles, status)

	if c.srv.standby != nil {
		if err := c.srv.standby.RollbackTransactionMulti(gxids); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(len(status)))
	for _, st := range status {
		e.PutStatus(st)
	}
	return c.respond(tag, connID, e)
}

func (c *conn) handleGetGIDData(tag proto.Tag, connID int32, d *proto.Decoder) error {
	isolation := types.IsolationLevel(d.Uint32())
	readOnly := d.Bool()
	gid := d.String(c.srv.config.MaxGIDLen)
	if err := d.Close(); err != nil {
		return err
	}

	data, err := c.srv.table.GetGIDData(c.clientID, isolation, readOnly, gid)
	if err != nil {
		return c.respondError(tag, connID, err)
	}

	// The prepared transaction was mirrored when it began; only the fresh
	// commit-time GXID needs backing up. It is mirrored as an anonymous
	// transaction (client id 0) so the standby accepts the later commit or
	// rollback for it from whichever client drives it.
	if c.srv.standby != nil {
		if err := c.srv.standby.BeginTransactionGXID(data.NewGXID, isolation, false, "", 0, 0); err != nil {
			if err := c.mirrorFailed(err); err != nil {
				return err
			}
		}
		if err := c.syncStandby(); err != nil {
			return err
		}
	}

	e := proto.NewEncoder()
	e.PutGXID(data.NewGXID)
	e.PutGXID(data.PreparedGXID)
	e.PutString(data.NodeString)
	return c.respond(tag, connID, e)
}

func (c *conn) handleGXIDList(tag proto.Tag, connID int32, d *proto.Decoder) error {
	if err := d.Close(); err != nil {
		return err
	}
	if c.srv.table.IsStandby() {
		return c.respondError(tag, connID, errors.New("operation not permitted in standby mode"))
	}

	blob := c.srv.table.Serialize()
	log.Debug("Serialized transaction table", "bytes", len(blob))

	e := proto.NewEncoder()
	e.PutUint32(uint32(len(blob)))
	e.PutBytesRaw(blob)
	return c.respond(tag, connID, e)
}

func (c *conn) handleGetNextGXID(tag proto.Tag, connID int32, d *proto.Decoder) error {
	if err := d.Close(); err != nil {
		return err
	}
	e := proto.NewEncoder()
	e.PutGXID(c.srv.table.ReadNewGXID())
	return c.respond(tag, connID, e)
}

func (c *conn) handleReportXmin(tag proto.Tag, connID int32, d *proto.Decoder) error {
	gxid := d.GXID()
	nodeType := types.NodeType(d.Uint32())
	nodeName := d.String(c.srv.config.MaxNodeStringLen)
	if err := d.Close(); err != nil {
		return err
	}

	result := c.srv.table.ReportXmin(nodeType, nodeName, gxid)

	e := proto.NewEncoder()
	e.PutGXID(result.LatestCompletedGXID)
	e.PutGXID(result.GlobalXmin)
	e.PutInt32(result.Errcode)
	return c.respond(tag, connID, e)
}

// handleBackendDisconnect reaps the transactions of one proxied backend.
// There is no reply.
func (c *conn) handleBackendDisconnect(d *proto.Decoder) error {
	clientID := d.Uint64()
	proxyClientID := d.Int32()
	if err := d.Close(); err != nil {
		return err
	}

	// A proxy only speaks for its own backends.
	if c.nodeType == types.NodeProxy {
		clientID = c.clientID
	}
	c.srv.table.RemoveAllForClient(clientID, proxyClientID)
	return nil
}

// Package standby ships mirror calls from the primary transaction manager to
// its hot-standby peer.
package standby

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"gtm/common"
	"gtm/params"
	"gtm/proto"
	"gtm/types"
)

// ErrStandbyLost means a mirror call could not be delivered within the
// configured retry budget. The standby is hot but optional: the primary
// keeps serving unless backups are synchronous.
var ErrStandbyLost = errors.New("standby unreachable after retries")

const (
	dialTimeout = 5 * time.Second
	ackTimeout  = 30 * time.Second
)

// Client is the mirror link to the standby. One client is shared by all
// dispatcher goroutines; sends are serialized so mirror calls arrive in
// decision order.
type Client struct {
	addr   string
	config params.Config

	mu   sync.Mutex
	conn net.Conn
}

// Dial returns a client for the given standby address. The connection is
// established lazily on the first send and re-established on error.
func Dial(addr string, config params.Config) *Client {
	return &Client{addr: addr, config: config}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connectLocked dials the standby and performs the startup exchange. The
// link identifies as a GTM peer, so the standby will not treat it as a
// client whose disconnect reaps transactions.
func (c *Client) connectLocked() error {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return err
	}

	e := proto.NewEncoder()
	e.PutUint32(uint32(types.NodeStandby))
	if err := proto.WriteFrame(conn, proto.TagConnStartup, e.Bytes()); err != nil {
		conn.Close()
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(dialTimeout)); err != nil {
		conn.Close()
		return err
	}
	tag, _, err := proto.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if tag != proto.TagConnStartup.Response() {
		conn.Close()
		return fmt.Errorf("%w: unexpected startup reply %s", proto.ErrProtocol, tag)
	}

	c.conn = conn
	log.Info("Connected to standby", "addr", c.addr)
	return nil
}

// send delivers one mirror frame, reconnecting and retrying on transport
// errors with exponential backoff. Exhaustion escalates to ErrStandbyLost.
func (c *Client) send(tag proto.Tag, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.StandbyRetryBackoff
	policy := backoff.WithMaxRetries(bo, uint64(c.config.StandbyRetries))
	err := backoff.Retry(func() error {
		if c.conn == nil {
			if err := c.connectLocked(); err != nil {
				return err
			}
		}
		if err := proto.WriteFrame(c.conn, tag, payload); err != nil {
			c.conn.Close()
			c.conn = nil
			return err
		}
		return nil
	}, policy)
	if err != nil {
		log.Warn("Mirror call lost", "tag", tag, "err", err)
		return fmt.Errorf("%w: %v", ErrStandbyLost, err)
	}
	return nil
}

// Sync asks the standby for an explicit acknowledgement of everything
// shipped so far and waits for it.
func (c *Client) Sync() error {
	if err := c.send(proto.TagBkupSync, nil); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrStandbyLost
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return err
	}
	tag, _, err := proto.ReadFrame(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("%w: %v", ErrStandbyLost, err)
	}
	if tag != proto.TagBkupSync.Response() {
		return fmt.Errorf("%w: unexpected ack tag %s", proto.ErrProtocol, tag)
	}
	return nil
}

// BeginTransaction mirrors a begin without GXID.
func (c *Client) BeginTransaction(isolation types.IsolationLevel, readOnly bool, sessionID string, clientID uint64, connID int32, timestamp uint64) error {
	e := proto.NewEncoder()
	e.PutUint32(uint32(isolation))
	e.PutBool(readOnly)
	e.PutString(sessionID)
	e.PutUint64(clientID)
	e.PutInt32(connID)
	e.PutUint64(timestamp)
	return c.send(proto.TagBkupTxnBegin, e.Bytes())
}

// BeginTransactionGXID mirrors a begin together with the GXID the primary
// assigned to it.
func (c *Client) BeginTransactionGXID(gxid common.GXID, isolation types.IsolationLevel, readOnly bool, sessionID string, clientID uint64, timestamp uint64) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutUint32(uint32(isolation))
	e.PutBool(readOnly)
	e.PutString(sessionID)
	e.PutUint64(clientID)
	e.PutUint64(timestamp)
	return c.send(proto.TagBkupTxnBeginGetGXID, e.Bytes())
}

// BeginTransactionAutovacuum mirrors an autovacuum begin.
func (c *Client) BeginTransactionAutovacuum(gxid common.GXID, isolation types.IsolationLevel, clientID uint64) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutUint32(uint32(isolation))
	e.PutUint64(clientID)
	return c.send(proto.TagBkupTxnBeginGetGXIDAutovacuum, e.Bytes())
}

// MirrorBegin is one element of a mirrored begin batch.
type MirrorBegin struct {
	GXID      common.GXID
	Isolation types.IsolationLevel
	ReadOnly  bool
	SessionID string
	ClientID  uint64
	ConnID    int32
}

// BeginTransactionMulti mirrors a proxy-grouped begin batch.
func (c *Client) BeginTransactionMulti(items []MirrorBegin) error {
	e := proto.NewEncoder()
	e.PutUint32(uint32(len(items)))
	for _, item := range items {
		e.PutGXID(item.GXID)
		e.PutUint32(uint32(item.Isolation))
		e.PutBool(item.ReadOnly)
		e.PutString(item.SessionID)
		e.PutUint64(item.ClientID)
		e.PutInt32(item.ConnID)
	}
	return c.send(proto.TagBkupTxnBeginGetGXIDMulti, e.Bytes())
}

// CommitTransaction mirrors a single commit.
func (c *Client) CommitTransaction(gxid common.GXID) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.send(proto.TagBkupTxnCommit, e.Bytes())
}

// CommitTransactionMulti mirrors a commit batch.
func (c *Client) CommitTransactionMulti(gxids []common.GXID) error {
	e := proto.NewEncoder()
	e.PutUint32(uint32(len(gxids)))
	for _, gxid := range gxids {
		e.PutGXID(gxid)
	}
	return c.send(proto.TagBkupTxnCommitMulti, e.Bytes())
}

// CommitPreparedTransaction mirrors the paired commit of a prepared
// transaction and its commit-time driver.
func (c *Client) CommitPreparedTransaction(preparedGXID, commitGXID common.GXID) error {
	e := proto.NewEncoder()
	e.PutGXID(preparedGXID)
	e.PutGXID(commitGXID)
	return c.send(proto.TagBkupTxnCommitPrepared, e.Bytes())
}

// RollbackTransaction mirrors a single rollback.
func (c *Client) RollbackTransaction(gxid common.GXID) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.send(proto.TagBkupTxnRollback, e.Bytes())
}

// RollbackTransactionMulti mirrors a rollback batch.
func (c *Client) RollbackTransactionMulti(gxids []common.GXID) error {
	e := proto.NewEncoder()
	e.PutUint32(uint32(len(gxids)))
	for _, gxid := range gxids {
		e.PutGXID(gxid)
	}
	return c.send(proto.TagBkupTxnRollbackMulti, e.Bytes())
}

// PrepareTransaction mirrors a phase-one prepare.
func (c *Client) PrepareTransaction(gxid common.GXID) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	return c.send(proto.TagBkupTxnPrepare, e.Bytes())
}

// StartPreparedTransaction mirrors the binding of a GID and node list.
func (c *Client) StartPreparedTransaction(gxid common.GXID, gid, nodeString string) error {
	e := proto.NewEncoder()
	e.PutGXID(gxid)
	e.PutString(gid)
	e.PutString(nodeString)
	return c.send(proto.TagBkupTxnStartPrepared, e.Bytes())
}

// Package server accepts connections from clients, proxies and the primary's
// mirror link, and drives requests through the transaction table.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"gtm/params"
	"gtm/proto"
	"gtm/standby"
	"gtm/txntable"
	"gtm/types"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtm",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Requests dispatched, by message tag.",
	}, []string{"tag"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtm",
		Subsystem: "server",
		Name:      "request_errors_total",
		Help:      "Requests that failed, by message tag.",
	}, []string{"tag"})

	mirrorLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gtm",
		Subsystem: "server",
		Name:      "mirror_lost_total",
		Help:      "Mirror calls dropped after exhausting retries.",
	})

	activeConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gtm",
		Subsystem: "server",
		Name:      "active_connections",
		Help:      "Currently open peer connections.",
	})
)

// Server owns the listener and the per-connection workers.
type Server struct {
	config  params.Config
	table   *txntable.Table
	standby *standby.Client // nil when no standby is configured

	nextClientID atomic.Uint64
}

// New creates a server for the given table. A nil standby client disables
// mirroring.
func New(config params.Config, table *txntable.Table, sb *standby.Client) *Server {
	config = (&config).Sanitize()
	return &Server{
		config:  config,
		table:   table,
		standby: sb,
	}
}

// SetLastClientID seeds the client-id counter, used after a promotion so the
// new primary issues identifiers above everything the old one handed out.
func (s *Server) SetLastClientID(id uint64) {
	s.nextClientID.Store(id)
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.serveConn(ctx, nc)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// ListenAndServe listens on addr and serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("Transaction manager listening", "addr", addr)
	return s.Serve(ctx, ln)
}

// serveConn runs one peer connection to completion. Dropping the connection
// reaps the client's non-prepared transactions, except for GTM peer links,
// whose replayed transactions belong to logical clients on the primary.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	activeConns.Inc()
	defer activeConns.Dec()
	defer nc.Close()

	c := &conn{
		srv:      s,
		nc:       nc,
		r:        bufio.NewReader(nc),
		w:        bufio.NewWriter(nc),
		clientID: s.nextClientID.Add(1),
	}

	if err := c.startup(); err != nil {
		log.Warn("Connection startup failed", "remote", nc.RemoteAddr(), "err", err)
		return
	}
	log.Debug("Peer connected", "remote", nc.RemoteAddr(), "client", c.clientID, "type", c.nodeType)

	for {
		if ctx.Err() != nil {
			break
		}
		if err := nc.SetReadDeadline(timeoutDeadline(s.config)); err != nil {
			break
		}
		tag, payload, err := proto.ReadFrame(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("Connection read failed", "remote", nc.RemoteAddr(), "client", c.clientID, "err", err)
			}
			break
		}
		if err := c.dispatch(tag, payload); err != nil {
			log.Warn("Dispatch failed, dropping connection", "remote", nc.RemoteAddr(), "client", c.clientID, "tag", tag, "err", err)
			break
		}
	}

	if c.nodeType != types.NodeStandby {
		s.table.RemoveAllForClient(c.clientID, -1)
	}
	log.Debug("Peer disconnected", "remote", nc.RemoteAddr(), "client", c.clientID)
}

// conn is the per-connection dispatcher state.
type conn struct {
	srv *Server
	nc  net.Conn
	r   *bufio.Reader
	w   *bufio.Writer

	clientID uint64
	nodeType types.NodeType
}

// startup consumes the mandatory first frame carrying the peer's node type
// and replies with the client identifier assigned to the connection.
func (c *conn) startup() error {
	if err := c.nc.SetReadDeadline(timeoutDeadline(c.srv.config)); err != nil {
		return err
	}
	tag, payload, err := proto.ReadFrame(c.r)
	if err != nil {
		return err
	}
	if tag != proto.TagConnStartup {
		return proto.ErrProtocol
	}
	d := proto.NewDecoder(payload)
	c.nodeType = types.NodeType(d.Uint32())
	if err := d.Close(); err != nil {
		return err
	}

	e := proto.NewEncoder()
	e.PutUint64(c.clientID)
	if err := proto.WriteFrame(c.w, proto.TagConnStartup.Response(), e.Bytes()); err != nil {
		return err
	}
	return c.w.Flush()
}

// respond sends one reply frame, prefixing the proxy header when the peer is
// a proxy so it can fan the response back to the right backend.
func (c *conn) respond(tag proto.Tag, connID int32, e *proto.Encoder) error {
	payload := e.Bytes()
	if c.nodeType == types.NodeProxy {
		hdr := proto.NewEncoder()
		hdr.PutInt32(connID)
		payload = append(hdr.Bytes(), payload...)
	}
	if err := proto.WriteFrame(c.w, tag.Response(), payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// respondError converts a request failure into the single error reply the
// client is owed. The connection stays up.
func (c *conn) respondError(tag proto.Tag, connID int32, opErr error) error {
	requestErrors.WithLabelValues(tag.String()).Inc()
	e := proto.NewEncoder()
	e.PutString(opErr.Error())
	if c.nodeType == types.NodeProxy {
		hdr := proto.NewEncoder()
		hdr.PutInt32(connID)
		payload := append(hdr.Bytes(), e.Bytes()...)
		if err := proto.WriteFrame(c.w, proto.TagError, payload); err != nil {
			return err
		}
		return c.w.Flush()
	}
	if err := proto.WriteFrame(c.w, proto.TagError, e.Bytes()); err != nil {
		return err
	}
	return c.w.Flush()
}

// syncStandby waits for the standby's ack when backups are synchronous.
// Proxies multiplex many clients and handle their own acknowledgement
// discipline, so only direct peers wait.
func (c *conn) syncStandby() error {
	if c.srv.standby == nil || !c.srv.config.BackupSynchronously || c.nodeType == types.NodeProxy {
		return nil
	}
	return c.srv.standby.Sync()
}

func timeoutDeadline(config params.Config) time.Time {
	return time.Now().Add(config.RequestTimeout)
}

// mirrorFailed records a lost mirror call. Fatal only for synchronous
// backups: the reply must not imply standby receipt that never happened.
func (c *conn) mirrorFailed(err error) error {
	mirrorLost.Inc()
	log.Warn("Standby mirror call failed", "err", err)
	if c.srv.config.BackupSynchronously && c.nodeType != types.NodeProxy {
		return err
	}
	return nil
}

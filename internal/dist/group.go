// Package dist implements the data-parallel process group: TCP rendezvous
// between ranks and the collective operations the training loop needs.
//
// Collectives are explicit synchronization points. Every message carries a
// sequence number and a payload size; a peer arriving with a different
// sequence or size has diverged from the group (for example by running a
// different number of training steps) and the mismatch is reported as a
// fatal error instead of the silent deadlock a raw barrier would produce.
// Every network operation runs under a deadline.
package dist

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const helloMagic = 0x50454552 // "PEER"

// Group is one rank's membership in the process group. It is not safe for
// concurrent use; the training loop drives collectives from a single
// goroutine, mirroring the one-process-per-device model.
type Group struct {
	rank    int
	world   int
	timeout time.Duration

	listener net.Listener
	peers    []net.Conn // coordinator: connection per worker rank (index rank-1)
	upstream net.Conn   // worker: connection to the coordinator

	seq uint64
}

// Init joins the process group described by cfg. Rank 0 listens for the
// other ranks; workers dial with retry until the timeout. A group that
// cannot assemble full membership returns an error; training cannot proceed
// with partial peer membership, so callers abort the run.
func Init(ctx context.Context, cfg Config) (*Group, error) {
	if cfg.World <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, fmt.Errorf("invalid process group config: rank %d world %d", cfg.Rank, cfg.World)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Group{rank: cfg.Rank, world: cfg.World, timeout: timeout}
	if cfg.World == 1 {
		return g, nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.MasterAddr, cfg.MasterPort)
	deadline := time.Now().Add(timeout)

	if cfg.Rank == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("rendezvous listen on %s: %w", addr, err)
		}
		g.listener = ln
		g.peers = make([]net.Conn, cfg.World-1)
		if err := g.acceptPeers(deadline); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	}

	conn, err := dialUntil(ctx, addr, deadline)
	if err != nil {
		return nil, fmt.Errorf("rendezvous with %s: %w", addr, err)
	}
	hello := make([]byte, 8)
	binary.LittleEndian.PutUint32(hello[0:4], helloMagic)
	binary.LittleEndian.PutUint32(hello[4:8], uint32(cfg.Rank))
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rendezvous hello: %w", err)
	}
	g.upstream = conn
	return g, nil
}

func (g *Group) acceptPeers(deadline time.Time) error {
	remaining := g.world - 1
	for remaining > 0 {
		if tl, ok := g.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(deadline)
		}
		conn, err := g.listener.Accept()
		if err != nil {
			return fmt.Errorf("rendezvous incomplete, %d rank(s) missing: %w", remaining, err)
		}
		_ = conn.SetReadDeadline(deadline)
		hello := make([]byte, 8)
		if _, err := io.ReadFull(conn, hello); err != nil {
			_ = conn.Close()
			return fmt.Errorf("rendezvous hello read: %w", err)
		}
		if binary.LittleEndian.Uint32(hello[0:4]) != helloMagic {
			_ = conn.Close()
			return fmt.Errorf("rendezvous peer sent bad magic")
		}
		peerRank := int(binary.LittleEndian.Uint32(hello[4:8]))
		if peerRank < 1 || peerRank >= g.world {
			_ = conn.Close()
			return fmt.Errorf("rendezvous peer claims invalid rank %d", peerRank)
		}
		if g.peers[peerRank-1] != nil {
			_ = conn.Close()
			return fmt.Errorf("rendezvous peer rank %d connected twice", peerRank)
		}
		g.peers[peerRank-1] = conn
		remaining--
	}
	return nil
}

func dialUntil(ctx context.Context, addr string, deadline time.Time) (net.Conn, error) {
	d := net.Dialer{Deadline: deadline}
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("deadline exceeded")
	}
	return nil, lastErr
}

// Rank returns this process's rank.
func (g *Group) Rank() int { return g.rank }

// World returns the process count.
func (g *Group) World() int { return g.world }

// IsCoordinator reports whether this process carries the coordinator role
// (validation, reporting, checkpointing).
func (g *Group) IsCoordinator() bool { return g.rank == 0 }

// Close tears the group down. Safe to call more than once.
func (g *Group) Close() {
	if g.listener != nil {
		_ = g.listener.Close()
		g.listener = nil
	}
	for i, c := range g.peers {
		if c != nil {
			_ = c.Close()
			g.peers[i] = nil
		}
	}
	if g.upstream != nil {
		_ = g.upstream.Close()
		g.upstream = nil
	}
}

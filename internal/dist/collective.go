package dist

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

const (
	opAllReduce = uint8(1)
	opBarrier   = uint8(2)
)

const headerSize = 1 + 8 + 4 // op, sequence, payload count

// AllReduceSum sums buf element-wise across all ranks and writes the result
// back into buf on every rank. All ranks must call it with the same length
// at the same point in the run; a mismatch is reported as divergence.
func (g *Group) AllReduceSum(buf []float32) error {
	g.seq++
	if g.world == 1 {
		return nil
	}
	deadline := time.Now().Add(g.timeout)
	if g.upstream != nil {
		return g.workerExchange(opAllReduce, buf, deadline)
	}
	return g.coordinatorReduce(buf, deadline)
}

// Barrier blocks until every rank has arrived at the same sequence point.
func (g *Group) Barrier() error {
	return g.BarrierWithin(g.timeout)
}

// BarrierWithin is Barrier with its own deadline in place of the group
// default. The end-of-run barrier uses it: workers legitimately wait out the
// coordinator's whole validation, plotting and checkpoint pass there, far
// longer than any per-batch collective.
func (g *Group) BarrierWithin(d time.Duration) error {
	g.seq++
	if g.world == 1 {
		return nil
	}
	deadline := time.Now().Add(d)
	if g.upstream != nil {
		return g.workerExchange(opBarrier, nil, deadline)
	}
	return g.coordinatorReduce(nil, deadline)
}

func (g *Group) coordinatorReduce(acc []float32, deadline time.Time) error {
	op := opAllReduce
	if acc == nil {
		op = opBarrier
	}

	scratch := make([]float32, len(acc))
	for i, conn := range g.peers {
		if err := g.readPayload(conn, deadline, op, scratch); err != nil {
			g.Close()
			return fmt.Errorf("rank %d: %w", i+1, err)
		}
		for j, v := range scratch {
			acc[j] += v
		}
	}
	for i, conn := range g.peers {
		if err := g.writePayload(conn, deadline, op, acc); err != nil {
			g.Close()
			return fmt.Errorf("rank %d: %w", i+1, err)
		}
	}
	return nil
}

func (g *Group) workerExchange(op uint8, buf []float32, deadline time.Time) error {
	if err := g.writePayload(g.upstream, deadline, op, buf); err != nil {
		g.Close()
		return err
	}
	if err := g.readPayload(g.upstream, deadline, op, buf); err != nil {
		g.Close()
		return err
	}
	return nil
}

func (g *Group) writePayload(conn net.Conn, deadline time.Time, op uint8, buf []float32) error {
	_ = conn.SetWriteDeadline(deadline)
	msg := make([]byte, headerSize+4*len(buf))
	msg[0] = op
	binary.LittleEndian.PutUint64(msg[1:9], g.seq)
	binary.LittleEndian.PutUint32(msg[9:13], uint32(len(buf)))
	for i, v := range buf {
		binary.LittleEndian.PutUint32(msg[headerSize+4*i:], math.Float32bits(v))
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("collective send: %w", err)
	}
	return nil
}

func (g *Group) readPayload(conn net.Conn, deadline time.Time, op uint8, buf []float32) error {
	_ = conn.SetReadDeadline(deadline)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("collective receive: %w", err)
	}
	peerOp := header[0]
	peerSeq := binary.LittleEndian.Uint64(header[1:9])
	peerCount := int(binary.LittleEndian.Uint32(header[9:13]))
	if peerOp != op || peerSeq != g.seq || peerCount != len(buf) {
		return fmt.Errorf(
			"collective divergence: peer at op %d seq %d count %d, this rank at op %d seq %d count %d",
			peerOp, peerSeq, peerCount, op, g.seq, len(buf))
	}
	if len(buf) == 0 {
		return nil
	}
	payload := make([]byte, 4*len(buf))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("collective receive: %w", err)
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return nil
}

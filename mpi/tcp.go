package mpi

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// tcpComm is a TCP-rendezvous Communicator: rank 0 listens and every other
// rank dials in, standing in for the MPI_Comm collaborator spec §1 treats
// as out of scope (no networked replication is implemented beyond this
// bare barrier/reduce primitive). Grounded on the connection-per-peer,
// length-prefixed-message style biscuit/src/unet and bnet use for their
// own socket plumbing, generalized from a Unix domain listener to TCP.
type tcpComm struct {
	rank  int
	size  int
	ln    net.Listener // rank 0 only
	peers []net.Conn   // rank 0: one conn per other rank, indexed by rank-1; others: conn[0] to rank 0
}

// DialTCP connects this rank to the coordinator at addr (rank 0's
// listening address) and returns a ready Communicator. Rank 0 must call
// ListenTCP first.
func DialTCP(rank, size int, addr string, timeout time.Duration) (Communicator, error) {
	if rank == 0 {
		return nil, fmt.Errorf("mpi: rank 0 must call ListenTCP, not DialTCP")
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("mpi: dial %s: %w", addr, err)
	}
	if err := binary.Write(conn, binary.BigEndian, int32(rank)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mpi: handshake: %w", err)
	}
	return &tcpComm{rank: rank, size: size, peers: []net.Conn{conn}}, nil
}

// ListenTCP starts rank 0's coordinator, blocking until all size-1 peers
// have connected and identified their rank.
func ListenTCP(addr string, size int) (Communicator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mpi: listen %s: %w", addr, err)
	}
	c := &tcpComm{rank: 0, size: size, ln: ln, peers: make([]net.Conn, size-1)}
	for i := 0; i < size-1; i++ {
		conn, err := ln.Accept()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("mpi: accept: %w", err)
		}
		var rank int32
		if err := binary.Read(conn, binary.BigEndian, &rank); err != nil {
			c.Close()
			return nil, fmt.Errorf("mpi: handshake: %w", err)
		}
		if rank < 1 || int(rank) >= size || c.peers[rank-1] != nil {
			c.Close()
			return nil, fmt.Errorf("mpi: bad rank %d in handshake", rank)
		}
		c.peers[rank-1] = conn
	}
	return c, nil
}

func (c *tcpComm) Rank() int { return c.rank }
func (c *tcpComm) Size() int { return c.size }

// Barrier implements a two-phase gather/broadcast: every non-coordinator
// rank sends a single byte to rank 0 and blocks on the reply; rank 0
// collects one byte from every peer, then releases them all.
func (c *tcpComm) Barrier() error {
	if c.rank == 0 {
		for _, conn := range c.peers {
			var b [1]byte
			if _, err := conn.Read(b[:]); err != nil {
				return fmt.Errorf("mpi: barrier gather: %w", err)
			}
		}
		for _, conn := range c.peers {
			if _, err := conn.Write([]byte{1}); err != nil {
				return fmt.Errorf("mpi: barrier release: %w", err)
			}
		}
		return nil
	}
	conn := c.peers[0]
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("mpi: barrier signal: %w", err)
	}
	var b [1]byte
	_, err := conn.Read(b[:])
	if err != nil {
		return fmt.Errorf("mpi: barrier wait: %w", err)
	}
	return nil
}

// MinEpoch gathers every rank's local value at the coordinator, reduces
// with min, and broadcasts the result back, the communicator-level
// primitive mpi.Open uses to reconcile this rank's on-media epoch with the
// group's minimum.
func (c *tcpComm) MinEpoch(local uint64) (uint64, error) {
	if c.rank == 0 {
		min := local
		values := make([]uint64, len(c.peers))
		for i, conn := range c.peers {
			if err := binary.Read(conn, binary.BigEndian, &values[i]); err != nil {
				return 0, fmt.Errorf("mpi: epoch gather: %w", err)
			}
			if values[i] < min {
				min = values[i]
			}
		}
		for _, conn := range c.peers {
			if err := binary.Write(conn, binary.BigEndian, min); err != nil {
				return 0, fmt.Errorf("mpi: epoch broadcast: %w", err)
			}
		}
		return min, nil
	}
	conn := c.peers[0]
	if err := binary.Write(conn, binary.BigEndian, local); err != nil {
		return 0, fmt.Errorf("mpi: epoch send: %w", err)
	}
	var min uint64
	if err := binary.Read(conn, binary.BigEndian, &min); err != nil {
		return 0, fmt.Errorf("mpi: epoch recv: %w", err)
	}
	return min, nil
}

// Close releases every connection (and, for rank 0, the listener).
func (c *tcpComm) Close() error {
	var firstErr error
	for _, conn := range c.peers {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

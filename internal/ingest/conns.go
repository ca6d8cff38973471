package ingest

import (
	"net"
	"sync"
)

// connSet tracks open connections so shutdown can close them and
// unblock their reads.
type connSet struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[net.Conn]struct{})}
}

func (cs *connSet) add(conn net.Conn) {
	cs.mu.Lock()
	cs.conns[conn] = struct{}{}
	cs.mu.Unlock()
}

func (cs *connSet) remove(conn net.Conn) {
	cs.mu.Lock()
	delete(cs.conns, conn)
	cs.mu.Unlock()
}

func (cs *connSet) closeAll() {
	cs.mu.Lock()
	for conn := range cs.conns {
		conn.Close()
	}
	cs.mu.Unlock()
}

func (cs *connSet) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

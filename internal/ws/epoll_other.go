//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// peekConn buffers reads so readiness can be detected with Peek without
// losing the byte. Synthetic ids stand in for file descriptors.
type peekConn struct {
	net.Conn
	id     int
	r      *bufio.Reader
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

var nextFD atomic.Int64

// Epoll is a goroutine-per-connection stand-in for platforms without
// epoll. Each connection is watched by a goroutine that peeks for data,
// reports the connection ready, and waits for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[int]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[int]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn. The returned conn must be used for all reads.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:   conn,
		id:     int(nextFD.Add(1)),
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.conns[pc.id] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		// A peek error (closed connection) is reported as readiness too,
		// so the server's read path sees the failure and cleans up.
		_, err := pc.r.Peek(1)
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.resume:
		case <-e.done:
			return
		}
		if !e.watching(pc) {
			return
		}
	}
}

func (e *Epoll) watching(pc *peekConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[pc.id]
	return ok
}

// Resume re-arms readiness detection once the server finished reading.
func (e *Epoll) Resume(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		e.mu.Lock()
		delete(e.conns, pc.id)
		e.mu.Unlock()
		e.Resume(pc)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready right now.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor goroutine.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[int]*peekConn)
	e.mu.Unlock()
	return nil
}

func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		return pc.id
	}
	return -1
}

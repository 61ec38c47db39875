// Package control implements the command server: TCP and Unix socket
// listeners feeding a single global command queue.
package control

import (
	"sync"
	"time"

	"github.com/dokzlo13/alsd/internal/protocol"
)

// Command is one request line received from a client.
type Command struct {
	// ConnID identifies the originating connection.
	ConnID string
	// Request is the decoded request. It is zero when Err is set.
	Request protocol.Request
	// Err is set when the line could not be decoded. Such commands are
	// queued anyway so their error response keeps per-connection order.
	Err      error
	Received time.Time
}

// Queue is the FIFO shared by all connection readers and drained by the
// control loop. Push and Drain never block on I/O.
type Queue struct {
	mu    sync.Mutex
	items []Command
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a command.
func (q *Queue) Push(cmd Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
}

// Drain removes and returns every queued command in arrival order.
func (q *Queue) Drain() []Command {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package capture

import "github.com/andresmejia3/facegate/internal/types"

// DefaultQueueSize bounds the number of pending commands.
const DefaultQueueSize = 8

// CommandQueue decouples command producers (keyboard, stdin, HTTP) from the
// loop. Both ends are non-blocking.
type CommandQueue struct {
	ch chan types.Command
}

// NewCommandQueue returns a queue holding up to size pending commands.
func NewCommandQueue(size int) *CommandQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &CommandQueue{ch: make(chan types.Command, size)}
}

// Push enqueues cmd. It returns false when the queue is full.
func (q *CommandQueue) Push(cmd types.Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Poll returns the next pending command, if any.
func (q *CommandQueue) Poll() (types.Command, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return types.CommandNone, false
	}
}

// Len returns the number of pending commands.
func (q *CommandQueue) Len() int { return len(q.ch) }

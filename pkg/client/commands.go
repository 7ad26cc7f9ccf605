package client

import (
	"context"
	"encoding/json"
	"sync"
)

// Command is one queued control instruction for a vehicle peer.
type Command struct {
	TargetPeerID string
	Name         string
	Params       json.RawMessage
}

// commandQueue is a FIFO of pending control commands. Draining is tick-driven
// and sends at most one command per tick, so a burst of UI input cannot flood
// the signaling connection.
type commandQueue struct {
	mu      sync.Mutex
	pending []Command
}

func (q *commandQueue) enqueue(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, cmd)
}

func (q *commandQueue) pop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Command{}, false
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	return cmd, true
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// EnqueueCommand queues a control command for the next tick.
func (s *Session) EnqueueCommand(cmd Command) {
	s.commands.enqueue(cmd)
}

// PendingCommands reports the queue depth.
func (s *Session) PendingCommands() int {
	return s.commands.len()
}

// Tick drains at most one queued command. Callers drive it from their own
// loop (typically once per UI frame or timer tick).
func (s *Session) Tick(ctx context.Context) error {
	cmd, ok := s.commands.pop()
	if !ok {
		return nil
	}
	return s.send("control:command", map[string]interface{}{
		"targetPeerId": cmd.TargetPeerID,
		"command":      cmd.Name,
		"params":       cmd.Params,
	})
}

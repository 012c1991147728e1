// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package command

import (
	"context"
	"sync"
)

// ReplicationLog is the consensus layer that assigns a global sequence number
// to every command. Propose returns once the command is committed to the log;
// committed commands are delivered to every subscriber in sequence order.
type ReplicationLog interface {
	Propose(ctx context.Context, cmd *Command) (uint64, error)
	Subscribe(from uint64, deliver func(seq uint64, cmd *Command)) (cancel func(), err error)
	Close() error
}

// MemoryLog is the in-process ReplicationLog used in standalone mode and by
// tests. Proposals commit immediately and fan out synchronously in order.
type MemoryLog struct {
	mu      sync.Mutex
	entries []*Command
	subs    map[int]func(seq uint64, cmd *Command)
	nextSub int
	closed  bool
}

// NewMemoryLog returns an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{subs: map[int]func(uint64, *Command){}}
}

func (l *MemoryLog) Propose(ctx context.Context, cmd *Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, context.Canceled
	}
	l.entries = append(l.entries, cmd)
	seq := uint64(len(l.entries))
	subs := make([]func(uint64, *Command), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(seq, cmd)
	}
	return seq, nil
}

func (l *MemoryLog) Subscribe(from uint64, deliver func(seq uint64, cmd *Command)) (func(), error) {
	l.mu.Lock()
	// replay the tail committed before this subscription
	var backlog []*Command
	if from < uint64(len(l.entries)) {
		backlog = append(backlog, l.entries[from:]...)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = deliver
	l.mu.Unlock()

	for i, cmd := range backlog {
		deliver(from+uint64(i)+1, cmd)
	}

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = map[int]func(uint64, *Command){}
	l.mu.Unlock()
	return nil
}

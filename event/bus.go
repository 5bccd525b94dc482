// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"sort"
	"sync"

	"perun.network/go-perun/log"
)

// Handler receives events. Handlers run synchronously on the emitting goroutine and must not block.
type Handler func(Event)

// Bus is an observer registry.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler
	log      log.Embedding
}

// NewBus creates an empty registry.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[uint64]Handler),
		log:      log.MakeEmbedding(log.Default()),
	}
}

// Subscribe registers h and returns a function removing it again.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Stream subscribes a buffered channel. Events are dropped when the buffer is full.
func (b *Bus) Stream(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false
	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.log.Log().Warnf("dropping %v event: stream buffer full", e.GetType())
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Emit delivers e to all handlers in subscription order.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = b.handlers[id]
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}

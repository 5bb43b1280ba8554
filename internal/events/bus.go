// Copyright 2025 The mcpdesk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events provides a small synchronous pub/sub bus. Delivery is
// ordered: handlers see events in publish order, and a publish returns only
// after every handler ran.
package events

import "sync"

// Bus fans events of type T out to subscribers. Subscribing or
// unsubscribing during a dispatch is safe and affects only later events.
type Bus[T any] struct {
	mu       sync.Mutex
	handlers []func(T)
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a handler and returns an unsubscribe func. The slot is
// nil-marked on unsubscribe so an in-flight dispatch over a copied slice
// stays valid.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	idx := len(b.handlers) - 1
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.handlers[idx] = nil
			b.mu.Unlock()
		})
	}
}

// Publish delivers event to every live handler in subscription order.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	handlers := append([]func(T){}, b.handlers...)
	b.mu.Unlock()

	for _, fn := range handlers {
		if fn != nil {
			fn(event)
		}
	}
}

// Len reports the number of live handlers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, fn := range b.handlers {
		if fn != nil {
			n++
		}
	}
	return n
}

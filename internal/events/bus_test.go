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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrderedDelivery(t *testing.T) {
	bus := NewBus[int]()

	var first, second []int
	bus.Subscribe(func(v int) { first = append(first, v) })
	bus.Subscribe(func(v int) { second = append(second, v) })

	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, first)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, second)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	unsub := bus.Subscribe(func(v string) { got = append(got, v) })

	bus.Publish("a")
	unsub()
	bus.Publish("b")

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, bus.Len())

	// Unsubscribing twice is harmless.
	unsub()
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus[int]()

	var calls []string
	var unsubB func()
	bus.Subscribe(func(int) {
		calls = append(calls, "a")
		unsubB()
	})
	unsubB = bus.Subscribe(func(int) { calls = append(calls, "b") })
	bus.Subscribe(func(int) { calls = append(calls, "c") })

	// The in-flight dispatch runs over a copied slice, so b still sees the
	// current event; the unsubscribe takes effect from the next publish.
	bus.Publish(1)
	assert.Equal(t, []string{"a", "b", "c"}, calls)

	calls = nil
	bus.Publish(2)
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestSubscribeDuringDispatchAffectsLaterEventsOnly(t *testing.T) {
	bus := NewBus[int]()

	var lateCalls int
	bus.Subscribe(func(v int) {
		if v == 1 {
			bus.Subscribe(func(int) { lateCalls++ })
		}
	})

	bus.Publish(1)
	assert.Equal(t, 0, lateCalls)

	bus.Publish(2)
	assert.Equal(t, 1, lateCalls)
}

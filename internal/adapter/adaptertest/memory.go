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

// Package adaptertest provides in-memory adapter implementations for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
)

// MemoryProcess is an in-memory Process double. Lines written via Send are
// handed to Handler; whatever Handler returns is emitted as stdout messages.
type MemoryProcess struct {
	// Handler receives each stdin line and returns stdout lines to emit.
	// May be nil for a silent process.
	Handler func(line []byte) [][]byte

	pid int

	mu       sync.Mutex
	exited   bool
	exitInfo adapter.ExitInfo
	killed   bool
	msgSubs  []func([]byte)
	errSubs  []func([]byte)
	exitSubs []func(adapter.ExitInfo)
	stderr   []string
	sent     [][]byte
}

// NewMemoryProcess creates a running in-memory process.
func NewMemoryProcess(pid int) *MemoryProcess {
	return &MemoryProcess{pid: pid}
}

func (p *MemoryProcess) PID() int { return p.pid }

func (p *MemoryProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *MemoryProcess) Send(ctx context.Context, line []byte) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return fmt.Errorf("process has exited")
	}
	p.sent = append(p.sent, append([]byte(nil), line...))
	handler := p.Handler
	p.mu.Unlock()

	if handler != nil {
		for _, out := range handler(line) {
			p.EmitMessage(out)
		}
	}
	return nil
}

// Sent returns every line written to the process so far.
func (p *MemoryProcess) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

func (p *MemoryProcess) OnMessage(fn func([]byte)) func() {
	p.mu.Lock()
	p.msgSubs = append(p.msgSubs, fn)
	idx := len(p.msgSubs) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.msgSubs[idx] = nil
		p.mu.Unlock()
	}
}

func (p *MemoryProcess) OnStderr(fn func([]byte)) func() {
	p.mu.Lock()
	p.errSubs = append(p.errSubs, fn)
	idx := len(p.errSubs) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.errSubs[idx] = nil
		p.mu.Unlock()
	}
}

func (p *MemoryProcess) OnExit(fn func(adapter.ExitInfo)) func() {
	p.mu.Lock()
	if p.exited {
		info := p.exitInfo
		p.mu.Unlock()
		fn(info)
		return func() {}
	}
	p.exitSubs = append(p.exitSubs, fn)
	idx := len(p.exitSubs) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.exitSubs[idx] = nil
		p.mu.Unlock()
	}
}

func (p *MemoryProcess) Logs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderr...)
}

// Kill marks the process exited with the conventional SIGTERM shape.
func (p *MemoryProcess) Kill() error {
	p.mu.Lock()
	if p.killed || p.exited {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()
	p.SimulateExit(adapter.ExitInfo{Code: -1, Signal: "terminated"})
	return nil
}

// WasKilled reports whether Kill was called.
func (p *MemoryProcess) WasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// EmitMessage delivers a stdout line to subscribers.
func (p *MemoryProcess) EmitMessage(line []byte) {
	p.mu.Lock()
	subs := append([]func([]byte){}, p.msgSubs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(line)
		}
	}
}

// EmitStderr delivers a stderr line to subscribers and the log buffer.
func (p *MemoryProcess) EmitStderr(line []byte) {
	p.mu.Lock()
	p.stderr = append(p.stderr, string(line))
	subs := append([]func([]byte){}, p.errSubs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(line)
		}
	}
}

// SimulateExit ends the process and delivers the single exit event.
func (p *MemoryProcess) SimulateExit(info adapter.ExitInfo) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitInfo = info
	subs := append([]func(adapter.ExitInfo){}, p.exitSubs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(info)
		}
	}
}

// MemoryProcessAdapter hands out scripted processes.
type MemoryProcessAdapter struct {
	// Factory builds the process for each spawn. Defaults to a silent
	// process with an increasing pid.
	Factory func(id string, cfg adapter.TransportConfig) *MemoryProcess
	// SpawnErr, when set, fails every spawn.
	SpawnErr error

	mu      sync.Mutex
	nextPID int
	live    map[string]*MemoryProcess
	spawns  []adapter.TransportConfig
}

// NewMemoryProcessAdapter creates an empty process adapter.
func NewMemoryProcessAdapter() *MemoryProcessAdapter {
	return &MemoryProcessAdapter{
		nextPID: 1000,
		live:    make(map[string]*MemoryProcess),
	}
}

// Spawn implements adapter.ProcessAdapter.
func (a *MemoryProcessAdapter) Spawn(ctx context.Context, id string, cfg adapter.TransportConfig) (adapter.Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.SpawnErr != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrProcessStartFailed, a.SpawnErr)
	}
	if p, ok := a.live[id]; ok && p.IsRunning() {
		return nil, fmt.Errorf("%w: id %q already bound", adapter.ErrProcessStartFailed, id)
	}

	a.nextPID++
	var p *MemoryProcess
	if a.Factory != nil {
		p = a.Factory(id, cfg)
	} else {
		p = NewMemoryProcess(a.nextPID)
	}
	a.live[id] = p
	a.spawns = append(a.spawns, cfg)
	return p, nil
}

// Spawns returns the configs of every spawn so far.
func (a *MemoryProcessAdapter) Spawns() []adapter.TransportConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.TransportConfig(nil), a.spawns...)
}

// Live returns the current process for id, or nil.
func (a *MemoryProcessAdapter) Live(id string) *MemoryProcess {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[id]
}

// MemoryStorage is an in-memory StorageAdapter.
type MemoryStorage struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	configs  map[string][]byte
	watchers map[string][]func()
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blobs:    make(map[string][]byte),
		configs:  make(map[string][]byte),
		watchers: make(map[string][]func()),
	}
}

func (s *MemoryStorage) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", key, adapter.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) Write(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStorage) ReadConfig(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.configs[name]
	if !ok {
		return nil, fmt.Errorf("config %q: %w", name, adapter.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) WriteConfig(name string, data []byte) error {
	s.mu.Lock()
	s.configs[name] = append([]byte(nil), data...)
	watchers := append([]func(){}, s.watchers[name]...)
	s.mu.Unlock()
	for _, fn := range watchers {
		if fn != nil {
			fn()
		}
	}
	return nil
}

func (s *MemoryStorage) WatchConfig(name string, fn func()) (func(), error) {
	s.mu.Lock()
	s.watchers[name] = append(s.watchers[name], fn)
	idx := len(s.watchers[name]) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.watchers[name][idx] = nil
		s.mu.Unlock()
	}, nil
}

// MemoryEnv resolves "$VAR" references from a fixed map, memoizing hits the
// way the host adapter does.
type MemoryEnv struct {
	mu     sync.Mutex
	values map[string]string
	cache  map[string]string
	// Lookups counts resolution attempts per variable.
	Lookups map[string]int
}

// NewMemoryEnv creates an env adapter over the given variables.
func NewMemoryEnv(values map[string]string) *MemoryEnv {
	if values == nil {
		values = make(map[string]string)
	}
	return &MemoryEnv{
		values:  values,
		cache:   make(map[string]string),
		Lookups: make(map[string]int),
	}
}

// Set adds or replaces a variable.
func (e *MemoryEnv) Set(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[name] = value
}

func (e *MemoryEnv) Resolve(value string) (string, error) {
	if len(value) == 0 || value[0] != '$' {
		return value, nil
	}
	name := value[1:]

	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.cache[name]; ok {
		return v, nil
	}
	e.Lookups[name]++
	v, ok := e.values[name]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, adapter.ErrEnvVarNotFound)
	}
	e.cache[name] = v
	return v, nil
}

// MemoryBrowser records opened URLs and lets tests inject callbacks.
type MemoryBrowser struct {
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu       sync.Mutex
	opened   []string
	handlers map[string][]func(adapter.CallbackRequest)
}

// NewMemoryBrowser creates an empty browser adapter.
func NewMemoryBrowser() *MemoryBrowser {
	return &MemoryBrowser{handlers: make(map[string][]func(adapter.CallbackRequest))}
}

func (b *MemoryBrowser) Open(url string) error {
	if b.OpenErr != nil {
		return b.OpenErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, url)
	return nil
}

// Opened returns every URL passed to Open.
func (b *MemoryBrowser) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

func (b *MemoryBrowser) RegisterProtocolHandler(scheme string, fn func(adapter.CallbackRequest)) (func(), error) {
	b.mu.Lock()
	b.handlers[scheme] = append(b.handlers[scheme], fn)
	idx := len(b.handlers[scheme]) - 1
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.handlers[scheme][idx] = nil
		b.mu.Unlock()
	}, nil
}

// HandlerCount reports live handlers for a scheme.
func (b *MemoryBrowser) HandlerCount(scheme string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, fn := range b.handlers[scheme] {
		if fn != nil {
			n++
		}
	}
	return n
}

// DeliverCallback fans a callback out to the scheme's handlers.
func (b *MemoryBrowser) DeliverCallback(scheme string, req adapter.CallbackRequest) {
	b.mu.Lock()
	handlers := append([]func(adapter.CallbackRequest){}, b.handlers[scheme]...)
	b.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(req)
		}
	}
}

// Adapters bundles fresh in-memory adapters for a test.
func Adapters() (adapter.Adapters, *MemoryProcessAdapter, *MemoryStorage, *MemoryEnv, *MemoryBrowser) {
	procs := NewMemoryProcessAdapter()
	storage := NewMemoryStorage()
	env := NewMemoryEnv(nil)
	browser := NewMemoryBrowser()
	return adapter.Adapters{
		Process: procs,
		Storage: storage,
		Env:     env,
		Browser: browser,
	}, procs, storage, env, browser
}

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

package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// killGrace is how long Kill waits after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
	// stderrRingSize bounds the retained stderr lines per process.
	stderrRingSize = 500
	// maxLineSize bounds a single stdio line (large tool results).
	maxLineSize = 10 * 1024 * 1024
)

// HostProcessAdapter spawns real child processes.
type HostProcessAdapter struct {
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*hostProcess
}

// NewHostProcessAdapter creates a process adapter backed by os/exec.
func NewHostProcessAdapter(logger *slog.Logger) *HostProcessAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostProcessAdapter{
		logger: logger,
		live:   make(map[string]*hostProcess),
	}
}

// Spawn implements ProcessAdapter.
func (a *HostProcessAdapter) Spawn(ctx context.Context, id string, cfg TransportConfig) (Process, error) {
	a.mu.Lock()
	if p, ok := a.live[id]; ok && p.IsRunning() {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: id %q already bound to pid %d", ErrProcessStartFailed, id, p.PID())
	}
	a.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	// Own process group so Kill can take down grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrProcessStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrProcessStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrProcessStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}

	p := &hostProcess{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		logger: a.logger.With("server", id, "pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}

	a.mu.Lock()
	a.live[id] = p
	a.mu.Unlock()

	go p.readLines(stdout, p.emitMessage)
	go p.readLines(stderr, p.emitStderr)
	go p.watch(func() {
		a.mu.Lock()
		if a.live[id] == p {
			delete(a.live, id)
		}
		a.mu.Unlock()
	})

	a.logger.Debug("spawned mcp server process", "server", id, "pid", cmd.Process.Pid, "command", cfg.Command)
	return p, nil
}

// buildEnv merges extra variables over the host environment.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type hostProcess struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// done closes exactly once, after cmd.Wait returns.
	done     chan struct{}
	exitInfo ExitInfo

	mu       sync.Mutex
	exited   bool
	killed   bool
	msgSubs  []func([]byte)
	errSubs  []func([]byte)
	exitSubs []func(ExitInfo)
	ring     []string
	ringPos  int
}

func (p *hostProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *hostProcess) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *hostProcess) Send(ctx context.Context, line []byte) error {
	if !p.IsRunning() {
		return fmt.Errorf("process %d has exited", p.PID())
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte(nil), line...), '\n')
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(line)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("write stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe appends fn and returns an unsubscribe that nil-marks the slot so
// removal stays safe while a dispatch iterates the slice.
func subscribe[T any](mu *sync.Mutex, subs *[]T, fn T) func() {
	mu.Lock()
	*subs = append(*subs, fn)
	idx := len(*subs) - 1
	mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			var zero T
			(*subs)[idx] = zero
			mu.Unlock()
		})
	}
}

func (p *hostProcess) OnMessage(fn func(line []byte)) func() {
	return subscribe(&p.mu, &p.msgSubs, fn)
}

func (p *hostProcess) OnStderr(fn func(line []byte)) func() {
	return subscribe(&p.mu, &p.errSubs, fn)
}

func (p *hostProcess) OnExit(fn func(info ExitInfo)) func() {
	p.mu.Lock()
	// A late subscriber after exit still gets the single event.
	if p.exited {
		info := p.exitInfo
		p.mu.Unlock()
		fn(info)
		return func() {}
	}
	p.mu.Unlock()
	return subscribe(&p.mu, &p.exitSubs, fn)
}

func (p *hostProcess) Logs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ring) < stderrRingSize {
		return append([]string(nil), p.ring...)
	}
	out := make([]string, 0, stderrRingSize)
	out = append(out, p.ring[p.ringPos:]...)
	out = append(out, p.ring[:p.ringPos]...)
	return out
}

func (p *hostProcess) emitMessage(line []byte) {
	p.mu.Lock()
	subs := append([]func([]byte){}, p.msgSubs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(line)
		}
	}
}

func (p *hostProcess) emitStderr(line []byte) {
	p.mu.Lock()
	if len(p.ring) < stderrRingSize {
		p.ring = append(p.ring, string(line))
	} else {
		p.ring[p.ringPos] = string(line)
		p.ringPos = (p.ringPos + 1) % stderrRingSize
	}
	subs := append([]func([]byte){}, p.errSubs...)
	p.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(line)
		}
	}
}

func (p *hostProcess) readLines(r io.Reader, emit func([]byte)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		emit(line)
	}
}

// watch waits for the process to exit and emits the single exit event.
func (p *hostProcess) watch(onDone func()) {
	err := p.cmd.Wait()

	info := ExitInfo{Code: 0}
	if err != nil {
		info.Code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			info.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				info.Signal = ws.Signal().String()
			}
		}
	}

	p.mu.Lock()
	p.exited = true
	p.exitInfo = info
	subs := append([]func(ExitInfo){}, p.exitSubs...)
	p.mu.Unlock()

	close(p.done)
	onDone()

	p.logger.Debug("mcp server process exited", "exit_code", info.Code, "signal", info.Signal)
	for _, fn := range subs {
		if fn != nil {
			fn(info)
		}
	}
}

// Kill terminates the whole process group. SIGTERM first; SIGKILL if the
// process is still alive after the grace period.
func (p *hostProcess) Kill() error {
	p.mu.Lock()
	if p.exited || p.killed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		// Group may be gone already; fall back to the process itself.
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
	}

	p.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

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
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
)

// HostBrowserAdapter opens URLs in the system browser and receives
// authorization callbacks on a loopback HTTP listener. One listener is
// started per scheme on first registration and shut down when the last
// handler for that scheme unregisters.
type HostBrowserAdapter struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]*callbackListener
}

// NewHostBrowserAdapter creates a browser adapter.
func NewHostBrowserAdapter(logger *slog.Logger) *HostBrowserAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostBrowserAdapter{
		logger:    logger,
		listeners: make(map[string]*callbackListener),
	}
}

// Open implements BrowserAdapter.
func (a *HostBrowserAdapter) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}

// RegisterProtocolHandler implements BrowserAdapter.
func (a *HostBrowserAdapter) RegisterProtocolHandler(scheme string, fn func(CallbackRequest)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.listeners[scheme]
	if !ok {
		var err error
		l, err = newCallbackListener(scheme, a.logger)
		if err != nil {
			return nil, err
		}
		a.listeners[scheme] = l
	}

	unsub := l.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if unsub() == 0 && a.listeners[scheme] == l {
				l.close()
				delete(a.listeners, scheme)
			}
		})
	}, nil
}

// CallbackAddr returns the loopback address serving callbacks for scheme,
// or "" if no handler is registered.
func (a *HostBrowserAdapter) CallbackAddr(scheme string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.listeners[scheme]; ok {
		return l.addr
	}
	return ""
}

// callbackListener serves one scheme's callbacks on 127.0.0.1.
type callbackListener struct {
	addr   string
	server *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	handlers []func(CallbackRequest)
}

func newCallbackListener(scheme string, logger *slog.Logger) (*callbackListener, error) {
	// Loopback only; the redirect URI in server config points here.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for %s callbacks: %w", scheme, err)
	}

	l := &callbackListener{
		addr:   ln.Addr().String(),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handle)
	l.server = &http.Server{Handler: mux}
	go l.server.Serve(ln)

	logger.Debug("callback listener started", "scheme", scheme, "addr", l.addr)
	return l, nil
}

// add registers a handler and returns a removal func reporting how many
// handlers remain.
func (l *callbackListener) add(fn func(CallbackRequest)) func() int {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	idx := len(l.handlers) - 1
	l.mu.Unlock()

	return func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.handlers[idx] = nil
		remaining := 0
		for _, h := range l.handlers {
			if h != nil {
				remaining++
			}
		}
		return remaining
	}
}

func (l *callbackListener) handle(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := CallbackRequest{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	l.mu.Lock()
	handlers := append([]func(CallbackRequest){}, l.handlers...)
	l.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(req)
		}
	}

	if req.Error != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>mcpdesk - Authorization Failed</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Failed</h1>
<p>Error: %s</p>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>`, html.EscapeString(req.Error), html.EscapeString(req.ErrorDescription))
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>mcpdesk - Authorization Complete</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>Authorization Complete</h1>
<p>You can close this window and return to mcpdesk.</p>
</body>
</html>`)
}

func (l *callbackListener) close() {
	_ = l.server.Close()
}

package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to port")

// maxTapLine bounds the partial line a Tap buffers before forwarding it.
const maxTapLine = 4096

// Tap mirrors the raw lines read from a port to any number of subscribers and
// serialises commands written back to the device. The position loop writes
// every chunk it reads into the Tap; subscribers that are not keeping up miss
// lines rather than stalling the loop.
type Tap struct {
	port SerialPorter

	commandMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]chan string
	partial     []byte
	closing     bool
}

// NewTap creates a Tap for port. port may be nil when commands are not
// supported by the source.
func NewTap(port SerialPorter) *Tap {
	return &Tap{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe creates a channel receiving each raw line without its terminator.
func (t *Tap) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 16)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Write splits b into lines and forwards each complete line. It never fails.
func (t *Tap) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return len(b), nil
	}
	t.partial = append(t.partial, b...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.broadcast(string(bytes.TrimRight(t.partial[:i], "\r")))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxTapLine {
		t.broadcast(string(t.partial))
		t.partial = nil
	}
	return len(b), nil
}

func (t *Tap) broadcast(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// SendCommand writes command to the port, terminated by a newline.
func (t *Tap) SendCommand(command string) error {
	if t.port == nil {
		return fmt.Errorf("%w: source does not accept commands", ErrWriteFailed)
	}
	t.commandMu.Lock()
	defer t.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := t.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Close closes every subscriber channel. It does not close the port, which
// belongs to the position loop.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	return nil
}

// AttachAdminRoutes attaches the raw tail and command endpoints to the debug
// handler served at /debug/.
func (t *Tap) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-ports", "serial devices on this host", func(w http.ResponseWriter, r *http.Request) {
		ports, err := ListPorts()
		if err != nil {
			http.Error(w, "Failed to list serial ports", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, p := range ports {
			fmt.Fprintln(w, p)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := t.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to port", command))
	})

	debug.Handle("tail", "live tail of raw input lines (SSE)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := t.Subscribe()
		defer t.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
}

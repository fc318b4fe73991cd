package registration

import (
	"context"
	"errors"
	"net"
	"sync"
)

const successResponse = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"FOO\":\"bar\"}"

// fakeInstanceListener is an in-memory orchestrator instance listener. Every
// dial gets one end of a net.Pipe, the other end reads the request and
// answers with the configured response
type fakeInstanceListener struct {
	// Response per dialed address, falling back to defaultResponse. An empty
	// response closes the connection without answering
	responses       map[string]string
	defaultResponse string

	// Addresses that refuse connections
	refuse map[string]bool

	// If set, every response is held until this is closed
	hold chan struct{}

	// If set, called with each request before responding
	onRequest func(address string)

	mu       sync.Mutex
	dialed   []string
	requests []string
}

func (f *fakeInstanceListener) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, address)
	f.mu.Unlock()

	if f.refuse[address] {
		return nil, errors.New("connection refused")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	go f.serve(address, server)

	return client, nil
}

func (f *fakeInstanceListener) serve(address string, conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, string(buf[:n]))
	f.mu.Unlock()

	if f.onRequest != nil {
		f.onRequest(address)
	}

	if f.hold != nil {
		<-f.hold
	}

	response, ok := f.responses[address]
	if !ok {
		response = f.defaultResponse
	}
	if response == "" {
		return
	}

	_, _ = conn.Write([]byte(response))
}

func (f *fakeInstanceListener) Dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func (f *fakeInstanceListener) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// recordingInjector stores parameters instead of touching the environment
type recordingInjector struct {
	mu     sync.Mutex
	values map[string]string
	calls  int

	// Returned from Set while non-nil
	err error
}

func (r *recordingInjector) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.err != nil {
		return r.err
	}

	if r.values == nil {
		r.values = make(map[string]string)
	}
	r.values[key] = value

	return nil
}

func (r *recordingInjector) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingInjector) Values() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make(map[string]string, len(r.values))
	for k, v := range r.values {
		values[k] = v
	}
	return values
}

func (r *recordingInjector) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

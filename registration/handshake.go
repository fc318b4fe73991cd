package registration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	RegisterPath = "/register"

	DefaultDialTimeout        = 5 * time.Second
	DefaultResponseTimeout    = 10 * time.Second
	DefaultResponseBufferSize = 1024
)

var successToken = []byte("200 OK")

// Dialer opens the TCP connection to an instance listener. *net.Dialer
// satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Session performs the one-shot registration exchange with an instance
// listener: connect, send one request, read one bounded response
type Session struct {
	Dialer Dialer

	// How long to wait for the response once the request has been sent
	ResponseTimeout time.Duration

	// The response is read once, into a buffer of this size. Anything the
	// listener sends beyond it is ignored
	ResponseBufferSize int
}

// NewSession returns a session using a net.Dialer with the given connect
// timeout
func NewSession(dialTimeout, responseTimeout time.Duration, bufferSize int) *Session {
	return &Session{
		Dialer:             &net.Dialer{Timeout: dialTimeout},
		ResponseTimeout:    responseTimeout,
		ResponseBufferSize: bufferSize,
	}
}

// BuildRequest renders the registration request for an identity. The
// request has no headers and no body
func BuildRequest(identity string) []byte {
	query := url.Values{"mac_address": []string{identity}}
	return []byte("POST " + RegisterPath + "?" + query.Encode() + " HTTP/1.1\r\n\r\n")
}

// Attempt runs the handshake described by `attempt` and returns the
// parameters the listener sent back. The attempt's phase is advanced as the
// exchange progresses and it is finished with the result before returning
func (s *Session) Attempt(ctx context.Context, attempt *Attempt) (ParameterMap, error) {
	params, err := s.attempt(ctx, attempt)
	attempt.finish(err)
	return params, err
}

func (s *Session) attempt(ctx context.Context, attempt *Attempt) (ParameterMap, error) {
	attempt.advance(PhaseConnecting)

	conn, err := s.Dialer.DialContext(ctx, "tcp", attempt.Endpoint.String())
	if err != nil {
		return nil, &ConnectError{Op: "dial", Endpoint: attempt.Endpoint, Err: err}
	}
	defer conn.Close()

	// Unblock the read if we are shut down while waiting for the listener
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(s.responseTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &ConnectError{Op: "write", Endpoint: attempt.Endpoint, Err: err}
	}

	request := BuildRequest(attempt.Identity)
	log.WithFields(attempt.fields()).WithField("request", string(request)).Debug("Sending registration request")

	if _, err := conn.Write(request); err != nil {
		return nil, &ConnectError{Op: "write", Endpoint: attempt.Endpoint, Err: err}
	}
	attempt.advance(PhaseSent)

	attempt.advance(PhaseAwaitingResponse)
	buf := make([]byte, s.bufferSize())
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, &ConnectError{Op: "read", Endpoint: attempt.Endpoint, Err: err}
	}
	response := buf[:n]

	log.WithFields(attempt.fields()).WithField("response", string(response)).Debug("Instance listener replied")

	if !bytes.Contains(response, successToken) {
		return nil, fmt.Errorf("%w: %q", ErrHandshakeRejected, statusLine(response))
	}

	return ParseParameters(response)
}

func (s *Session) responseTimeout() time.Duration {
	if s.ResponseTimeout <= 0 {
		return DefaultResponseTimeout
	}
	return s.ResponseTimeout
}

func (s *Session) bufferSize() int {
	if s.ResponseBufferSize <= 0 {
		return DefaultResponseBufferSize
	}
	return s.ResponseBufferSize
}

// statusLine is the first line of a response, for error messages
func statusLine(response []byte) string {
	line, _, _ := bytes.Cut(response, []byte("\n"))
	return string(bytes.TrimSpace(line))
}

package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
)

// webSocketGUID is the fixed GUID from RFC 6455 Section 1.3.
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHandshakeSize bounds the request line plus headers.
const MaxHandshakeSize = 8 * 1024

var (
	ErrNotWebSocketRequest = errors.New("not a WebSocket request")
	ErrMissingUpgrade      = errors.New("missing Upgrade: websocket header")
	ErrMissingConnection   = errors.New("missing Connection: Upgrade header")
	ErrMissingSecKey       = errors.New("missing Sec-WebSocket-Key header")
	ErrHandshakeTooLarge   = errors.New("handshake exceeds size limit")
	ErrMalformedRequest    = errors.New("malformed request")
)

// HandshakeError is a failed upgrade. Status is the HTTP status written back
// to the client.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// HandshakeRequest is a validated upgrade request.
type HandshakeRequest struct {
	Method string
	Path   string
	Header http.Header
	Key    string
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	hash := sha1.Sum([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// ReadHandshake reads an upgrade request up to the blank line that ends the
// headers and validates it. Bytes after the headers stay buffered in br.
func ReadHandshake(br *bufio.Reader) (*HandshakeRequest, error) {
	total := 0
	readLine := func() (string, error) {
		var line []byte
		for {
			chunk, err := br.ReadSlice('\n')
			total += len(chunk)
			if total > MaxHandshakeSize {
				return "", &HandshakeError{Err: ErrHandshakeTooLarge, Status: http.StatusRequestHeaderFieldsTooLarge}
			}
			line = append(line, chunk...)
			if err == nil {
				break
			}
			if !errors.Is(err, bufio.ErrBufferFull) {
				return "", err
			}
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}

	requestLine, err := readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, &HandshakeError{Err: ErrMalformedRequest, Status: http.StatusBadRequest}
	}

	req := &HandshakeRequest{
		Method: parts[0],
		Path:   parts[1],
		Header: make(http.Header),
	}

	for {
		line, err := readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &HandshakeError{Err: ErrMalformedRequest, Status: http.StatusBadRequest}
			}
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, &HandshakeError{Err: ErrMalformedRequest, Status: http.StatusBadRequest}
		}
		req.Header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)), strings.TrimSpace(value))
	}

	if err := req.validate(parts[2]); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *HandshakeRequest) validate(proto string) error {
	if r.Method != http.MethodGet {
		return &HandshakeError{Err: ErrNotWebSocketRequest, Status: http.StatusMethodNotAllowed}
	}
	if proto != "HTTP/1.1" {
		return &HandshakeError{Err: ErrNotWebSocketRequest, Status: http.StatusBadRequest}
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return &HandshakeError{Err: ErrMissingUpgrade, Status: http.StatusBadRequest}
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return &HandshakeError{Err: ErrMissingConnection, Status: http.StatusBadRequest}
	}
	r.Key = r.Header.Get("Sec-Websocket-Key")
	if r.Key == "" {
		return &HandshakeError{Err: ErrMissingSecKey, Status: http.StatusBadRequest}
	}
	return nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// WriteHandshakeResponse writes the 101 Switching Protocols response.
func WriteHandshakeResponse(w io.Writer, req *HandshakeRequest) error {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(req.Key) + "\r\n")
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteHandshakeError writes a plain HTTP error response for a rejected
// upgrade.
func WriteHandshakeError(w io.Writer, status int) error {
	text := http.StatusText(status)
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, text, len(text), text)
	return err
}

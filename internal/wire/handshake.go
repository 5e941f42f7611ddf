package wire

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// websocketGUID is the fixed key suffix from RFC 6455 §4.2.2.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeBytes caps the upgrade request. Requests that do not finish
// their headers within this limit are rejected.
const maxHandshakeBytes = 4096

var (
	ErrHandshakeTooLarge = errors.New("wire: handshake request exceeds header cap")
	ErrMissingKey        = errors.New("wire: missing Sec-WebSocket-Key header")
)

// AcceptKey derives the Sec-WebSocket-Accept value for a client key:
// base64(SHA1(key || GUID)).
func AcceptKey(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, websocketGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// readRequest consumes bytes from rw until the header terminator appears or
// the cap is hit. It deliberately does not parse the request line; the
// gateway only negotiates the upgrade.
func readRequest(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 512)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			// The terminator must fall within the cap; chunked reads can
			// carry the buffer past it before the headers end.
			if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
				if i+4 > maxHandshakeBytes {
					return nil, ErrHandshakeTooLarge
				}
				return buf, nil
			}
			if len(buf) >= maxHandshakeBytes {
				return nil, ErrHandshakeTooLarge
			}
		}
		if err != nil {
			return nil, fmt.Errorf("wire: read handshake: %w", err)
		}
	}
}

// headerValue extracts a header value case-insensitively from a raw request.
func headerValue(req []byte, name string) (string, bool) {
	for _, line := range strings.Split(string(req), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Upgrade performs the server side of the WebSocket opening handshake on a
// raw connection: read the HTTP request, validate Sec-WebSocket-Key, write
// 101 Switching Protocols. On error the caller closes the connection
// without a response.
func Upgrade(rw io.ReadWriter) error {
	req, err := readRequest(rw)
	if err != nil {
		return err
	}

	key, ok := headerValue(req, "Sec-WebSocket-Key")
	if !ok || key == "" {
		return ErrMissingKey
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	if _, err := io.WriteString(rw, resp); err != nil {
		return fmt.Errorf("wire: write handshake response: %w", err)
	}
	return nil
}

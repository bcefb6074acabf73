package lsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// JSON-RPC and LSP error codes.
const (
	codeParseError           = -32700
	codeInvalidRequest       = -32600
	codeMethodNotFound       = -32601
	codeInvalidParams        = -32602
	codeInternalError        = -32603
	codeServerNotInitialized = -32002
)

// maxMessageSize rejects absurd Content-Length values before allocating.
const maxMessageSize = 256 << 20

var errNoContentLength = errors.New("missing Content-Length header")

// readMessage reads one base-protocol frame: a header block ended by an
// empty line, then exactly Content-Length bytes of payload. Header names
// are matched case-insensitively; headers other than Content-Length are
// ignored.
func readMessage(r *bufio.Reader) ([]byte, error) {
	header, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	raw := header.Get("Content-Length")
	if raw == "" {
		return nil, errNoContentLength
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	switch {
	case err != nil:
		return nil, fmt.Errorf("invalid Content-Length %q: %w", raw, err)
	case n < 0 || n > maxMessageSize:
		return nil, fmt.Errorf("content length %d out of range", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeMessage(w io.Writer, payload []byte) error {
	frame := make([]byte, 0, len(payload)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(payload)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
)

// Stream framing: every message is prefixed with its unsigned-varint
// length. The payload is canonical CBOR.

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > constants.MaxMessageSize {
		return fmt.Errorf("message exceeds %d bytes", constants.MaxMessageSize)
	}

	buf := varint.ToUvarint(uint64(len(payload)))
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadMessage reads and decodes one length-delimited message.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if size > constants.MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	var m Message
	if err := m.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

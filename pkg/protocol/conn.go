package protocol

import (
	"bytes"
	"compress/gzip"
	"io"
	"net"
	"sync"
	"time"
)

// Conn frames messages over a stream connection. Reads are single-owner;
// writes are serialized by an internal mutex so heartbeat and data paths
// can share one socket.
type Conn struct {
	raw     net.Conn
	writeMu sync.Mutex
}

// NewConn wraps a stream connection
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr reports the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// SetReadDeadline sets the read deadline on the underlying connection
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Write sends one frame pair. The payload is compressed when the header
// flags say so.
func (c *Conn) Write(m Message) error {
	payload := m.Payload
	if m.Header.Flags.Compressed() {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return protoErrorf("compress payload: %v", err)
		}
		if err := zw.Close(); err != nil {
			return protoErrorf("compress payload: %v", err)
		}
		payload = buf.Bytes()
	}
	m.Header.Version = Version
	m.Header.PayloadLength = uint32(len(payload))
	header := EncodeHeader(m.Header)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.raw.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Read receives one frame pair. A malformed header or a body that does
// not match payload_length yields a protocol error; the caller must
// reset the session.
func (c *Conn) Read() (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
		return Message{}, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(c.raw, payload); err != nil {
			return Message{}, protoErrorf("short payload for %s: %v", h.Op, err)
		}
	}

	if h.Flags.Compressed() {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return Message{}, protoErrorf("decompress %s payload: %v", h.Op, err)
		}
		decompressed, err := io.ReadAll(io.LimitReader(zr, MaxPayload+1))
		if err != nil {
			return Message{}, protoErrorf("decompress %s payload: %v", h.Op, err)
		}
		if len(decompressed) > MaxPayload {
			return Message{}, protoErrorf("decompressed payload exceeds limit")
		}
		payload = decompressed
	}

	return Message{Header: h, Payload: payload}, nil
}

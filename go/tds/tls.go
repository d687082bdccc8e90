/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tds

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"
)

// tunnelConn adapts the raw socket for the encryption handshake, whose
// records must travel inside protocol frames while the handshake is in
// progress.
//
// Outgoing handshake bytes are buffered and flushed as a single
// pre-login frame only when a read is about to block, coalescing the
// handshake records the way servers expect them. Incoming reads pull
// one frame off the socket, hand back up to the requested byte count
// and retain the remainder for the next read.
//
// Once the handshake completes, the framing is switched off and all
// further traffic passes straight through to the socket: the encrypted
// channel itself is no longer wrapped in frames at this layer.
type tunnelConn struct {
	raw net.Conn

	handshakeDone bool

	outBuf []byte
	inBuf  []byte
}

func (t *tunnelConn) Write(p []byte) (int, error) {
	if t.handshakeDone {
		return t.raw.Write(p)
	}
	t.outBuf = append(t.outBuf, p...)
	return len(p), nil
}

func (t *tunnelConn) Read(p []byte) (int, error) {
	if t.handshakeDone {
		return t.raw.Read(p)
	}
	if len(t.inBuf) == 0 {
		// About to block: flush the pending handshake bytes first.
		if err := t.flush(); err != nil {
			return 0, err
		}
		pkt, err := t.readFrame()
		if err != nil {
			return 0, err
		}
		t.inBuf = pkt
	}
	n := copy(p, t.inBuf)
	t.inBuf = t.inBuf[n:]
	return n, nil
}

// flush sends the buffered outgoing handshake bytes as one frame.
func (t *tunnelConn) flush() error {
	if len(t.outBuf) == 0 {
		return nil
	}
	pkt := &Packet{
		Type:    PacketPrelogin,
		EOM:     true,
		SeqID:   1,
		Payload: t.outBuf,
	}
	_, err := t.raw.Write(pkt.Serialize())
	t.outBuf = t.outBuf[:0]
	return err
}

// readFrame reads one frame's payload off the socket.
func (t *tunnelConn) readFrame() ([]byte, error) {
	header := make([]byte, packetHeaderSize)
	if _, err := io.ReadFull(t.raw, header); err != nil {
		return nil, err
	}
	length := int(header[2])<<8 | int(header[3])
	if length < packetHeaderSize || length > MaxPacketSize {
		return nil, NewProtoError(ERMalformedFrame, "frame length %v out of range", length)
	}
	payload := make([]byte, length-packetHeaderSize)
	if _, err := io.ReadFull(t.raw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *tunnelConn) Close() error                       { return t.raw.Close() }
func (t *tunnelConn) LocalAddr() net.Addr                { return t.raw.LocalAddr() }
func (t *tunnelConn) RemoteAddr() net.Addr               { return t.raw.RemoteAddr() }
func (t *tunnelConn) SetDeadline(d time.Time) error      { return t.raw.SetDeadline(d) }
func (t *tunnelConn) SetReadDeadline(d time.Time) error  { return t.raw.SetReadDeadline(d) }
func (t *tunnelConn) SetWriteDeadline(d time.Time) error { return t.raw.SetWriteDeadline(d) }

// startTLS performs the encryption handshake over the frame tunnel and
// swaps the connection's transport for the encrypted channel.
func (c *Conn) startTLS(target *ConnParams) error {
	tunnel := &tunnelConn{raw: c.conn}

	cfg := target.TLSConfig
	if cfg == nil {
		host := target.Host
		if i := strings.IndexByte(host, '\\'); i >= 0 {
			host = host[:i]
		}
		cfg = &tls.Config{ServerName: host}
	}

	tlsConn := tls.Client(tunnel, cfg)
	if target.ConnectTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(target.ConnectTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := tlsConn.Handshake(); err != nil {
		return NewProtoError(EREncryptionHandshakeFailed, "encryption handshake failed: %v", err)
	}
	// The client's final flight is written after the last read of the
	// handshake, so it is still buffered here.
	if err := tunnel.flush(); err != nil {
		return NewProtoError(EREncryptionHandshakeFailed, "encryption handshake failed: %v", err)
	}

	// The frame wrapping is over; encrypted records now flow directly.
	tunnel.handshakeDone = true
	c.conn = tlsConn
	c.encrypted = true
	return nil
}

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
	"net"
	"strconv"
	"strings"
	"time"
)

// ConnParams contains the parameters to connect to a server.
type ConnParams struct {
	// Host is the server host, optionally carrying an instance-name
	// suffix separated by a backslash. The suffix is stripped before
	// DNS resolution but preserved in the login record's server-name
	// field.
	Host string
	Port int

	User     string
	Database string
	AppName  string

	// Encryption is the client's encryption preference for pre-login
	// negotiation.
	Encryption EncryptionLevel

	// TLSConfig is used for the encryption handshake when encryption is
	// negotiated. Nil selects a config that verifies the server
	// certificate against the host name.
	TLSConfig *tls.Config

	// PacketSize is the frame size requested at login. Zero selects
	// DefaultPacketSize. The server may renegotiate it.
	PacketSize int

	// ConnectTimeout bounds the TCP connect and the whole handshake.
	ConnectTimeout time.Duration

	// CancelAckTimeout bounds the wait for a cancel acknowledgement.
	// Zero selects 5 seconds.
	CancelAckTimeout time.Duration
}

// address returns the dialable host:port, with any instance-name
// suffix stripped from the host.
func (cp *ConnParams) address() string {
	host := cp.Host
	if i := strings.IndexByte(host, '\\'); i >= 0 {
		host = host[:i]
	}
	port := cp.Port
	if port == 0 {
		port = 1433
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// serverName returns the value of the login record's server-name
// field: the configured host including any instance-name suffix.
func (cp *ConnParams) serverName() string {
	return cp.Host
}

func (cp *ConnParams) packetSize() int {
	switch {
	case cp.PacketSize == 0:
		return DefaultPacketSize
	case cp.PacketSize < MinPacketSize:
		return MinPacketSize
	case cp.PacketSize > MaxPacketSize:
		return MaxPacketSize
	}
	return cp.PacketSize
}

func (cp *ConnParams) cancelAckTimeout() time.Duration {
	if cp.CancelAckTimeout == 0 {
		return 5 * time.Second
	}
	return cp.CancelAckTimeout
}

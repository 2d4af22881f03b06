// Copyright (c) 2022 Rocky Yang
// Copyright (c) 2020 Andy Pan
// Copyright (c) 2017 Max Riveiro
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package socket creates the raw stream socket descriptors used by uringio
// channels: listening sockets bound with SO_REUSEADDR/SO_REUSEPORT and
// unconnected outbound sockets whose connect is performed by the ring.
package socket

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

type NetAddressType string

const (
	Tcp  NetAddressType = "tcp"
	Tcp4 NetAddressType = "tcp4"
	Tcp6 NetAddressType = "tcp6"
)

// MaxBacklog caps the listen backlog, like the kernel's somaxconn ceiling.
const MaxBacklog = 65535

// DefaultBacklog is used when a listener is created without an explicit backlog.
const DefaultBacklog = MaxBacklog

var (
	// ErrInvalidPort occurs when a port is outside 0-65535.
	ErrInvalidPort = errors.New("socket: port out of range")
	// ErrInvalidBacklog occurs when a backlog is not positive.
	ErrInvalidBacklog = errors.New("socket: backlog must be positive")
	// ErrInvalidAddress occurs when an address is not an IP literal.
	ErrInvalidAddress = errors.New("socket: invalid IP address")
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockOpt func(int, int) error
	Opt        int
}

// TCPSocketOpt is the type of TCP socket options.
type TCPSocketOpt int

// Available TCP socket options.
const (
	TCPNoDelay TCPSocketOpt = iota
	TCPDelay
)

// SocketOptions are configurations for sockets creation.
type SocketOptions struct {
	// ReuseAddr indicates whether to set up the SO_REUSEADDR socket option.
	ReuseAddr bool

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	ReusePort bool

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	//
	// The default is true (no delay), meaning that data is sent
	// as soon as possible after a write operation.
	TCPNoDelay TCPSocketOpt

	// SocketRecvBuffer sets the maximum socket receive buffer in bytes.
	SocketRecvBuffer int

	// SocketSendBuffer sets the maximum socket send buffer in bytes.
	SocketSendBuffer int
}

// DefaultOptions are the options listeners and outbound sockets get when the
// caller does not pass any.
var DefaultOptions = SocketOptions{ReuseAddr: true, ReusePort: true, TCPNoDelay: TCPNoDelay}

func SetOptions(network string, options SocketOptions) []Option {
	var sockOpts []Option
	if options.ReusePort {
		sockOpt := Option{SetSockOpt: SetReuseport, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.ReuseAddr {
		sockOpt := Option{SetSockOpt: SetReuseAddr, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.TCPNoDelay == TCPNoDelay && strings.HasPrefix(network, "tcp") {
		sockOpt := Option{SetSockOpt: SetNoDelay, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.SocketRecvBuffer > 0 {
		sockOpt := Option{SetSockOpt: SetRecvBuffer, Opt: options.SocketRecvBuffer}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.SocketSendBuffer > 0 {
		sockOpt := Option{SetSockOpt: SetSendBuffer, Opt: options.SocketSendBuffer}
		sockOpts = append(sockOpts, sockOpt)
	}
	return sockOpts
}

// ResolveTCP validates an IP literal and port pair. An empty address means the
// IPv4 loopback.
func ResolveTCP(address string, port int) (*net.TCPAddr, error) {
	if port < 0 || port > 65535 {
		return nil, errors.Wrapf(ErrInvalidPort, "%d", port)
	}
	if address == "" {
		address = "127.0.0.1"
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q", address)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// Network returns tcp4 or tcp6 for the address family of addr.
func Network(addr *net.TCPAddr) NetAddressType {
	if addr.IP.To4() != nil {
		return Tcp4
	}
	return Tcp6
}

// ListenTCP creates a socket bound to address:port and listening with backlog.
// It returns the descriptor and the bound address, which carries the kernel
// chosen port when port is 0.
func ListenTCP(address string, port, backlog int, sockOpts ...Option) (int, *net.TCPAddr, error) {
	if backlog <= 0 {
		return -1, nil, errors.Wrapf(ErrInvalidBacklog, "%d", backlog)
	}
	if backlog > MaxBacklog {
		backlog = MaxBacklog
	}
	addr, err := ResolveTCP(address, port)
	if err != nil {
		return -1, nil, err
	}
	return tcpSocket(addr, true, backlog, sockOpts...)
}

// TCPSocket creates an unbound, unconnected stream socket of the family of
// address:port. The ring connects it later.
func TCPSocket(address string, port int, sockOpts ...Option) (int, *net.TCPAddr, error) {
	addr, err := ResolveTCP(address, port)
	if err != nil {
		return -1, nil, err
	}
	return tcpSocket(addr, false, 0, sockOpts...)
}

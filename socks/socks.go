// Package socks implements the SOCKS5 front-end: it terminates a client TCP
// stream, drives a circuit to a chosen exit, and bridges the two streams
// bidirectionally.
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rivergate/shadowcircuit/circuit"
	"github.com/rivergate/shadowcircuit/xerr"
)

const maxConns = 256

// numHops is the length of circuit this proxy builds for each new session.
const numHops = 3

// handshakeDeadline bounds SOCKS5 method negotiation plus the CONNECT
// request; circuit build and stream relay run without a deadline of their
// own (the circuit manager's handshake timeouts cover that phase).
const handshakeDeadline = 2 * time.Minute

// Manager is the subset of circuit.Manager the proxy needs: it never reaches
// into directory selection or transport dialing directly.
type Manager interface {
	CreateCircuit(ctx context.Context, numHops int) (circuit.ID, error)
	GetState(id circuit.ID) (circuit.State, error)
	BeginStream(id circuit.ID, target string) error
	Send(id circuit.ID, data []byte) error
	Recv(id circuit.ID) ([]byte, error)
	MaxPayload(id circuit.ID) (int, error)
	Teardown(id circuit.ID) error
}

// Server is a SOCKS5 proxy that routes traffic through onion-routing
// circuits. Each accepted connection builds (or, per spec's discretion
// clause, could reuse) a fresh circuit for its own CONNECT target.
type Server struct {
	Addr    string
	Circuit Manager
	Logger  *slog.Logger

	ln  net.Listener
	sem chan struct{}
}

// ListenAndServe binds Addr (must be loopback) and serves until Accept fails.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("socks: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, which the caller may have already bound
// (letting it resolve a ":0" ephemeral port before this call).
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
		return fmt.Errorf("socks: must bind to loopback, got %s", tcpAddr.IP)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("SOCKS5 proxy listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socks: accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections. In-flight sessions are left to
// drain on their own.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeDeadline))

	if err := doHandshake(conn); err != nil {
		s.Logger.Debug("SOCKS5 handshake failed", "error", err)
		return
	}

	target, err := readConnect(conn)
	if err != nil {
		s.Logger.Debug("SOCKS5 CONNECT request failed", "error", err)
		return
	}
	s.Logger.Info("SOCKS5 CONNECT", "target", target)

	id, err := s.Circuit.CreateCircuit(context.Background(), numHops)
	if err != nil {
		s.Logger.Error("circuit build failed", "error", err)
		sendReply(conn, replyCodeFor(err))
		return
	}

	if err := s.Circuit.BeginStream(id, target); err != nil {
		s.Logger.Error("stream open failed", "target", target, "error", err)
		sendReply(conn, replyCodeFor(err))
		_ = s.Circuit.Teardown(id)
		return
	}
	defer func() { _ = s.Circuit.Teardown(id) }()

	sendReply(conn, replySucceeded)
	_ = conn.SetDeadline(time.Time{})

	s.relay(conn, id)
}

// relay bridges conn and the circuit's stream bidirectionally: client bytes
// are packetised into relay-data cells sized to the circuit's per-cell
// capacity, and inbound relay-data payloads are written back to conn as
// they arrive. When the client side ends, the stream is closed toward the
// exit with RELAY_END (if the Manager offers CloseStream); when the circuit
// side ends, conn's write half is closed. The session ends once both
// directions have returned.
func (s *Server) relay(conn net.Conn, id circuit.ID) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.copyToCircuit(conn, id)
		if cs, ok := s.Circuit.(interface{ CloseStream(circuit.ID) error }); ok {
			_ = cs.CloseStream(id)
		}
	}()
	go func() {
		defer wg.Done()
		s.copyFromCircuit(conn, id)
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = hc.CloseWrite()
		}
	}()
	wg.Wait()
}

func (s *Server) copyToCircuit(conn net.Conn, id circuit.ID) {
	maxLen, err := s.Circuit.MaxPayload(id)
	if err != nil {
		return
	}
	buf := make([]byte, maxLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := s.Circuit.Send(id, buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) copyFromCircuit(conn net.Conn, id circuit.ID) {
	for {
		data, err := s.Circuit.Recv(id)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func doHandshake(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return xerr.New(xerr.InputFormat, "socks.doHandshake", fmt.Errorf("read version: %w", err))
	}
	if hdr[0] != 0x05 {
		return xerr.New(xerr.InputFormat, "socks.doHandshake", fmt.Errorf("unsupported SOCKS version %d", hdr[0]))
	}
	nMethods := int(hdr[1])
	if nMethods == 0 {
		return xerr.New(xerr.InputFormat, "socks.doHandshake", fmt.Errorf("no methods offered"))
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return xerr.New(xerr.InputFormat, "socks.doHandshake", fmt.Errorf("read methods: %w", err))
	}

	found := false
	for _, m := range methods {
		if m == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF})
		return xerr.New(xerr.InputFormat, "socks.doHandshake", fmt.Errorf("no-auth not offered"))
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

func readConnect(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", xerr.New(xerr.InputFormat, "socks.readConnect", fmt.Errorf("read request header: %w", err))
	}
	if hdr[0] != 0x05 {
		return "", xerr.New(xerr.InputFormat, "socks.readConnect", fmt.Errorf("bad version %d", hdr[0]))
	}
	if hdr[1] != 0x01 {
		sendReply(conn, replyCmdNotSupported)
		return "", xerr.New(xerr.InputFormat, "socks.readConnect", fmt.Errorf("unsupported command %d", hdr[1]))
	}

	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	case 0x03: // domain name
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", err
		}
		if len(domain) == 0 {
			return "", xerr.New(xerr.InputFormat, "socks.readConnect", fmt.Errorf("empty domain name"))
		}
		host = string(domain)
	case 0x04: // IPv6
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	default:
		sendReply(conn, replyAddrNotSupported)
		return "", xerr.New(xerr.InputFormat, "socks.readConnect", fmt.Errorf("unknown address type %d", hdr[3]))
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return fmt.Sprintf("%s:%d", host, port), nil
}

// SOCKS5 reply codes (RFC 1928 §6).
const (
	replySucceeded        = 0x00
	replyGeneralFailure   = 0x01
	replyHostUnreachable  = 0x04
	replyConnRefused      = 0x05
	replyCmdNotSupported  = 0x07
	replyAddrNotSupported = 0x08
)

// replyCodeFor maps a circuit/stream failure's xerr.Kind to the SOCKS5 reply
// code that best describes it to the client.
func replyCodeFor(err error) byte {
	switch {
	case xerr.Is(err, xerr.Directory):
		return replyHostUnreachable
	case xerr.Is(err, xerr.Network):
		return replyConnRefused
	default:
		return replyGeneralFailure
	}
}

func sendReply(conn net.Conn, rep byte) {
	// VER(1) REP(1) RSV(1) ATYP(1) BND.ADDR(4) BND.PORT(2), bound to
	// 0.0.0.0:0 since this proxy never exposes a routable bind address.
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}

package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sender transmits raw packets to a fixed UDP target.
type Sender struct {
	conn   *net.UDPConn
	target *net.UDPAddr
	log    *logrus.Entry

	mu     sync.Mutex // protects conn against a concurrent Close
	closed bool
}

// NewSender dials the target address, given as "host:port".
func NewSender(targetAddress string) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("udp sender: resolving %q: %w", targetAddress, err)
	}

	// No local bind needed for sending; the kernel picks a source port.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp sender: dialing %q: %w", targetAddress, err)
	}

	log := logrus.WithField("component", "udp")
	log.WithField("target", conn.RemoteAddr().String()).Info("udp sender ready")

	return &Sender{
		conn:   conn,
		target: udpAddr,
		log:    log,
	}, nil
}

// Send transmits data as one UDP packet. Safe for concurrent use,
// though the publisher calls it from a single goroutine.
func (s *Sender) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("udp sender: closed")
	}
	// Hold the lock through the write so Close cannot pull the
	// connection out from under it.
	_, err := s.conn.Write(data)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("udp sender: sending packet: %w", err)
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		if err != nil {
			return fmt.Errorf("udp sender: closing connection: %w", err)
		}
	}
	return nil
}

var _ interface{ Close() error } = (*Sender)(nil)

package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Serial reads packets from a serial device such as a BLE UART bridge or an
// rfcomm port. Packets are separated by newlines, whitespace or ';'.
type Serial struct {
	baud   int
	open   func(*serial.Config) (io.ReadWriteCloser, error)
	logger *slog.Logger

	mu       sync.Mutex
	port     io.ReadWriteCloser
	address  string
	receiver Receiver
}

// WithSerialLogger sets the logger used for connection events.
func WithSerialLogger(logger *slog.Logger) func(*Serial) {
	return func(s *Serial) {
		s.logger = logger.With(slog.String("component", "serial-link"))
	}
}

func NewSerial(baud int, options ...func(*Serial)) *Serial {
	s := Serial{
		baud: baud,
		open: func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(c)
		},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		receiver: nopReceiver,
	}
	for _, option := range options {
		option(&s)
	}
	return &s
}

func (s *Serial) SetReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = r
}

type openResult struct {
	port io.ReadWriteCloser
	err  error
}

// Connect opens the device at address. addressType is not used by serial
// devices.
func (s *Serial) Connect(ctx context.Context, address, _ string, timeout time.Duration) error {
	done := make(chan openResult, 1)
	go func() {
		p, err := s.open(&serial.Config{Name: address, Baud: s.baud})
		done <- openResult{p, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-done:
		if r.err != nil {
			return &ConnectionError{Address: address, Op: "open", wrapped: r.err}
		}
		s.mu.Lock()
		s.port, s.address = r.port, address
		s.mu.Unlock()
		s.logger.Info("connected", slog.String("address", address), slog.Int("baud", s.baud))
		return nil
	case <-timer.C:
		err = context.DeadlineExceeded
	case <-ctx.Done():
		err = ctx.Err()
	}

	// the open may still complete; release the port when it does
	go func() {
		if r := <-done; r.err == nil {
			r.port.Close()
		}
	}()
	return &ConnectionError{Address: address, Op: "open", wrapped: err}
}

func (s *Serial) Run(ctx context.Context) error {
	s.mu.Lock()
	port, address, receive := s.port, s.address, s.receiver
	s.mu.Unlock()
	if port == nil {
		return &ConnectionError{Address: address, Op: "read", wrapped: errors.New("not connected")}
	}

	stop := context.AfterFunc(ctx, func() { s.Disconnect() })
	defer stop()

	scanner := bufio.NewScanner(port)
	scanner.Split(splitPackets)
	for scanner.Scan() {
		receive(scanner.Bytes())
	}
	if ctx.Err() != nil {
		return nil
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	return &ConnectionError{Address: address, Op: "read", wrapped: err}
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	port, address := s.port, s.address
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	s.logger.Info("disconnected", slog.String("address", address))
	return port.Close()
}

func isDelimiter(b byte) bool {
	switch b {
	case '\n', '\r', ' ', '\t', ';', 0:
		return true
	}
	return false
}

// splitPackets is a bufio.SplitFunc yielding non-empty delimited tokens.
func splitPackets(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && isDelimiter(data[start]) {
		start++
	}
	for i := start; i < len(data); i++ {
		if isDelimiter(data[i]) {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

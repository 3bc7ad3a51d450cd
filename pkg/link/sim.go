package link

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// Sim produces synthetic IMU packets: six packets per period describing a
// slow oscillation, in the format the wearable firmware sends.
type Sim struct {
	period time.Duration

	mu        sync.Mutex
	receiver  Receiver
	connected bool
	phase     float64
}

func NewSim(period time.Duration) *Sim {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Sim{period: period, receiver: nopReceiver}
}

func (s *Sim) SetReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = r
}

func (s *Sim) Connect(ctx context.Context, _, _ string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Address: "simulation", Op: "connect", wrapped: err}
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.emit()
		}
	}
}

func (s *Sim) emit() {
	s.mu.Lock()
	receive, connected := s.receiver, s.connected
	s.phase += 0.1
	phase := s.phase
	s.mu.Unlock()
	if !connected {
		return
	}
	for _, p := range simPackets(phase) {
		receive(p)
	}
}

func simPackets(phase float64) [][]byte {
	values := [6]float64{
		0.3 * math.Sin(phase),
		0.3 * math.Cos(phase),
		9.81 + 0.05*math.Sin(2*phase),
		12 * math.Cos(phase),
		4 * math.Sin(phase/2),
		-6 * math.Sin(phase),
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		p := strconv.AppendInt(nil, int64(i), 10)
		p = append(p, '#')
		out[i] = strconv.AppendFloat(p, v, 'f', 6, 64)
	}
	return out
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
)

// MeasurementProvider hands out the most recent measurement. The bool
// reports whether any measurement has been produced yet.
type MeasurementProvider interface {
	LatestMeasurement() (analysis.Measurement, bool)
}

// Publisher periodically fetches the latest measurement, packs it into
// a fixed binary layout, and sends it over UDP. It runs in its own
// goroutine managed by Start and Stop.
type Publisher struct {
	sender   *Sender
	provider MeasurementProvider
	interval time.Duration
	log      *logrus.Entry

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // protects ticker and doneChan across Start/Stop

	sequence uint32

	packetBuffer *bytes.Buffer // reused for every packet
}

// NewPublisher creates a publisher sending one packet per interval.
// An interval of 0 or below falls back to 33ms (~30Hz).
func NewPublisher(interval time.Duration, sender *Sender, provider MeasurementProvider) (*Publisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("udp publisher: sender cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("udp publisher: measurement provider cannot be nil")
	}

	log := logrus.WithField("component", "udp")
	if interval <= 0 {
		interval = 33 * time.Millisecond
		log.WithField("interval", interval).Warn("invalid publish interval, using default")
	}

	return &Publisher{
		sender:       sender,
		provider:     provider,
		interval:     interval,
		log:          log,
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Start launches the publishing goroutine. Calling Start while running
// is a no-op.
func (p *Publisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		p.log.Warn("publisher already running")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	// Captured locally so the goroutine never races Start/Stop over
	// the struct fields.
	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.WithField("interval", p.interval).Info("udp publisher started")
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the goroutine to exit and waits for it. Safe to call
// more than once, or without a prior Start.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("udp publisher stopped")
	return nil
}

/*
UDP packet layout (BigEndian):

| Field        | Type    | Size | Description                             |
|--------------|---------|------|-----------------------------------------|
| Sequence     | uint32  | 4    | Packet counter, wraps around            |
| Timestamp    | int64   | 8    | Measurement time, ns since epoch        |
| Flags        | uint8   | 1    | Bit 0 set on a note onset               |
| Loudness     | uint8   | 1    | 0 silent, 1 low, 2 optimal, 3 high,     |
|              |         |      | 4 clipping                              |
| Frequency    | float32 | 4    | Smoothed pitch in Hz, 0 when unvoiced   |
| RawFrequency | float32 | 4    | Pitch before smoothing, in Hz           |
| Clarity      | float32 | 4    | Pitch confidence in [0, 1]              |
| RMSLevel     | float32 | 4    | RMS level in dBFS                       |
| PeakLevel    | float32 | 4    | Peak level in dBFS                      |
| Confidence   | float32 | 4    | Volume confidence weight in [0, 1]      |

38 bytes per packet.
*/

// buildAndSendPacket fetches the latest measurement, packs it, and
// sends it. Runs once per ticker interval.
func (p *Publisher) buildAndSendPacket() {
	m, ok := p.provider.LatestMeasurement()
	if !ok {
		return // nothing measured yet
	}

	var flags uint8
	if m.Onset {
		flags |= 1
	}
	// The loudness class is a pure function of the RMS level, so the
	// packet re-derives it instead of carrying the string form.
	loudness := uint8(analysis.ClassifyLoudness(m.RMSDB))

	p.sequence++
	p.packetBuffer.Reset()

	err := binary.Write(p.packetBuffer, binary.BigEndian, p.sequence)
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, m.TimestampNS)
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, flags)
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, loudness)
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.FrequencyHz))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.RawFrequency))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.Clarity))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.RMSDB))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.PeakDB))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, float32(m.Confidence))
	}
	if err != nil {
		p.log.WithError(err).Error("packing measurement packet")
		return
	}

	if err := p.sender.Send(p.packetBuffer.Bytes()); err != nil {
		p.log.WithError(err).Debug("sending measurement packet")
		return
	}
	p.log.WithField("sequence", p.sequence).Trace("sent measurement packet")
}

// Close implements io.Closer by stopping the publisher.
func (p *Publisher) Close() error {
	return p.Stop()
}

var _ interface{ Close() error } = (*Publisher)(nil)

// SPDX-License-Identifier: MIT
package transfer

import (
	"sync/atomic"
	"time"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/smooth"
)

// Envelope wraps every message crossing the context boundary. The id
// is monotonic across the process and, together with the timestamp, is
// how consumers observe ordering and staleness; individual messages
// carry no timeouts.
type Envelope struct {
	ID        uint64
	Timestamp int64 // UnixNano
	Payload   any
}

var messageID atomic.Uint64

// NewEnvelope stamps a payload with the next message id.
func NewEnvelope(payload any) Envelope {
	return Envelope{
		ID:        messageID.Add(1),
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}
}

// ControlMessage marks the closed set of messages flowing from the
// consumer side into the engine: lifecycle, configuration updates, and
// buffer returns.
type ControlMessage interface{ isControl() }

// DataMessage marks the closed set of messages flowing from the engine
// out to the consumer side.
type DataMessage interface{ isData() }

// StartProcessing asks the engine to begin emitting batches.
type StartProcessing struct{}

// StopProcessing asks the engine to stop emitting batches once the
// current callback completes. In-flight buffers still drain through
// the normal return path.
type StopProcessing struct{}

// SmootherTarget selects which smoothing pipeline an update addresses.
type SmootherTarget int

const (
	SmoothFrequency SmootherTarget = iota
	SmoothClarity
)

// String returns the lower-case target name.
func (t SmootherTarget) String() string {
	switch t {
	case SmoothFrequency:
		return "frequency"
	case SmoothClarity:
		return "clarity"
	default:
		return "unknown"
	}
}

// UpdateSmoothing replaces one smoothing pipeline's configuration. The
// update is validated on apply and rejected whole on invalid input.
type UpdateSmoothing struct {
	Target SmootherTarget
	Config smooth.Config
}

// UpdateAnalyzer replaces the block extraction configuration. The
// window function applies live; block size and overlap are structural
// and only apply while processing is stopped.
type UpdateAnalyzer struct {
	Config analysis.BlockConfig
}

// UpdateVolume replaces the volume detector configuration; all of its
// fields apply live.
type UpdateVolume struct {
	Config analysis.VolumeConfig
}

// UpdateBatching changes how many blocks are coalesced per transfer.
// Structural; applies only while processing is stopped.
type UpdateBatching struct {
	BatchSize int
}

// ReturnBuffer hands transferred storage back for reclamation once the
// consumer has finished reading it.
type ReturnBuffer struct {
	ID      uint32
	Storage []float32
}

func (StartProcessing) isControl() {}
func (StopProcessing) isControl()  {}
func (UpdateSmoothing) isControl() {}
func (UpdateAnalyzer) isControl()  {}
func (UpdateVolume) isControl()    {}
func (UpdateBatching) isControl()  {}
func (ReturnBuffer) isControl()    {}

// ProcessorReady advertises the negotiated batch size and rate once
// the engine is configured and the pool is provisioned.
type ProcessorReady struct {
	BatchSize  int
	SampleRate float64
}

// ProcessingStarted confirms the engine is emitting batches.
type ProcessingStarted struct{}

// ProcessingStopped confirms the engine has stopped emitting batches.
type ProcessingStopped struct{}

// AudioDataBatch carries one transferred buffer to the consumer. The
// samples slice is the moved pool storage; the consumer owns it until
// it comes back through a ReturnBuffer.
type AudioDataBatch struct {
	BufferID    uint32
	Samples     []float32
	SampleRate  float64
	BlockSize   int // analysis block length the samples were extracted with
	SampleCount int
	TimestampNS int64
	Sequence    uint64
	PoolStats   *Stats // bundled after new drops, nil otherwise
}

func (ProcessorReady) isData()    {}
func (ProcessingStarted) isData() {}
func (ProcessingStopped) isData() {}
func (AudioDataBatch) isData()    {}
func (*ProcessingError) isData()  {}

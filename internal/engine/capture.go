// SPDX-License-Identifier: MIT
package engine

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/mandersson1024/intonation-toy-sub007/internal/analysis"
	"github.com/mandersson1024/intonation-toy-sub007/internal/config"
)

// InitializeAudio sets up the PortAudio subsystem. It must be called
// before any capture operation and paired with TerminateAudio.
func InitializeAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// TerminateAudio shuts down the PortAudio subsystem. Defer it right
// after a successful InitializeAudio.
func TerminateAudio() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// InputDevice resolves a capture device by ID. An ID of -1 selects the
// system default input device.
func InputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == -1 {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", deviceID)
	}
	return devices[deviceID], nil
}

// Capture owns the PortAudio input stream and forwards each quantum to
// the engine as mono samples.
type Capture struct {
	engine   *Engine
	device   *portaudio.DeviceInfo
	latency  time.Duration
	channels int
	stream   *portaudio.Stream
	mono     []float32
}

// NewCapture resolves the device and pre-allocates the mixdown
// scratch. PortAudio must already be initialized.
func NewCapture(cfg config.AudioConfig, eng *Engine) (*Capture, error) {
	device, err := InputDevice(cfg.InputDevice)
	if err != nil {
		return nil, err
	}
	channels := cfg.InputChannels
	if channels < 1 {
		channels = 1
	}
	if channels > device.MaxInputChannels {
		return nil, fmt.Errorf("device %q has %d input channels, %d requested",
			device.Name, device.MaxInputChannels, channels)
	}

	c := &Capture{
		engine:   eng,
		device:   device,
		channels: channels,
		mono:     make([]float32, analysis.Quantum),
	}
	if cfg.LowLatency {
		c.latency = device.DefaultLowInputLatency
	} else {
		c.latency = device.DefaultHighInputLatency
	}
	return c, nil
}

// Start opens and starts the input stream.
func (c *Capture) Start() error {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: c.channels,
			Device:   c.device,
			Latency:  c.latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0,
			Device:   nil,
		},
		FramesPerBuffer: analysis.Quantum,
		SampleRate:      c.engine.sampleRate,
	}

	stream, err := portaudio.OpenStream(params, c.processInput)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	c.stream = stream

	if err := c.stream.Start(); err != nil {
		c.stream.Close()
		c.stream = nil
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	return nil
}

// processInput is the real-time capture callback. Interleaved channels
// are averaged into the pre-allocated scratch before the push; nothing
// here allocates.
func (c *Capture) processInput(in []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if c.channels == 1 {
		c.engine.PushSamples(in)
		return
	}

	frames := len(in) / c.channels
	if frames > len(c.mono) {
		frames = len(c.mono)
	}
	inv := 1.0 / float32(c.channels)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * c.channels
		for ch := 0; ch < c.channels; ch++ {
			sum += in[base+ch]
		}
		c.mono[f] = sum * inv
	}
	c.engine.PushSamples(c.mono[:frames])
}

// Stop stops and closes the stream. Safe to call when never started.
func (c *Capture) Stop() error {
	if c.stream == nil {
		return nil
	}
	if err := c.stream.Stop(); err != nil {
		return err
	}
	if err := c.stream.Close(); err != nil {
		return err
	}
	c.stream = nil
	return nil
}

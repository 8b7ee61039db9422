package mic

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/audio"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
)

const DEFAULT_BLOCK_QUEUE = 8

// Microphone captures mono float32 blocks from the default input device.
type Microphone struct {
	SampleRate      float64 // 0 = device default
	FramesPerBuffer int

	logger  *zap.Logger
	dropped atomic.Uint64
}

func NewMicrophone(sampleRate float64, framesPerBuffer int, logger *zap.Logger) *Microphone {
	if framesPerBuffer <= 0 {
		framesPerBuffer = level.DefaultBlockSize
	}
	return &Microphone{
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
		logger:          logger,
	}
}

// Dropped counts blocks discarded because the consumer fell behind.
func (m *Microphone) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Microphone) Watch(ctx context.Context, deliver func(level.SampleBlock), advise func(error)) error {
	if err := portaudio.Initialize(); err != nil {
		return openError("initializing audio subsystem", err)
	}
	defer portaudio.Terminate()

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return openError("no default input device", err)
	}
	if device == nil || device.MaxInputChannels < 1 {
		return sensor.ErrUnavailable(sensor.Microphone, "default device has no input channels", nil)
	}

	sampleRate := m.SampleRate
	if sampleRate <= 0 {
		sampleRate = device.DefaultSampleRate
	}

	blocks := make(chan level.SampleBlock, DEFAULT_BLOCK_QUEUE)

	// runs on the audio thread: copy and hand off, never block
	callback := func(in []float32) {
		block := make(level.SampleBlock, len(in))
		copy(block, in)
		select {
		case blocks <- block:
		default:
			m.dropped.Add(1)
		}
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, m.FramesPerBuffer, callback)
	if err != nil {
		return openError("opening input stream", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return openError("starting input stream", err)
	}
	defer stream.Stop()

	m.logger.Info("[microphone] capturing",
		zap.String("device", device.Name),
		zap.Float64("sampleRate", sampleRate),
		zap.Int("framesPerBuffer", m.FramesPerBuffer),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("[microphone] stopping capture", zap.Uint64("droppedBlocks", m.Dropped()))
			return ctx.Err()
		case block := <-blocks:
			deliver(block)
		}
	}
}

func openError(msg string, err error) error {
	var hostErr *portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		return audio.OpenError(msg, err, &audio.HostError{Code: hostErr.Code, Text: hostErr.Text})
	}
	return audio.OpenError(msg, err, nil)
}

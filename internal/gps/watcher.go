// Package gps reads speed over ground from an NMEA 0183 receiver.
package gps

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.uber.org/zap"

	rserial "sleepywoodpecker/rp-noise-meter/internal/rSerial"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

const MESSAGE_QUEUE_LENGTH = 20

const (
	rmcValid = "A"

	faaNotValid  = "N"
	faaEstimated = "E"

	// position of the speed field in both RMC (knots) and VTG (km/h)
	speedField = 6
)

type Options struct {
	// HighAccuracy drops dead-reckoned (estimated) fixes
	HighAccuracy bool
	// Timeout raises an advisory notice when no fix arrived for this long.
	// Zero disables it.
	Timeout time.Duration
	// MaxReadingAge is enforced by speed.Store, kept here so one struct carries
	// every location option.
	MaxReadingAge time.Duration
}

func DefaultOptions() Options {
	return Options{
		HighAccuracy:  true,
		Timeout:       10 * time.Second,
		MaxReadingAge: time.Second,
	}
}

type lineReader interface {
	Run(ctx context.Context) error
	Close() error
}

// Watcher is the single reader of a receiver's sentence stream. It delivers
// one reading per fix.
type Watcher struct {
	opts   Options
	open   func(queue chan<- []byte) (lineReader, error)
	logger *zap.Logger
	now    func() time.Time

	sawRMC bool
}

func NewSerialWatcher(portName string, baudrate int, opts Options, logger *zap.Logger) *Watcher {
	return &Watcher{
		opts: opts,
		open: func(queue chan<- []byte) (lineReader, error) {
			return rserial.NewRSerial(portName, baudrate, queue, logger, rserial.DEFAULT_MAX_LINE_LENGTH, rserial.DEFAULT_STOP_SEQUENCE)
		},
		logger: logger,
		now:    time.Now,
	}
}

// NewReplayWatcher reads sentences from a recorded log instead of a device.
func NewReplayWatcher(r io.Reader, name string, opts Options, logger *zap.Logger) *Watcher {
	return &Watcher{
		opts: opts,
		open: func(queue chan<- []byte) (lineReader, error) {
			return rserial.NewRSerialFromReader(io.NopCloser(r), name, queue, logger, rserial.DEFAULT_MAX_LINE_LENGTH, rserial.DEFAULT_STOP_SEQUENCE), nil
		},
		logger: logger,
		now:    time.Now,
	}
}

// NewReplayFileWatcher replays a recorded log from path. The file is opened
// again on every Watch, so a restarted session reads it from the beginning.
func NewReplayFileWatcher(path string, opts Options, logger *zap.Logger) *Watcher {
	return &Watcher{
		opts: opts,
		open: func(queue chan<- []byte) (lineReader, error) {
			f, err := os.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					return nil, sensor.ErrPermissionDenied(sensor.Location, "opening "+path, err)
				}
				return nil, sensor.ErrUnavailable(sensor.Location, "opening "+path, err)
			}
			return rserial.NewRSerialFromReader(f, path, queue, logger, rserial.DEFAULT_MAX_LINE_LENGTH, rserial.DEFAULT_STOP_SEQUENCE), nil
		},
		logger: logger,
		now:    time.Now,
	}
}

func (w *Watcher) Watch(ctx context.Context, deliver func(speed.Reading), advise func(error)) error {
	queue := make(chan []byte, MESSAGE_QUEUE_LENGTH)
	reader, err := w.open(queue)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx) }()

	var timeout <-chan time.Time
	var timer *time.Timer
	if w.opts.Timeout > 0 {
		timer = time.NewTimer(w.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-queue:
			if !ok {
				return <-readErr
			}
			reading, ok := w.ParseSentence(string(line))
			if !ok {
				continue
			}
			deliver(reading)
			if timer != nil && reading.Present() {
				timer.Reset(w.opts.Timeout)
			}
		case <-timeout:
			w.logger.Warn("[gps] no fix within timeout", zap.Duration("timeout", w.opts.Timeout))
			advise(sensor.ErrTimeout(sensor.Location, "no fix within "+w.opts.Timeout.String()))
			timer.Reset(w.opts.Timeout)
		}
	}
}

// ParseSentence turns one NMEA sentence into a reading. ok is false for
// sentences that carry no speed, fail their checksum, or duplicate a fix
// already reported by RMC.
func (w *Watcher) ParseSentence(line string) (speed.Reading, bool) {
	s, err := nmea.Parse(line)
	if err != nil {
		w.logger.Debug("[gps] skipping sentence", zap.Error(err), zap.String("sentence", line))
		return speed.Reading{}, false
	}

	now := w.now()
	switch m := s.(type) {
	case nmea.RMC:
		w.sawRMC = true
		if m.Validity != rmcValid || !w.acceptMode(m.FFAMode) || blankField(m.BaseSentence, speedField) {
			return speed.Absent(now), true
		}
		return speed.NewReading(m.Speed*speed.KnotsToMps, now), true
	case nmea.VTG:
		// RMC already reports the same fix
		if w.sawRMC {
			return speed.Reading{}, false
		}
		// receivers older than NMEA 2.3 send no mode, only empty fields
		if !w.acceptMode(m.FFAMode) || blankField(m.BaseSentence, speedField) {
			return speed.Absent(now), true
		}
		return speed.NewReading(m.GroundSpeedKPH/speed.MpsToKmph, now), true
	}
	return speed.Reading{}, false
}

func (w *Watcher) acceptMode(mode string) bool {
	switch mode {
	case faaNotValid:
		return false
	case faaEstimated:
		return !w.opts.HighAccuracy
	}
	return true
}

// blankField reports an empty field, which go-nmea would otherwise parse as 0.
func blankField(s nmea.BaseSentence, i int) bool {
	return i >= len(s.Fields) || strings.TrimSpace(s.Fields[i]) == ""
}

// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/sensor"
)

const READ_TIMEOUT = 100 * time.Millisecond
const READ_CHUNK_SIZE = 256

// NMEA caps a sentence at 82 characters; leave room for proprietary ones
const DEFAULT_MAX_LINE_LENGTH = 256

var DEFAULT_STOP_SEQUENCE = []byte{'\r', '\n'}

type rserial struct {
	port          io.ReadCloser
	MessageQueue  chan<- []byte // closed when Run returns
	readBuff      []byte
	pending       []byte
	synced        bool
	logger        *zap.Logger
	portName      string
	stopSequence  []byte
	maxLineLength int
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %q", e.ByteSequence)
}

// NewRSerial opens portName. Failures are reported as location sensor errors
// so the caller can tell a missing receiver from a permissions problem.
func NewRSerial(portName string, baudrate int, messageQueue chan<- []byte, logger *zap.Logger, maxLineLength int, stopSequence []byte) (*rserial, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, openError(portName, err)
	}

	if err := port.SetReadTimeout(READ_TIMEOUT); err != nil {
		port.Close()
		return nil, sensor.ErrUnavailable(sensor.Location, "configuring "+portName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warn("[rserial] could not reset input buffer", zap.Error(err), zap.String("portName", portName))
	}

	r := NewRSerialFromReader(port, portName, messageQueue, logger, maxLineLength, stopSequence)
	// we joined the stream mid-sentence
	r.sync()
	return r, nil
}

// NewRSerialFromReader frames lines from any byte stream, e.g. a recorded NMEA
// log. Reaching EOF ends Run cleanly.
func NewRSerialFromReader(port io.ReadCloser, portName string, messageQueue chan<- []byte, logger *zap.Logger, maxLineLength int, stopSequence []byte) *rserial {
	if maxLineLength <= 0 {
		maxLineLength = DEFAULT_MAX_LINE_LENGTH
	}
	if len(stopSequence) == 0 {
		stopSequence = DEFAULT_STOP_SEQUENCE
	}

	return &rserial{
		port:          port,
		MessageQueue:  messageQueue,
		readBuff:      make([]byte, READ_CHUNK_SIZE),
		pending:       make([]byte, 0, maxLineLength),
		logger:        logger,
		portName:      portName,
		stopSequence:  stopSequence,
		maxLineLength: maxLineLength,
		synced:        true,
	}
}

func openError(portName string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
		return sensor.ErrPermissionDenied(sensor.Location, "opening "+portName, err)
	}
	if errors.Is(err, fs.ErrPermission) {
		return sensor.ErrPermissionDenied(sensor.Location, "opening "+portName, err)
	}
	return sensor.ErrUnavailable(sensor.Location, "opening "+portName, err)
}

func (r *rserial) Close() error {
	return r.port.Close()
}

// Run reads until ctx is cancelled, the stream ends or the port fails.
func (r *rserial) Run(ctx context.Context) error {
	defer close(r.MessageQueue)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return ctx.Err()
		default:
			err := r.ReadLines(ctx)
			if err == nil {
				continue
			}

			var oosError *OutOfSyncError
			switch {
			case errors.As(err, &oosError):
				r.logger.Warn("[rserial] error while attempting to read line from serial", zap.Error(err), zap.String("portName", r.portName), zap.ByteString("payload", oosError.ByteSequence))
			case errors.Is(err, io.EOF):
				r.logger.Info("[rserial] end of stream", zap.String("portName", r.portName))
				return nil
			case errors.Is(err, context.Canceled):
				return err
			default:
				r.logger.Warn("[rserial] error while attempting to read from serial", zap.Error(err), zap.String("portName", r.portName))
				return sensor.ErrUnavailable(sensor.Location, "reading "+r.portName, err)
			}
		}
	}
}

// ReadLines does one read and forwards every complete line it finished, stop
// sequence stripped. The first malformed line is returned as an
// OutOfSyncError after the good ones were forwarded.
func (r *rserial) ReadLines(ctx context.Context) error {
	n, readErr := r.port.Read(r.readBuff)
	r.pending = append(r.pending, r.readBuff[:n]...)

	var firstErr error
	stopByte := r.stopSequence[len(r.stopSequence)-1]

	for {
		idx := bytes.IndexByte(r.pending, stopByte)
		if idx < 0 {
			break
		}
		line := r.pending[:idx+1]

		switch {
		case !r.synced:
			// partial line from before we started listening
			r.synced = true
		case !bytes.HasSuffix(line, r.stopSequence) || len(line) > r.maxLineLength:
			if firstErr == nil {
				firstErr = &OutOfSyncError{ByteSequence: bytes.Clone(line)}
			}
		default:
			payload := bytes.Clone(line[:len(line)-len(r.stopSequence)])
			select {
			case r.MessageQueue <- payload:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		r.pending = r.pending[:copy(r.pending, r.pending[idx+1:])]
	}

	if len(r.pending) > r.maxLineLength {
		if firstErr == nil {
			firstErr = &OutOfSyncError{ByteSequence: bytes.Clone(r.pending)}
		}
		r.pending = r.pending[:0]
		r.sync()
	}

	if readErr != nil {
		return readErr
	}
	return firstErr
}

// sync drops everything up to the next stop sequence.
func (r *rserial) sync() {
	r.logger.Warn("[rserial] resyncing serial port", zap.String("portName", r.portName))
	r.synced = false
}

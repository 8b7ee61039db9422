package sensor

import (
	"errors"
	"fmt"
)

const (
	ErrCodeUnavailable      = "SENSOR_UNAVAILABLE"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "SENSOR_TIMEOUT"
)

const (
	Microphone = "microphone"
	Location   = "location"
)

// SensorError describes why a sensor stopped or is struggling. Unavailable and
// PermissionDenied end the sensor's subscription; Timeout is advisory only.
type SensorError struct {
	Code    string
	Sensor  string
	Message string
	Cause   error
}

func (e *SensorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Sensor, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Sensor, e.Message)
}

func (e *SensorError) Unwrap() error { return e.Cause }

// Blocking reports whether the sensor stays inert until the user restarts it.
func (e *SensorError) Blocking() bool {
	return e.Code != ErrCodeTimeout
}

func ErrUnavailable(sensor, msg string, cause error) *SensorError {
	return &SensorError{
		Code:    ErrCodeUnavailable,
		Sensor:  sensor,
		Message: msg,
		Cause:   cause,
	}
}

func ErrPermissionDenied(sensor, msg string, cause error) *SensorError {
	return &SensorError{
		Code:    ErrCodePermissionDenied,
		Sensor:  sensor,
		Message: msg,
		Cause:   cause,
	}
}

func ErrTimeout(sensor, msg string) *SensorError {
	return &SensorError{
		Code:    ErrCodeTimeout,
		Sensor:  sensor,
		Message: msg,
	}
}

// IsBlocking treats any error that is not an advisory SensorError as terminal.
func IsBlocking(err error) bool {
	if err == nil {
		return false
	}
	var se *SensorError
	if errors.As(err, &se) {
		return se.Blocking()
	}
	return true
}

func HasCode(err error, code string) bool {
	var se *SensorError
	return errors.As(err, &se) && se.Code == code
}

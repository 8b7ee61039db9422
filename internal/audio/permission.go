package audio

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"

	"sleepywoodpecker/rp-noise-meter/internal/sensor"
)

// E_ACCESSDENIED as reported by WASAPI
const wasapiAccessDenied = -2147024891

// HostError is the host API detail behind an audio subsystem failure: ALSA
// reports a negative errno, WASAPI an HRESULT, and each pairs it with a text.
type HostError struct {
	Code int
	Text string
}

var permissionTexts = []string{"permission denied", "not permitted", "access denied", "access is denied"}

func (h *HostError) permission() bool {
	if h == nil {
		return false
	}
	switch h.Code {
	case int(syscall.EACCES), -int(syscall.EACCES), int(syscall.EPERM), -int(syscall.EPERM), wasapiAccessDenied:
		return true
	}
	text := strings.ToLower(h.Text)
	for _, p := range permissionTexts {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// OpenError maps a failure to open the input device onto the sensor error
// taxonomy. A refusal by the operating system becomes PERMISSION_DENIED,
// anything else SENSOR_UNAVAILABLE.
func OpenError(msg string, err error, host *HostError) *sensor.SensorError {
	if host.permission() || errors.Is(err, fs.ErrPermission) {
		return sensor.ErrPermissionDenied(sensor.Microphone, msg, err)
	}
	return sensor.ErrUnavailable(sensor.Microphone, msg, err)
}

package sensor

import "errors"

type NoticeLevel string

const (
	NoticeBlocking NoticeLevel = "blocking"
	NoticeAdvisory NoticeLevel = "advisory"
)

// Notice is what the user gets to see about a sensor problem.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Sensor  string      `json:"sensor"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

var noticeText = map[string]map[string]string{
	Microphone: {
		ErrCodeUnavailable:      "No microphone input device is available.",
		ErrCodePermissionDenied: "Microphone access is blocked. Please allow access to the audio device and restart.",
	},
	Location: {
		ErrCodeUnavailable:      "Location information is unavailable.",
		ErrCodePermissionDenied: "Location access denied. Please allow access to the GPS device and restart.",
		ErrCodeTimeout:          "The request to get a location fix timed out.",
	},
}

// NoticeFor turns a sensor failure into a user facing notice. Errors that are
// not SensorErrors become a blocking notice with the error text.
func NoticeFor(sensor string, err error) Notice {
	var se *SensorError
	if !errors.As(err, &se) {
		return Notice{
			Level:   NoticeBlocking,
			Sensor:  sensor,
			Message: "An unknown error occurred while accessing the " + sensor + ": " + err.Error(),
		}
	}

	n := Notice{
		Level:   NoticeBlocking,
		Sensor:  se.Sensor,
		Code:    se.Code,
		Message: se.Message,
	}
	if n.Sensor == "" {
		n.Sensor = sensor
	}
	if !se.Blocking() {
		n.Level = NoticeAdvisory
	}
	if text, ok := noticeText[n.Sensor][se.Code]; ok {
		n.Message = text
	}
	return n
}

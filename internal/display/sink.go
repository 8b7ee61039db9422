// Package display renders meter values. The meter pushes into a Sink and
// never reads anything back.
package display

import (
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

type Sink interface {
	// RenderLevel receives the snapshot taken right after an update; its
	// Current field is the freshly smoothed level.
	RenderLevel(s level.Snapshot)
	RenderSpeed(r speed.Reading)
	Notify(n sensor.Notice)
}

type Multi []Sink

func (m Multi) RenderLevel(s level.Snapshot) {
	for _, sink := range m {
		sink.RenderLevel(s)
	}
}

func (m Multi) RenderSpeed(r speed.Reading) {
	for _, sink := range m {
		sink.RenderSpeed(r)
	}
}

func (m Multi) Notify(n sensor.Notice) {
	for _, sink := range m {
		sink.Notify(n)
	}
}

type Discard struct{}

func (Discard) RenderLevel(level.Snapshot) {}
func (Discard) RenderSpeed(speed.Reading)  {}
func (Discard) Notify(sensor.Notice)       {}

// Package meter runs one metering session: it owns the sensor subscriptions,
// feeds audio blocks to the processing queue, keeps the latest speed and
// answers snapshot, reset and export requests.
package meter

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/display"
	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/metrics"
	"sleepywoodpecker/rp-noise-meter/internal/results"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

var ErrAlreadyRunning = errors.New("session already running")

type SensorState string

const (
	SensorIdle     SensorState = "idle"
	SensorActive   SensorState = "active"
	SensorInert    SensorState = "inert"
	SensorDisabled SensorState = "disabled"
)

// Archive records exports. *results.Store satisfies it.
type Archive interface {
	Save(sessionID string, f export.Format, r export.Record, count int64) (results.Entry, error)
}

type Config struct {
	Estimator *level.Estimator
	Speeds    *speed.Store
	Sink      display.Sink
	// Blocks is the processing queue. Blocks are dropped when it is full.
	Blocks chan<- level.SampleBlock

	Audio    sensor.Source[level.SampleBlock]
	Location sensor.Source[speed.Reading]

	Archive Archive
	Logger  *zap.Logger
}

type Session struct {
	estimator *level.Estimator
	speeds    *speed.Store
	sink      display.Sink
	blocks    chan<- level.SampleBlock
	audio     sensor.Source[level.SampleBlock]
	location  sensor.Source[speed.Reading]
	archive   Archive
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	id          string
	startedAt   time.Time
	running     bool
	audioSub    *sensor.Subscription
	locationSub *sensor.Subscription
	states      map[string]SensorState
	notices     map[string]sensor.Notice
	dropped     uint64
}

func NewSession(cfg Config) *Session {
	s := &Session{
		estimator: cfg.Estimator,
		speeds:    cfg.Speeds,
		sink:      cfg.Sink,
		blocks:    cfg.Blocks,
		audio:     cfg.Audio,
		location:  cfg.Location,
		archive:   cfg.Archive,
		logger:    cfg.Logger,
		now:       time.Now,
		id:        uuid.NewString(),
		states:    make(map[string]SensorState),
		notices:   make(map[string]sensor.Notice),
	}
	if s.sink == nil {
		s.sink = display.Discard{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.startedAt = s.now()
	s.states[sensor.Microphone] = initialState(s.audio != nil)
	s.states[sensor.Location] = initialState(s.location != nil)
	return s
}

func initialState(configured bool) SensorState {
	if configured {
		return SensorIdle
	}
	return SensorDisabled
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Start subscribes both sensors. Each one fails on its own: a microphone that
// cannot be opened does not stop the speedometer and vice versa. On a running
// session Start resubscribes only the sensors that have ended, which is how an
// inert sensor gets a second chance.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAudio := s.audio != nil && s.ended(sensor.Microphone, s.audioSub)
	startLocation := s.location != nil && s.ended(sensor.Location, s.locationSub)
	if s.running && !startAudio && !startLocation {
		return ErrAlreadyRunning
	}
	restart := s.running
	s.running = true

	if startAudio {
		delete(s.notices, sensor.Microphone)
		s.states[sensor.Microphone] = SensorActive
		s.audioSub = sensor.Subscribe(ctx, s.audio, s.deliverBlock, s.sensorFailed(sensor.Microphone))
		go s.watchEnd(sensor.Microphone, s.audioSub)
	}
	if startLocation {
		delete(s.notices, sensor.Location)
		s.states[sensor.Location] = SensorActive
		s.locationSub = sensor.Subscribe(ctx, s.location, s.deliverSpeed, s.sensorFailed(sensor.Location))
		go s.watchEnd(sensor.Location, s.locationSub)
	}

	if restart {
		s.logger.Info("[meter] sensors resubscribed", zap.String("session", s.id),
			zap.Bool("microphone", startAudio), zap.Bool("location", startLocation))
	} else {
		s.logger.Info("[meter] session started", zap.String("session", s.id))
	}
	return nil
}

// ended reports whether a sensor needs a new subscription. An inert sensor
// counts as ended even while its failed source is still unwinding.
func (s *Session) ended(name string, sub *sensor.Subscription) bool {
	if sub == nil || s.states[name] == SensorInert {
		return true
	}
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// watchEnd marks a sensor idle when its source returns without being
// cancelled, e.g. a replayed log reaching its end. Failures have already been
// recorded by sensorFailed by the time Done closes.
func (s *Session) watchEnd(name string, sub *sensor.Subscription) {
	<-sub.Done()

	s.mu.Lock()
	current := s.audioSub
	if name == sensor.Location {
		current = s.locationSub
	}
	ended := current == sub && s.states[name] == SensorActive
	if ended {
		s.states[name] = SensorIdle
	}
	s.mu.Unlock()

	if !ended {
		return
	}
	s.logger.Info("[meter] sensor source ended", zap.String("sensor", name))
	if name == sensor.Location {
		s.deliverSpeed(speed.Absent(s.now()))
	}
}

// Stop cancels both subscriptions and waits for them. Statistics are kept.
func (s *Session) Stop() {
	s.mu.Lock()
	audioSub, locationSub := s.audioSub, s.locationSub
	s.audioSub, s.locationSub = nil, nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	// cancel outside the lock, sources may be reporting an error right now
	if audioSub != nil {
		audioSub.Cancel()
	}
	if locationSub != nil {
		locationSub.Cancel()
	}

	s.mu.Lock()
	for name, state := range s.states {
		if state == SensorActive {
			s.states[name] = SensorIdle
		}
	}
	s.mu.Unlock()

	if wasRunning {
		s.logger.Info("[meter] session stopped", zap.String("session", s.ID()))
	}
}

// Reset clears the level statistics and begins a new session ID. Sensors
// keep running.
func (s *Session) Reset() {
	s.estimator.Reset()

	s.mu.Lock()
	s.id = uuid.NewString()
	s.startedAt = s.now()
	id := s.id
	s.mu.Unlock()

	s.logger.Info("[meter] statistics reset", zap.String("session", id))
	s.sink.RenderLevel(s.estimator.Snapshot())
}

func (s *Session) deliverBlock(b level.SampleBlock) {
	select {
	case s.blocks <- b:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped == 1 || dropped%100 == 0 {
			s.logger.Warn("[meter] processing queue full, dropping sample block", zap.Uint64("dropped", dropped))
		}
	}
}

func (s *Session) deliverSpeed(r speed.Reading) {
	s.speeds.Update(r)
	s.sink.RenderSpeed(r)
}

func (s *Session) sensorFailed(name string) func(error) {
	return func(err error) {
		notice := sensor.NoticeFor(name, err)
		if notice.Level == sensor.NoticeBlocking {
			s.logger.Error("[meter] sensor failed", zap.String("sensor", name), zap.Error(err))
		} else {
			s.logger.Warn("[meter] sensor warning", zap.String("sensor", name), zap.Error(err))
		}

		s.mu.Lock()
		s.notices[name] = notice
		if notice.Level == sensor.NoticeBlocking {
			s.states[name] = SensorInert
		}
		s.mu.Unlock()

		if notice.Level == sensor.NoticeBlocking && name == sensor.Location {
			s.deliverSpeed(speed.Absent(s.now()))
		}
		s.sink.Notify(notice)
	}
}

// Level is the JSON view of the level statistics. Min, Avg and Max are nil
// before the first measurement.
type Level struct {
	Current *float64      `json:"current"`
	Min     *float64      `json:"min"`
	Avg     *float64      `json:"avg"`
	Max     *float64      `json:"max"`
	Peak    float64       `json:"peak"`
	Count   int64         `json:"count"`
	Display export.Record `json:"display"`
}

type Speed struct {
	Kmph    *float64  `json:"kmh"`
	Display string    `json:"display"`
	At      time.Time `json:"at"`
}

type Snapshot struct {
	SessionID string                 `json:"session_id"`
	StartedAt time.Time              `json:"started_at"`
	Running   bool                   `json:"running"`
	Level     Level                  `json:"level"`
	Speed     Speed                  `json:"speed"`
	Sensors   map[string]SensorState `json:"sensors"`
	Notices   []sensor.Notice        `json:"notices"`

	raw level.Snapshot
}

// Raw is the estimator snapshot the view was built from.
func (s Snapshot) Raw() level.Snapshot {
	return s.raw
}

func (s *Session) Snapshot() Snapshot {
	ls := s.estimator.Snapshot()
	now := s.now()
	reading := s.speeds.Latest(now)

	s.mu.Lock()
	snap := Snapshot{
		SessionID: s.id,
		StartedAt: s.startedAt,
		Running:   s.running,
		Sensors:   make(map[string]SensorState, len(s.states)),
		Notices:   make([]sensor.Notice, 0, len(s.notices)),
		raw:       ls,
	}
	for name, state := range s.states {
		snap.Sensors[name] = state
	}
	for _, name := range []string{sensor.Microphone, sensor.Location} {
		if n, ok := s.notices[name]; ok {
			snap.Notices = append(snap.Notices, n)
		}
	}
	s.mu.Unlock()

	snap.Level = Level{Peak: ls.Peak, Count: ls.Count, Display: export.FromSnapshot(ls)}
	if ls.Updated {
		snap.Level.Current = finite(ls.Current)
	}
	if avg, ok := ls.Average(); ok {
		snap.Level.Min = finite(ls.Minimum)
		snap.Level.Avg = finite(avg)
		snap.Level.Max = finite(ls.Maximum)
	}

	snap.Speed = Speed{Display: speed.FormatKmph(reading.MetersPerSecond), At: reading.Timestamp}
	if kmh, ok := speed.MetersPerSecondToKmph(reading.MetersPerSecond); ok {
		snap.Speed.Kmph = &kmh
	}
	return snap
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type Artifact struct {
	Format      export.Format
	Filename    string
	ContentType string
	Body        []byte
	Record      export.Record
}

// Export renders the current statistics. An unknown format name returns an
// *export.ExportFormatError; an empty meter exports placeholders.
func (s *Session) Export(formatName string) (Artifact, error) {
	f, err := export.ParseFormat(formatName)
	if err != nil {
		return Artifact{}, err
	}

	ls := s.estimator.Snapshot()
	rec := export.FromSnapshot(ls)

	var body bytes.Buffer
	if err := export.Write(&body, f, rec); err != nil {
		return Artifact{}, err
	}
	metrics.Exports.WithLabelValues(string(f)).Inc()

	if s.archive != nil {
		if _, err := s.archive.Save(s.ID(), f, rec, ls.Count); err != nil {
			// the download still works, only the history misses an entry
			s.logger.Warn("[meter] could not archive export", zap.Error(err))
		}
	}

	return Artifact{
		Format:      f,
		Filename:    f.Filename(),
		ContentType: f.ContentType(),
		Body:        body.Bytes(),
		Record:      rec,
	}, nil
}

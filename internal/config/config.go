package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sleepywoodpecker/rp-noise-meter/internal/gps"
	"sleepywoodpecker/rp-noise-meter/internal/level"
)

const (
	AudioMicrophone = "microphone"
	AudioTone       = "tone"
	AudioNone       = "none"
)

type Config struct {
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	Audio     AudioConfig     `yaml:"audio"`
	Level     LevelConfig     `yaml:"level"`
	GPS       GPSConfig       `yaml:"gps"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`

	Terminal bool `yaml:"terminal"`
}

type AudioConfig struct {
	Source     string  `yaml:"source"`
	SampleRate float64 `yaml:"sample_rate"` // 0 uses the device default
	BlockSize  int     `yaml:"block_size"`
	// only used by the tone source
	ToneAmplitude float32 `yaml:"tone_amplitude"`
}

type LevelConfig struct {
	// Interval 0 updates on every audio block.
	Interval time.Duration `yaml:"interval"`
	Alpha    float64       `yaml:"alpha"`
	Epsilon  float64       `yaml:"epsilon"`
	LogFile  string        `yaml:"log_file"`
}

type GPSConfig struct {
	// Port empty and Replay empty disables the speedometer.
	Port          string        `yaml:"port"`
	Baud          int           `yaml:"baud"`
	Replay        string        `yaml:"replay"`
	HighAccuracy  bool          `yaml:"high_accuracy"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxReadingAge time.Duration `yaml:"max_reading_age"`
}

type HTTPConfig struct {
	Address               string        `yaml:"address"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`
	WebSocketPingInterval time.Duration `yaml:"websocket_ping_interval"`
	ReadHeaderTimeout     time.Duration `yaml:"read_header_timeout"`
}

type TelemetryConfig struct {
	// UDP address of a telegraf socket listener, empty disables it.
	UDPAddress string        `yaml:"udp_address"`
	Interval   time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	// DataDir empty disables the export archive.
	DataDir          string `yaml:"data_dir"`
	MaxStoredExports int    `yaml:"max_stored_exports"`
}

func DefaultConfig() *Config {
	params := level.DefaultParams()
	opts := gps.DefaultOptions()
	return &Config{
		LogFile:  "",
		LogLevel: "info",
		Audio: AudioConfig{
			Source:        AudioMicrophone,
			SampleRate:    0,
			BlockSize:     level.DefaultBlockSize,
			ToneAmplitude: 0.1,
		},
		Level: LevelConfig{
			Interval: 1000 * time.Millisecond,
			Alpha:    params.Alpha,
			Epsilon:  params.Epsilon,
		},
		GPS: GPSConfig{
			Baud:          9600,
			HighAccuracy:  opts.HighAccuracy,
			Timeout:       opts.Timeout,
			MaxReadingAge: opts.MaxReadingAge,
		},
		HTTP: HTTPConfig{
			Address:               "127.0.0.1:8090",
			WebSocketPingInterval: 30 * time.Second,
			ReadHeaderTimeout:     15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Interval: time.Second,
		},
		Archive: ArchiveConfig{
			MaxStoredExports: 1000,
		},
		Terminal: true,
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if path := os.Getenv("NOISE_LOG_FILE"); path != "" {
		c.LogFile = path
	}
	if lvl := os.Getenv("NOISE_LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}

	if src := os.Getenv("NOISE_AUDIO_SOURCE"); src != "" {
		c.Audio.Source = strings.ToLower(src)
	}
	if rate := os.Getenv("NOISE_SAMPLE_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r < 0 {
			return fmt.Errorf("invalid NOISE_SAMPLE_RATE %q: must be a non-negative number", rate)
		}
		c.Audio.SampleRate = r
	}
	if size := os.Getenv("NOISE_BLOCK_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid NOISE_BLOCK_SIZE %q: must be a positive integer", size)
		}
		c.Audio.BlockSize = n
	}

	if interval := os.Getenv("NOISE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid NOISE_INTERVAL %q: must be a duration (e.g. 1s, 0 for every block)", interval)
		}
		c.Level.Interval = d
	}
	if alpha := os.Getenv("NOISE_ALPHA"); alpha != "" {
		a, err := strconv.ParseFloat(alpha, 64)
		if err != nil {
			return fmt.Errorf("invalid NOISE_ALPHA %q: %w", alpha, err)
		}
		c.Level.Alpha = a
	}
	if path := os.Getenv("NOISE_LEVEL_LOG"); path != "" {
		c.Level.LogFile = path
	}

	if port := os.Getenv("NOISE_GPS_PORT"); port != "" {
		c.GPS.Port = port
	}
	if baud := os.Getenv("NOISE_GPS_BAUD"); baud != "" {
		b, err := strconv.Atoi(baud)
		if err != nil || b <= 0 {
			return fmt.Errorf("invalid NOISE_GPS_BAUD %q: must be a positive integer", baud)
		}
		c.GPS.Baud = b
	}
	if replay := os.Getenv("NOISE_GPS_REPLAY"); replay != "" {
		c.GPS.Replay = replay
	}
	if high := os.Getenv("NOISE_GPS_HIGH_ACCURACY"); high != "" {
		h, err := strconv.ParseBool(high)
		if err != nil {
			return fmt.Errorf("invalid NOISE_GPS_HIGH_ACCURACY %q: %w", high, err)
		}
		c.GPS.HighAccuracy = h
	}
	if timeout := os.Getenv("NOISE_GPS_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid NOISE_GPS_TIMEOUT %q: must be a duration (e.g. 10s)", timeout)
		}
		c.GPS.Timeout = d
	}
	if age := os.Getenv("NOISE_GPS_MAX_READING_AGE"); age != "" {
		d, err := time.ParseDuration(age)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid NOISE_GPS_MAX_READING_AGE %q: must be a duration (e.g. 1s)", age)
		}
		c.GPS.MaxReadingAge = d
	}

	if addr := os.Getenv("NOISE_HTTP_ADDR"); addr != "" {
		c.HTTP.Address = addr
	}
	if origins := os.Getenv("NOISE_ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = parseOrigins(origins)
	}

	if addr := os.Getenv("NOISE_TELEGRAF_ADDR"); addr != "" {
		c.Telemetry.UDPAddress = addr
	}

	if dir := os.Getenv("NOISE_DATA_DIR"); dir != "" {
		c.Archive.DataDir = dir
	}
	if max := os.Getenv("NOISE_MAX_STORED_EXPORTS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m < 0 {
			return fmt.Errorf("invalid NOISE_MAX_STORED_EXPORTS %q: must be a non-negative integer", max)
		}
		c.Archive.MaxStoredExports = m
	}

	if t := os.Getenv("NOISE_TERMINAL"); t != "" {
		v, err := strconv.ParseBool(t)
		if err != nil {
			return fmt.Errorf("invalid NOISE_TERMINAL %q: %w", t, err)
		}
		c.Terminal = v
	}
	return nil
}

func parseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.Audio.Source {
	case AudioMicrophone, AudioTone, AudioNone:
	default:
		return fmt.Errorf("invalid audio source %q: must be microphone, tone or none", c.Audio.Source)
	}
	if c.Audio.BlockSize <= 0 {
		return fmt.Errorf("audio block size must be > 0")
	}
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("audio sample rate must be >= 0")
	}
	if c.Level.Interval < 0 {
		return fmt.Errorf("level interval must be >= 0")
	}
	if err := c.LevelParams().Validate(); err != nil {
		return err
	}
	if c.GPS.Port != "" && c.GPS.Replay != "" {
		return fmt.Errorf("gps port and gps replay are mutually exclusive")
	}
	if c.GPS.Baud <= 0 {
		return fmt.Errorf("gps baud rate must be > 0")
	}
	if c.GPS.Timeout < 0 || c.GPS.MaxReadingAge < 0 {
		return fmt.Errorf("gps timeout and max reading age must be >= 0")
	}
	if c.HTTP.Address != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			return fmt.Errorf("invalid http address %q: %w", c.HTTP.Address, err)
		}
	}
	if c.Telemetry.UDPAddress != "" && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry interval must be > 0")
	}
	if c.Archive.MaxStoredExports < 0 {
		return fmt.Errorf("max stored exports must be >= 0")
	}
	return nil
}

func (c *Config) LevelParams() level.Params {
	p := level.DefaultParams()
	p.Alpha = c.Level.Alpha
	p.Epsilon = c.Level.Epsilon
	return p
}

func (c *Config) GPSOptions() gps.Options {
	return gps.Options{
		HighAccuracy:  c.GPS.HighAccuracy,
		Timeout:       c.GPS.Timeout,
		MaxReadingAge: c.GPS.MaxReadingAge,
	}
}

func (c *Config) GPSEnabled() bool {
	return c.GPS.Port != "" || c.GPS.Replay != ""
}

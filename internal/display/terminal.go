package display

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

const (
	defaultWidth  = 100
	minGaugeWidth = 10
	// clock, labels, numbers and spacing around the two bars
	fixedColumns = 62

	DEFAULT_CLOCK_INTERVAL = time.Second
)

var (
	fillStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffcc00"))
	trackStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	labelStyle    = lipgloss.NewStyle().Bold(true)
	blockingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555")).Bold(true)
	advisoryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffaa00"))
)

// Terminal draws a one line status with a level gauge and a speed gauge. On a
// tty the line is redrawn in place, otherwise every render is a new line.
type Terminal struct {
	out     io.Writer
	isTTY   bool
	width   int
	ceiling float64
	now     func() time.Time

	// ClockInterval is how often Run redraws the clock while no values arrive.
	ClockInterval time.Duration

	mu     sync.Mutex
	level  level.Snapshot
	speed  speed.Reading
	notice *sensor.Notice
}

func NewTerminal(f *os.File, ceiling float64) *Terminal {
	t := NewTerminalWriter(f, ceiling)
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		t.isTTY = true
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			t.width = w
		}
	}
	return t
}

func NewTerminalWriter(w io.Writer, ceiling float64) *Terminal {
	if ceiling <= 0 {
		ceiling = level.DefaultCeiling
	}
	return &Terminal{
		out:     w,
		width:   defaultWidth,
		ceiling: ceiling,
		now:     time.Now,
		level:   level.Snapshot{Statistics: level.ZeroStatistics()},

		ClockInterval: DEFAULT_CLOCK_INTERVAL,
	}
}

func (t *Terminal) RenderLevel(s level.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = s
	t.draw()
}

func (t *Terminal) RenderSpeed(r speed.Reading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speed = r
	t.draw()
}

func (t *Terminal) Notify(n sensor.Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notice = &n
	t.draw()
}

// Run keeps the clock ticking when neither sensor reports, until ctx is done.
func (t *Terminal) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ClockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.draw()
			t.mu.Unlock()
		}
	}
}

// Line renders the current status without writing it.
func (t *Terminal) Line() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.line()
}

func (t *Terminal) line() string {
	gaugeWidth := (t.width - fixedColumns) / 2
	if gaugeWidth < minGaugeWidth {
		gaugeWidth = minGaugeWidth
	}

	current, lo, avg, hi := export.Placeholder, export.Placeholder, export.Placeholder, export.Placeholder
	levelFraction := 0.0
	if t.level.Updated {
		current = export.FormatValue(t.level.Current)
		levelFraction = t.level.Current / t.ceiling
	}
	if a, ok := t.level.Average(); ok {
		lo = export.FormatValue(t.level.Minimum)
		avg = export.FormatValue(a)
		hi = export.FormatValue(t.level.Maximum)
	}

	kmh, ok := speed.MetersPerSecondToKmph(t.speed.MetersPerSecond)
	speedFraction := 0.0
	if ok {
		speedFraction = speed.GaugeFraction(kmh)
	}

	var b strings.Builder
	b.WriteString(t.now().Format("15:04:05"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render("LEVEL"))
	fmt.Fprintf(&b, " %s %5s (min %s avg %s max %s)  ", gauge(levelFraction, gaugeWidth), current, lo, avg, hi)
	b.WriteString(labelStyle.Render("SPEED"))
	fmt.Fprintf(&b, " %s %5s km/h", gauge(speedFraction, gaugeWidth), speed.FormatKmph(t.speed.MetersPerSecond))

	if t.notice != nil {
		style := advisoryStyle
		if t.notice.Level == sensor.NoticeBlocking {
			style = blockingStyle
		}
		b.WriteString("  ")
		b.WriteString(style.Render("! " + t.notice.Message))
	}
	return b.String()
}

func (t *Terminal) draw() {
	if t.isTTY {
		fmt.Fprint(t.out, "\r"+t.line()+"\x1b[K")
		return
	}
	fmt.Fprintln(t.out, t.line())
}

func gauge(fraction float64, width int) string {
	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction*float64(width) + 0.5)
	return fillStyle.Render(strings.Repeat("█", filled)) + trackStyle.Render(strings.Repeat("░", width-filled))
}

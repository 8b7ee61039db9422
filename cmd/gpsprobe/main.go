// gpsprobe checks a GPS receiver before it is wired into the meter: it opens
// the port, resyncs to the sentence stream and prints every speed it reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/gps"
	"sleepywoodpecker/rp-noise-meter/internal/logger"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

func main() {
	port := flag.String("port", "/dev/ttyACM0", "serial port of the receiver")
	baud := flag.Int("baud", 9600, "baud rate")
	replay := flag.String("replay", "", "read sentences from a recorded NMEA file instead of a port")
	highAccuracy := flag.Bool("high-accuracy", true, "reject estimated fixes")
	timeout := flag.Duration("timeout", 10*time.Second, "warn when no fix arrives within this time")
	flag.Parse()

	log, err := logger.NewLogger("")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := gps.DefaultOptions()
	opts.HighAccuracy = *highAccuracy
	opts.Timeout = *timeout

	var watcher *gps.Watcher
	if *replay != "" {
		watcher = gps.NewReplayFileWatcher(*replay, opts, log)
	} else {
		watcher = gps.NewSerialWatcher(*port, *baud, opts, log)
	}

	err = watcher.Watch(ctx, func(r speed.Reading) {
		printReading(os.Stdout, r)
	}, func(err error) {
		n := sensor.NoticeFor(sensor.Location, err)
		fmt.Fprintf(os.Stdout, "%s  %s: %s\n", time.Now().Format("15:04:05"), n.Level, n.Message)
	})
	if err != nil && ctx.Err() == nil {
		n := sensor.NoticeFor(sensor.Location, err)
		log.Error("[gpsprobe] receiver failed", zap.String("notice", n.Message), zap.Error(err))
		os.Exit(1)
	}
}

func printReading(w io.Writer, r speed.Reading) {
	fix := "fix"
	if !r.Present() {
		fix = "no fix"
	}
	fmt.Fprintf(w, "%s  %-6s %6s km/h\n", r.Timestamp.Format("15:04:05.000"), fix, speed.FormatKmph(r.MetersPerSecond))
}

package processing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/display"
	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/metrics"
)

const DEFAULT_QUEUE_SIZE = 20

type Processor struct {
	Filename     string // raw level log, empty to disable
	MessageQueue <-chan level.SampleBlock
	logger       *zap.Logger
	estimator    *level.Estimator
	sink         display.Sink
	interval     time.Duration
	dataStore    *DataSampleStore
}

// NewProcessor wires a block queue to the estimator. interval == 0 measures
// every block as it arrives; otherwise only the newest block is measured once
// per interval.
func NewProcessor(filename string, messageQueue <-chan level.SampleBlock, logger *zap.Logger, estimator *level.Estimator, sink display.Sink, interval time.Duration) *Processor {
	return &Processor{
		Filename:     filename,
		MessageQueue: messageQueue,
		logger:       logger,
		estimator:    estimator,
		sink:         sink,
		interval:     interval,
		dataStore:    NewDataSampleStore(),
	}
}

func (p *Processor) Run(ctx context.Context) error {
	outStream := io.Discard
	if p.Filename != "" {
		file, err := os.OpenFile(p.Filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			p.logger.Error("[processor] error opening a file", zap.Error(err), zap.String("outputFile", p.Filename))
			return err
		}
		defer file.Close()

		writer := bufio.NewWriter(file)
		defer writer.Flush()
		outStream = writer
	}

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case block, ok := <-p.MessageQueue:
			if !ok {
				p.logger.Info("[processor] message queue closed", zap.String("outputFile", p.Filename))
				return nil
			}

			if p.interval > 0 {
				p.dataStore.UpdateSampleStore(block, time.Now())
				continue
			}
			p.handle(block, outStream)
		case <-tick:
			block, _, fresh := p.dataStore.TakeFromSampleStore()
			if !fresh {
				continue
			}
			p.handle(block, outStream)
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal", zap.String("outputFile", p.Filename))
			return nil
		}
	}
}

func (p *Processor) handle(block level.SampleBlock, outStream io.Writer) {
	if err := p.ProcessBlock(block, outStream); err != nil {
		var invalid *level.InvalidInputError
		if errors.As(err, &invalid) {
			metrics.InvalidBlocks.Inc()
			p.logger.Warn(
				"[processor] skipping sample block",
				zap.Error(err),
				zap.Int("blockLength", len(block)),
			)
			return
		}
		p.logger.Warn("[processor] error writing level log", zap.Error(err), zap.String("outputFile", p.Filename))
	}
}

// ProcessBlock folds one block into the estimator, pushes the result to the
// sink and appends a log line. Invalid blocks leave everything untouched.
func (p *Processor) ProcessBlock(block level.SampleBlock, outStream io.Writer) error {
	if _, err := p.estimator.Update(block); err != nil {
		return err
	}

	snap := p.estimator.Snapshot()
	p.sink.RenderLevel(snap)

	avg, _ := snap.Average()
	_, err := fmt.Fprintf(outStream, "%d,%s,%s,%s,%s\n",
		time.Now().UnixMilli(),
		export.FormatValue(snap.Current),
		export.FormatValue(snap.Minimum),
		export.FormatValue(avg),
		export.FormatValue(snap.Maximum),
	)
	return err
}

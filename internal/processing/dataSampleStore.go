package processing

import (
	"sync"
	"time"

	"sleepywoodpecker/rp-noise-meter/internal/level"
)

// In interval mode the audio callback fires far more often than we measure.
// The store keeps only the newest block; the processor takes it on its own
// timer. Taking a block marks it consumed so a stalled microphone does not get
// the same block folded into the statistics over and over.
type DataSampleStore struct {
	block      level.SampleBlock
	receivedAt time.Time
	fresh      bool
	blockMutex sync.Mutex
}

func NewDataSampleStore() *DataSampleStore {
	return &DataSampleStore{}
}

func (d *DataSampleStore) UpdateSampleStore(block level.SampleBlock, receivedAt time.Time) {
	d.blockMutex.Lock()
	defer d.blockMutex.Unlock()

	d.block = block
	d.receivedAt = receivedAt
	d.fresh = true
}

func (d *DataSampleStore) TakeFromSampleStore() (level.SampleBlock, time.Time, bool) {
	d.blockMutex.Lock()
	defer d.blockMutex.Unlock()

	if !d.fresh {
		return nil, d.receivedAt, false
	}
	d.fresh = false
	return d.block, d.receivedAt, true
}

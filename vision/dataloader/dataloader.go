// Package dataloader batches detection samples with background prefetching.
package dataloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/distributed"
	"github.com/tsawler/go-detect/parallel"
	"github.com/tsawler/go-detect/vision/dataset"
)

// Dataset is the sample source of a DataLoader.
type Dataset interface {
	Len() int
	Get(index int) (dataset.Sample, error)
	SetEpoch(epoch int)
	SetMosaic(enabled bool)
	Deterministic() bool
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int // goroutines decoding samples of one batch
	Prefetch   int // batches decoded ahead of the consumer
	CacheSize  int // samples kept while the dataset is deterministic
	InputSize  int

	// Sharding across replicas
	Rank      int
	WorldSize int
	Seed      uint64

	Logger *slog.Logger
}

// DataLoader delivers the batches of this rank's shard in sampler order.
type DataLoader struct {
	ds      Dataset
	config  Config
	sampler *distributed.Sampler
	cache   *SampleCache
	logger  *slog.Logger

	mu      sync.Mutex
	batches chan result
	cancel  context.CancelFunc
	done    chan struct{}

	skipped atomic.Int64
}

type result struct {
	batch *detection.Batch
	err   error
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	if config.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be > 0, got %d", config.InputSize)
	}
	if config.WorldSize == 0 {
		config.WorldSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	sampler, err := distributed.NewSampler(ds.Len(), config.Rank, config.WorldSize, config.Seed, config.Shuffle)
	if err != nil {
		return nil, err
	}
	return &DataLoader{
		ds:      ds,
		config:  config,
		sampler: sampler,
		cache:   NewSampleCache(config.CacheSize),
		logger:  config.Logger.With("component", "dataloader"),
	}, nil
}

// Len returns the number of batches per epoch, identical on every rank.
func (dl *DataLoader) Len() int {
	return (dl.sampler.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of samples of this rank per epoch.
func (dl *DataLoader) NumSamples() int {
	return dl.sampler.Len()
}

// SetEpoch reseeds the shard order and the dataset's augmentation stream.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.sampler.SetEpoch(epoch)
	dl.ds.SetEpoch(epoch)
}

// DisableMosaic turns mosaic composition off for the rest of the run.
func (dl *DataLoader) DisableMosaic() {
	dl.ds.SetMosaic(false)
}

// Reset starts delivering the current epoch from its first batch.
func (dl *DataLoader) Reset() {
	dl.Close()

	dl.mu.Lock()
	defer dl.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	dl.cancel = cancel
	dl.batches = make(chan result, dl.config.Prefetch)
	dl.done = make(chan struct{})
	go dl.produce(ctx, dl.sampler.Indices(), dl.batches, dl.done)
}

// Next returns the next batch, or io.EOF after the last one.
func (dl *DataLoader) Next(ctx context.Context) (*detection.Batch, error) {
	dl.mu.Lock()
	batches := dl.batches
	dl.mu.Unlock()
	if batches == nil {
		return nil, fmt.Errorf("Next called before Reset")
	}

	select {
	case r, ok := <-batches:
		if !ok {
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the prefetch goroutine of the current epoch.
func (dl *DataLoader) Close() {
	dl.mu.Lock()
	cancel, done := dl.cancel, dl.done
	dl.cancel, dl.done, dl.batches = nil, nil, nil
	dl.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Skipped returns the number of samples that failed to load so far.
func (dl *DataLoader) Skipped() int64 {
	return dl.skipped.Load()
}

// CacheStats reports the sample cache statistics.
func (dl *DataLoader) CacheStats() CacheStats {
	return dl.cache.Stats()
}

func (dl *DataLoader) produce(ctx context.Context, indices []int, out chan<- result, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for start := 0; start < len(indices); start += dl.config.BatchSize {
		end := min(start+dl.config.BatchSize, len(indices))
		batch := dl.collate(indices[start:end])
		select {
		case out <- result{batch: batch}:
		case <-ctx.Done():
			return
		}
	}
}

// collate loads the samples of one batch in parallel. Samples that fail to
// load are dropped from the batch and counted.
func (dl *DataLoader) collate(indices []int) *detection.Batch {
	samples := make([]dataset.Sample, len(indices))
	ok := make([]bool, len(indices))
	cacheable := dl.ds.Deterministic()

	parallel.ForEach(len(indices), dl.config.NumWorkers, func(i int) {
		idx := indices[i]
		if cacheable {
			if s, hit := dl.cache.Get(idx); hit {
				samples[i], ok[i] = s, true
				return
			}
		}
		s, err := dl.ds.Get(idx)
		if err != nil {
			dl.skipped.Add(1)
			dl.logger.Warn("skipping sample", "index", idx, "error", err)
			return
		}
		if cacheable {
			dl.cache.Put(idx, s)
		}
		samples[i], ok[i] = s, true
	})

	size := dl.config.InputSize
	plane := 3 * size * size
	b := &detection.Batch{Channels: 3, Size: size}
	for i, s := range samples {
		if !ok[i] {
			continue
		}
		if len(s.Image) != plane {
			dl.skipped.Add(1)
			dl.logger.Warn("skipping sample with unexpected size", "path", s.Path, "values", len(s.Image))
			continue
		}
		b.Images = append(b.Images, s.Image...)
		b.Labels = append(b.Labels, s.Labels)
		b.Paths = append(b.Paths, s.Path)
		b.N++
	}
	return b
}

package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/vision/dataset"
)

// fakeDataset yields constant images whose first value encodes the index.
type fakeDataset struct {
	mu     sync.Mutex
	n      int
	size   int
	fail   map[int]bool
	reads  map[int]int
	gate   chan struct{}
	epoch  int
	mosaic bool
	stable bool
}

func newFakeDataset(n, size int) *fakeDataset {
	return &fakeDataset{n: n, size: size, fail: map[int]bool{}, reads: map[int]int{}, mosaic: true}
}

func (f *fakeDataset) Len() int { return f.n }

func (f *fakeDataset) Get(i int) (dataset.Sample, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.reads[i]++
	f.mu.Unlock()
	if f.fail[i] {
		return dataset.Sample{}, errors.New("corrupt image")
	}
	img := make([]float32, 3*f.size*f.size)
	img[0] = float32(i)
	return dataset.Sample{
		Path:   fmt.Sprintf("img%d.jpg", i),
		Image:  img,
		Labels: []detection.Label{{Class: i % 2}},
	}, nil
}

func (f *fakeDataset) SetEpoch(e int)      { f.epoch = e }
func (f *fakeDataset) SetMosaic(on bool)   { f.mosaic = on }
func (f *fakeDataset) Deterministic() bool { return f.stable }

func drain(t *testing.T, dl *DataLoader) []*detection.Batch {
	t.Helper()
	dl.Reset()
	var out []*detection.Batch
	for {
		b, err := dl.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, b)
	}
}

func TestDataLoaderDeliversInOrder(t *testing.T) {
	ds := newFakeDataset(10, 4)
	dl, err := NewDataLoader(ds, Config{BatchSize: 4, NumWorkers: 3, InputSize: 4})
	if err != nil {
		t.Fatalf("NewDataLoader: %v", err)
	}
	defer dl.Close()

	if dl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", dl.Len())
	}
	batches := drain(t, dl)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	want := 0
	plane := 3 * 4 * 4
	for _, b := range batches {
		for k := 0; k < b.N; k++ {
			if got := int(b.Images[k*plane]); got != want {
				t.Fatalf("sample %d: got index %d", want, got)
			}
			want++
		}
	}
	if want != 10 {
		t.Fatalf("delivered %d samples, want 10", want)
	}
	if batches[2].N != 2 {
		t.Errorf("last batch has %d samples, want 2", batches[2].N)
	}
}

func TestDataLoaderShardsAcrossRanks(t *testing.T) {
	seen := map[int]int{}
	lens := map[int]bool{}
	for rank := 0; rank < 3; rank++ {
		ds := newFakeDataset(7, 2)
		dl, err := NewDataLoader(ds, Config{BatchSize: 2, InputSize: 2, Shuffle: true, Rank: rank, WorldSize: 3, Seed: 5})
		if err != nil {
			t.Fatalf("NewDataLoader: %v", err)
		}
		dl.SetEpoch(1)
		lens[dl.Len()] = true
		for _, b := range drain(t, dl) {
			for k := 0; k < b.N; k++ {
				seen[int(b.Images[k*12])]++
			}
		}
		dl.Close()
	}
	if len(lens) != 1 {
		t.Errorf("ranks disagree on batch count: %v", lens)
	}
	if len(seen) != 7 {
		t.Errorf("expected every index to be covered, got %v", seen)
	}
}

func TestDataLoaderSkipsFailedSamples(t *testing.T) {
	ds := newFakeDataset(4, 2)
	ds.fail[1] = true
	ds.fail[2] = true
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2, InputSize: 2})
	defer dl.Close()

	batches := drain(t, dl)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if batches[0].N != 1 || batches[1].N != 1 {
		t.Errorf("unexpected batch sizes %d and %d", batches[0].N, batches[1].N)
	}
	if dl.Skipped() != 2 {
		t.Errorf("Skipped = %d, want 2", dl.Skipped())
	}
}

func TestDataLoaderCachesDeterministicSamples(t *testing.T) {
	ds := newFakeDataset(4, 2)
	ds.stable = true
	dl, _ := NewDataLoader(ds, Config{BatchSize: 4, InputSize: 2, CacheSize: 8})
	defer dl.Close()

	drain(t, dl)
	drain(t, dl)
	for i := 0; i < 4; i++ {
		if ds.reads[i] != 1 {
			t.Errorf("index %d read %d times, want 1", i, ds.reads[i])
		}
	}
	if s := dl.CacheStats(); s.Hits != 4 || s.Size != 4 {
		t.Errorf("unexpected cache stats: %s", s)
	}

	ds.stable = false
	drain(t, dl)
	if ds.reads[0] != 2 {
		t.Errorf("augmented samples must bypass the cache")
	}
}

func TestDataLoaderForwardsEpochAndMosaic(t *testing.T) {
	ds := newFakeDataset(2, 2)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 1, InputSize: 2})
	dl.SetEpoch(4)
	dl.DisableMosaic()
	if ds.epoch != 4 || ds.mosaic {
		t.Errorf("epoch=%d mosaic=%v", ds.epoch, ds.mosaic)
	}
}

func TestDataLoaderNextHonoursContext(t *testing.T) {
	ds := newFakeDataset(2, 2)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 1, InputSize: 2})
	if _, err := dl.Next(context.Background()); err == nil {
		t.Fatal("expected error before Reset")
	}

	ds.gate = make(chan struct{})
	dl.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dl.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
	close(ds.gate)
	dl.Close()
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := newFakeDataset(2, 2)
	if _, err := NewDataLoader(ds, Config{BatchSize: 0, InputSize: 2}); err == nil {
		t.Error("expected batch size error")
	}
	if _, err := NewDataLoader(ds, Config{BatchSize: 1}); err == nil {
		t.Error("expected input size error")
	}
	if _, err := NewDataLoader(ds, Config{BatchSize: 1, InputSize: 2, Rank: 2, WorldSize: 2}); err == nil {
		t.Error("expected rank error")
	}
}

func TestSampleCacheEviction(t *testing.T) {
	c := NewSampleCache(2)
	c.Put(1, dataset.Sample{Path: "a"})
	c.Put(2, dataset.Sample{Path: "b"})
	c.Get(1)
	c.Put(3, dataset.Sample{Path: "c"})

	if _, ok := c.Get(2); ok {
		t.Error("least recently used entry should be evicted")
	}
	if s, ok := c.Get(1); !ok || s.Path != "a" {
		t.Error("recently used entry should survive")
	}
	stats := c.Stats()
	if stats.Size != 2 || stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	c.Clear()
	if c.Stats().Size != 0 {
		t.Error("Clear should empty the cache")
	}

	disabled := NewSampleCache(0)
	disabled.Put(1, dataset.Sample{})
	if _, ok := disabled.Get(1); ok {
		t.Error("zero-sized cache must not store")
	}
}

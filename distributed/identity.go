// Package distributed coordinates the processes of a multi-replica run:
// process identity, the rendezvous-based process group, per-epoch data
// sharding and gradient averaging.
package distributed

import "fmt"

// Identity is the position of this process in the run.
type Identity struct {
	Rank      int
	WorldSize int

	// Addr is the host:port rank 0 serves the rendezvous on
	Addr string
}

// IsPrimary reports whether this is rank 0, the only process that logs,
// evaluates and writes artifacts.
func (id Identity) IsPrimary() bool {
	return id.Rank == 0
}

// Distributed reports whether peers take part in the run.
func (id Identity) Distributed() bool {
	return id.WorldSize > 1
}

func (id Identity) validate() error {
	if id.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", id.WorldSize)
	}
	if id.Rank < 0 || id.Rank >= id.WorldSize {
		return fmt.Errorf("rank %d outside world of size %d", id.Rank, id.WorldSize)
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("rank %d/%d", id.Rank, id.WorldSize)
}

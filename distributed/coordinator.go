package distributed

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// Coordinator owns the process identity and, in a multi-process run, the
// bound device and the process group.
type Coordinator struct {
	id     Identity
	device *Device
	group  *ProcessGroup
	logger *slog.Logger
}

// Init establishes the process identity. With a world size of 1 it neither
// binds a device nor joins a group. Otherwise it blocks until every peer has
// joined; a failed join is returned and must abort the run.
func Init(ctx context.Context, id Identity, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := id.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{id: id, logger: logger.With("component", "coordinator")}
	if !id.Distributed() {
		return c, nil
	}

	device := BindDevice(id.Rank, id.WorldSize)
	c.device = &device
	c.logger.Debug("bound device",
		"rank", id.Rank,
		"brand", device.Brand,
		"threads", device.Threads,
		"procs", device.Procs,
		"avx2", device.AVX2,
	)

	group, err := Join(ctx, id, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "process group initialization failed")
	}
	c.group = group
	return c, nil
}

// IsPrimary reports whether this is rank 0.
func (c *Coordinator) IsPrimary() bool { return c.id.IsPrimary() }

// Rank returns this process's rank.
func (c *Coordinator) Rank() int { return c.id.Rank }

// WorldSize returns the number of processes.
func (c *Coordinator) WorldSize() int { return c.id.WorldSize }

// Group returns the process group, nil in a single-process run.
func (c *Coordinator) Group() *ProcessGroup { return c.group }

// Barrier waits for every rank. It is a no-op without a group.
func (c *Coordinator) Barrier(ctx context.Context) error {
	if c.group == nil {
		return nil
	}
	return c.group.Barrier(ctx)
}

// Broadcast returns rank 0's payload on every rank. Without a group the
// payload is returned as is.
func (c *Coordinator) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	if c.group == nil {
		return payload, nil
	}
	return c.group.Broadcast(ctx, payload)
}

// Close tears the process group down. It is safe to defer on every path.
func (c *Coordinator) Close() error {
	if c == nil || c.group == nil {
		return nil
	}
	return c.group.Close()
}

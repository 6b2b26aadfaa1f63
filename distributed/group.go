package distributed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxMessageSize bounds one collective. Gradient buffers and broadcast
// checkpoints exceed the gRPC default of 4MB.
const maxMessageSize = 1 << 30

// ProcessGroup connects the replicas of a run. Rank 0 hosts the rendezvous
// service; every rank, rank 0 included, talks to it over gRPC. All ranks
// must issue the same sequence of collectives.
type ProcessGroup struct {
	id     Identity
	logger *slog.Logger

	conn   *grpc.ClientConn
	server *grpc.Server
	lis    net.Listener

	mu  sync.Mutex
	seq int

	closeOnce sync.Once
	closeErr  error
}

// Option configures Join.
type Option func(*groupOptions)

type groupOptions struct {
	listener net.Listener
	logger   *slog.Logger
}

// WithListener makes rank 0 serve on an existing listener instead of
// listening on the identity's address.
func WithListener(lis net.Listener) Option {
	return func(o *groupOptions) { o.listener = lis }
}

// WithLogger sets the logger used for membership events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *groupOptions) { o.logger = logger }
}

// Join connects to the group and blocks until every rank has joined or ctx
// ends.
func Join(ctx context.Context, id Identity, opts ...Option) (*ProcessGroup, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	o := groupOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	pg := &ProcessGroup{
		id:     id,
		logger: o.logger.With("component", "process-group", "rank", id.Rank),
	}

	addr := id.Addr
	if id.IsPrimary() {
		lis := o.listener
		if lis == nil {
			var err error
			lis, err = net.Listen("tcp", id.Addr)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to listen on %s", id.Addr)
			}
		}
		pg.lis = lis
		pg.server = grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMessageSize),
			grpc.MaxSendMsgSize(maxMessageSize),
		)
		pg.server.RegisterService(&processGroupDesc, newRendezvous(id.WorldSize))
		go func() {
			if err := pg.server.Serve(lis); err != nil {
				pg.logger.Error("rendezvous server stopped", "error", err)
			}
		}()
		addr = lis.Addr().String()
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		pg.Close()
		return nil, errors.Wrapf(err, "failed to connect to rendezvous %s", addr)
	}
	pg.conn = conn

	reply, err := pg.call(ctx, collective{Round: "join"})
	if err != nil {
		pg.Close()
		return nil, errors.WithMessagef(err, "%s failed to join", id)
	}
	if reply.WorldSize != id.WorldSize {
		pg.Close()
		return nil, fmt.Errorf("world size mismatch: rendezvous has %d, %s expects %d", reply.WorldSize, id, id.WorldSize)
	}
	pg.logger.Info("joined process group", "world_size", id.WorldSize, "rendezvous", addr)
	return pg, nil
}

// Rank returns this process's rank.
func (pg *ProcessGroup) Rank() int { return pg.id.Rank }

// WorldSize returns the number of ranks.
func (pg *ProcessGroup) WorldSize() int { return pg.id.WorldSize }

// Barrier blocks until every rank reaches the same barrier.
func (pg *ProcessGroup) Barrier(ctx context.Context) error {
	_, err := pg.call(ctx, collective{Round: pg.next("barrier")})
	return err
}

// AllReduceMean replaces data with its element-wise mean over all ranks.
func (pg *ProcessGroup) AllReduceMean(ctx context.Context, data []float32) error {
	if len(data) == 0 {
		return fmt.Errorf("all-reduce of an empty buffer")
	}
	reply, err := pg.call(ctx, collective{Round: pg.next("allreduce"), Data: data})
	if err != nil {
		return err
	}
	if len(reply.Data) != len(data) {
		return fmt.Errorf("all-reduce returned %d values, expected %d", len(reply.Data), len(data))
	}
	copy(data, reply.Data)
	return nil
}

// Broadcast returns rank 0's payload on every rank. Rank 0 must pass a
// non-empty payload; the payload of any other rank is ignored.
func (pg *ProcessGroup) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	if pg.id.IsPrimary() && len(payload) == 0 {
		return nil, fmt.Errorf("broadcast of an empty payload")
	}
	c := collective{Round: pg.next("broadcast")}
	if pg.id.IsPrimary() {
		c.Payload = payload
	}
	reply, err := pg.call(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(reply.Payload) == 0 {
		return nil, fmt.Errorf("broadcast %s carried no payload", c.Round)
	}
	return reply.Payload, nil
}

// Close releases the connection and, on rank 0, stops the rendezvous. It is
// safe to call more than once.
func (pg *ProcessGroup) Close() error {
	pg.closeOnce.Do(func() {
		if pg.conn != nil {
			pg.closeErr = pg.conn.Close()
		}
		if pg.server != nil {
			pg.server.Stop()
		}
		pg.logger.Debug("process group closed")
	})
	return pg.closeErr
}

func (pg *ProcessGroup) next(kind string) string {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.seq++
	return kind + "/" + strconv.Itoa(pg.seq)
}

func (pg *ProcessGroup) call(ctx context.Context, c collective) (collective, error) {
	c.Rank = pg.id.Rank
	resp := new(wrapperspb.BytesValue)
	if err := pg.conn.Invoke(ctx, collectiveMethod, c.encode(), resp, grpc.WaitForReady(true)); err != nil {
		return collective{}, errors.Wrapf(err, "collective %s", c.Round)
	}
	return decodeCollective(resp)
}

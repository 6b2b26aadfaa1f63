package distributed

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName      = "detect.distributed.ProcessGroup"
	collectiveMethod = "/" + serviceName + "/Collective"
)

// collectiveServer is implemented by the rendezvous hosted on rank 0.
type collectiveServer interface {
	Collective(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var processGroupDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Collective",
			Handler:    collectiveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distributed/rendezvous.go",
}

func collectiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Collective(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: collectiveMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveServer).Collective(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// round collects one contribution per rank. It completes when the last
// rank arrives; contributions carrying data are averaged and a payload,
// which only rank 0 may send, is handed to every rank.
type round struct {
	arrived map[int]bool
	sum     []float64
	result  []float32
	payload []byte
	err     error
	done    chan struct{}
}

// rendezvous holds the open rounds of the group.
type rendezvous struct {
	world int

	mu     sync.Mutex
	rounds map[string]*round
}

func newRendezvous(world int) *rendezvous {
	return &rendezvous{world: world, rounds: make(map[string]*round)}
}

func (r *rendezvous) Collective(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	c, err := decodeCollective(in)
	if err != nil {
		return nil, fmt.Errorf("invalid collective payload: %v", err)
	}
	rd, err := r.contribute(ctx, c)
	if err != nil {
		return nil, err
	}
	return collective{Round: c.Round, Data: rd.result, WorldSize: r.world, Payload: rd.payload}.encode(), nil
}

func (r *rendezvous) contribute(ctx context.Context, c collective) (*round, error) {
	if c.Rank < 0 || c.Rank >= r.world {
		return nil, fmt.Errorf("rank %d outside world of size %d", c.Rank, r.world)
	}

	r.mu.Lock()
	rd, ok := r.rounds[c.Round]
	if !ok {
		rd = &round{arrived: make(map[int]bool), done: make(chan struct{})}
		r.rounds[c.Round] = rd
	}
	if rd.arrived[c.Rank] {
		r.mu.Unlock()
		return nil, fmt.Errorf("rank %d joined round %q twice", c.Rank, c.Round)
	}
	rd.arrived[c.Rank] = true

	if len(c.Payload) > 0 {
		if c.Rank != 0 {
			rd.err = fmt.Errorf("round %q: rank %d sent a payload, only rank 0 may", c.Round, c.Rank)
		}
		rd.payload = c.Payload
	}

	switch {
	case len(c.Data) == 0:
	case rd.sum == nil:
		rd.sum = make([]float64, len(c.Data))
		fallthrough
	default:
		if len(c.Data) != len(rd.sum) {
			rd.err = fmt.Errorf("round %q: rank %d sent %d values, expected %d", c.Round, c.Rank, len(c.Data), len(rd.sum))
			break
		}
		for i, v := range c.Data {
			rd.sum[i] += float64(v)
		}
	}

	if len(rd.arrived) == r.world || rd.err != nil {
		if rd.err == nil && rd.sum != nil {
			rd.result = make([]float32, len(rd.sum))
			for i, s := range rd.sum {
				rd.result[i] = float32(s / float64(r.world))
			}
		}
		delete(r.rounds, c.Round)
		close(rd.done)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
		return rd, rd.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

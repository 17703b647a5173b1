package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/machine"
	"github.com/aretw0/espalier/pkg/protocol"
)

// DefaultUpdateLimit is the number of settling passes allowed after an
// event before the request fails.
const DefaultUpdateLimit = 50

// ErrUpdateLimitExceeded is returned when the tree did not reach a fixpoint
// within the update limit. Its message is part of the wire contract.
var ErrUpdateLimitExceeded = errors.New("update_limit_exceeded")

type config struct {
	updateLimit int
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*config)

// WithUpdateLimit sets the settling ceiling. Values below 1 are ignored.
func WithUpdateLimit(n int) Option {
	return func(c *config) {
		if n >= 1 {
			c.updateLimit = n
		}
	}
}

// WithLogger sets a structured logger for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Executor turns requests into snapshots for a root unit S with event type E
// and initialization parameter P.
type Executor[S machine.State[S, E], E any, P any] struct {
	entry machine.Entry[S, P]
	cfg   config
}

// New creates an executor for the root unit built by entry.
func New[S machine.State[S, E], E any, P any](entry machine.Entry[S, P], opts ...Option) *Executor[S, E, P] {
	cfg := config{
		updateLimit: DefaultUpdateLimit,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor[S, E, P]{entry: entry, cfg: cfg}
}

// UpdateLimit returns the configured settling ceiling.
func (x *Executor[S, E, P]) UpdateLimit() int {
	return x.cfg.updateLimit
}

// Execute is the outermost boundary: it decodes a request envelope, handles
// it and encodes the response. It never fails; malformed input and panics
// raised by application code become Error responses.
func (x *Executor[S, E, P]) Execute(input []byte) (output []byte) {
	defer func() {
		if r := recover(); r != nil {
			x.cfg.logger.Error("panic while executing request", "panic", r)
			output = encode(protocol.ErrorResponse(fmt.Sprintf("panic: %v", r)))
		}
	}()

	req, err := protocol.DecodeRequest(input)
	if err != nil {
		return encode(protocol.ErrorResponse(err.Error()))
	}
	return encode(x.Handle(req))
}

// Handle runs a decoded request and wraps the outcome in a Response.
func (x *Executor[S, E, P]) Handle(req protocol.Request) protocol.Response {
	snapshot, err := x.Run(req)
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	return protocol.SnapshotResponse(snapshot)
}

// Run dispatches a request to Initialize or Event.
func (x *Executor[S, E, P]) Run(req protocol.Request) (protocol.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return protocol.Snapshot{}, err
	}
	if req.Initialization != nil {
		return x.Initialize(req.Initialization.Parameter)
	}
	return x.Event(req.Event.State, req.Event.Event)
}

// Initialize builds a fresh root value from the serialized parameter, which
// is decoded as strictly as an event.
func (x *Executor[S, E, P]) Initialize(parameter string) (protocol.Snapshot, error) {
	p, err := machine.Decode[P](parameter)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: parameter: %v", protocol.ErrMalformed, err)
	}
	state, actions := x.entry(p)
	return x.snapshot(machine.NewStore[S, E](state), actions)
}

// Event applies one event to a serialized root value, then settles the tree
// until an update pass reports Same. Exhausting the update limit discards
// every mutation of the attempt and returns ErrUpdateLimitExceeded.
func (x *Executor[S, E, P]) Event(state, event string) (protocol.Snapshot, error) {
	var store machine.Store[S, E]
	if err := json.Unmarshal([]byte(state), &store); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: state: %v", protocol.ErrMalformed, err)
	}

	status, actions := store.Process(event)
	if status == machine.Dropped {
		x.cfg.logger.Debug("event dropped at every level")
		return x.snapshot(&store, actions)
	}

	for i := 0; i < x.cfg.updateLimit; i++ {
		changed, more := store.Update()
		actions = actions.Merge(more)
		if changed == machine.Same {
			x.cfg.logger.Debug("tree settled", "updates", i+1)
			return x.snapshot(&store, actions)
		}
	}
	x.cfg.logger.Warn("tree did not settle", "limit", x.cfg.updateLimit)
	return protocol.Snapshot{}, ErrUpdateLimitExceeded
}

func (x *Executor[S, E, P]) snapshot(store *machine.Store[S, E], actions machine.Actions) (protocol.Snapshot, error) {
	ops, err := actions.Build()
	if err != nil {
		return protocol.Snapshot{}, err
	}
	data, err := json.Marshal(store)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to serialize state: %w", err)
	}
	return protocol.Snapshot{Operations: ops, State: string(data)}, nil
}

func encode(resp protocol.Response) []byte {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		// Only reachable with an invalid envelope; an Error response always encodes.
		data, _ = protocol.EncodeResponse(protocol.ErrorResponse(err.Error()))
	}
	return data
}

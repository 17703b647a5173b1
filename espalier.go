package espalier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/host"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/process"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/google/uuid"
)

// ErrGuest matches every GuestError.
var ErrGuest = errors.New("guest error")

// GuestError is an Error response returned by the guest, such as
// "update_limit_exceeded" or a malformed payload report.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string { return e.Message }

func (e *GuestError) Is(target error) bool { return target == ErrGuest }

// Result is the outcome of a request against one process.
type Result struct {
	Module     string               `json:"wasm"`
	ProcessID  string               `json:"process_id"`
	State      json.RawMessage      `json:"state"`
	Operations []protocol.Operation `json:"operations"`
}

// Host creates and updates processes: it instantiates a fresh sandbox per
// request, drives it through the ABI and persists the returned state.
type Host struct {
	source    ports.ModuleSource
	store     ports.ProcessStore
	locker    ports.DistributedLocker
	processes *process.Manager
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	newID     func() string
	lockTTL   time.Duration
}

// Option defines a functional option for configuring the Host.
type Option func(*Host)

// WithStore sets the process store. Defaults to an in-memory store.
func WithStore(store ports.ProcessStore) Option {
	return func(h *Host) {
		h.store = store
	}
}

// WithLocker enables distributed locking of process updates.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(h *Host) {
		h.locker = locker
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(h *Host) {
		h.hooks = hooks
	}
}

// WithLogger sets a custom structured logger for the host.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithLockTTL bounds how long a distributed process lock is held.
func WithLockTTL(ttl time.Duration) Option {
	return func(h *Host) {
		h.lockTTL = ttl
	}
}

// WithIDGenerator replaces the uuid v4 process id generator.
func WithIDGenerator(fn func() string) Option {
	return func(h *Host) {
		h.newID = fn
	}
}

// New creates a Host over a module source.
func New(source ports.ModuleSource, opts ...Option) (*Host, error) {
	if source == nil {
		return nil, fmt.Errorf("module source is required")
	}
	h := &Host{
		source: source,
		logger: logging.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = memory.NewStore()
	}

	managerOpts := []process.Option{process.WithLogger(h.logger)}
	if h.locker != nil {
		managerOpts = append(managerOpts, process.WithLocker(h.locker))
	}
	if h.lockTTL > 0 {
		managerOpts = append(managerOpts, process.WithLockTTL(h.lockTTL))
	}
	h.processes = process.NewManager(h.store, managerOpts...)
	return h, nil
}

// Create initializes a new process of module from parameter and stores it
// under a fresh id.
func (h *Host) Create(ctx context.Context, module, parameter string) (Result, error) {
	id := h.newID()
	ev := h.start(ctx, domain.RequestCreate, module, id)

	snapshot, err := h.run(ctx, module, protocol.NewInitialization(parameter))
	if err == nil {
		err = h.processes.Put(ctx, module, id, snapshot.State)
	}
	return h.finish(ctx, ev, snapshot, err)
}

// Update applies event to a stored process and stores the new state. The
// read-run-write cycle holds the process lock.
func (h *Host) Update(ctx context.Context, module, id, event string) (Result, error) {
	ev := h.start(ctx, domain.RequestUpdate, module, id)

	var snapshot protocol.Snapshot
	err := h.processes.WithLock(ctx, module, id, func(ctx context.Context) error {
		state, err := h.store.Get(ctx, module, id)
		if err != nil {
			return err
		}
		snapshot, err = h.run(ctx, module, protocol.NewEvent(state, event))
		if err != nil {
			return err
		}
		return h.store.Put(ctx, module, id, snapshot.State)
	})
	return h.finish(ctx, ev, snapshot, err)
}

// Get returns the stored state of a process.
func (h *Host) Get(ctx context.Context, module, id string) (Result, error) {
	state, err := h.processes.Get(ctx, module, id)
	if err != nil {
		return Result{}, err
	}
	return newResult(module, id, protocol.Snapshot{State: state}), nil
}

// Delete removes a process.
func (h *Host) Delete(ctx context.Context, module, id string) error {
	if _, err := h.processes.Get(ctx, module, id); err != nil {
		return err
	}
	return h.processes.Delete(ctx, module, id)
}

// List returns the process ids stored for a module.
func (h *Host) List(ctx context.Context, module string) ([]string, error) {
	return h.processes.List(ctx, module)
}

// Modules returns the module names known to the source.
func (h *Host) Modules() []string {
	return h.source.Modules()
}

func (h *Host) run(ctx context.Context, module string, req protocol.Request) (protocol.Snapshot, error) {
	inst, err := h.source.Instantiate(ctx, module)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	defer func() {
		if err := inst.Close(ctx); err != nil {
			h.logger.Warn("failed to close sandbox", "module", module, "err", err)
		}
	}()

	resp, err := host.NewDriver(inst, host.WithLogger(h.logger.With("module", module))).Execute(ctx, req)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	if resp.Error != nil {
		return protocol.Snapshot{}, &GuestError{Message: *resp.Error}
	}
	return *resp.Snapshot, nil
}

func (h *Host) start(ctx context.Context, kind domain.RequestKind, module, id string) *domain.RequestEvent {
	ev := &domain.RequestEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Module:    module,
		ProcessID: id,
	}
	if h.hooks.OnRequestStart != nil {
		h.hooks.OnRequestStart(ctx, ev)
	}
	return ev
}

func (h *Host) finish(ctx context.Context, ev *domain.RequestEvent, snapshot protocol.Snapshot, err error) (Result, error) {
	ev.Duration = time.Since(ev.Timestamp)
	ev.Err = err
	ev.Outcome = Classify(err)
	if err == nil {
		ev.Operations = snapshot.Operations
	}

	if ev.Outcome == domain.OutcomeFault && h.hooks.OnSandboxFault != nil {
		h.hooks.OnSandboxFault(ctx, ev)
	}
	if h.hooks.OnRequestEnd != nil {
		h.hooks.OnRequestEnd(ctx, ev)
	}

	if err != nil {
		h.logger.Debug("request failed", "kind", ev.Kind, "module", ev.Module, "process_id", ev.ProcessID, "outcome", ev.Outcome, "err", err)
		return Result{}, err
	}
	h.logger.Debug("request handled", "kind", ev.Kind, "module", ev.Module, "process_id", ev.ProcessID, "operations", len(snapshot.Operations))
	return newResult(ev.Module, ev.ProcessID, snapshot), nil
}

// Classify maps a request error onto an outcome.
func Classify(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.OutcomeOK
	case errors.Is(err, ErrGuest):
		return domain.OutcomeGuestError
	case errors.Is(err, domain.ErrModuleNotFound), errors.Is(err, domain.ErrProcessNotFound):
		return domain.OutcomeNotFound
	case errors.Is(err, host.ErrSandboxFault), errors.Is(err, host.ErrOutOfBounds), errors.Is(err, protocol.ErrMalformed):
		return domain.OutcomeFault
	default:
		return domain.OutcomeError
	}
}

// newResult embeds the guest state as JSON when it is JSON, and as a JSON
// string otherwise.
func newResult(module, id string, snapshot protocol.Snapshot) Result {
	state := json.RawMessage(snapshot.State)
	if !json.Valid(state) {
		quoted, _ := json.Marshal(snapshot.State)
		state = quoted
	}
	ops := snapshot.Operations
	if ops == nil {
		ops = []protocol.Operation{}
	}
	return Result{Module: module, ProcessID: id, State: state, Operations: ops}
}

package testutils

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/native"
	"github.com/aretw0/espalier/pkg/executor"
	"github.com/aretw0/espalier/pkg/machine"
	"github.com/stretchr/testify/require"
)

// Module names registered by NewRegistry.
const (
	AccumulatorModule = "accumulator.wasm"
	PanelModule       = "panel.wasm"
	CountdownModule   = "countdown.wasm"
	OscillatorModule  = "oscillator.wasm"
)

// Accumulator is a flat unit supporting Add, Subtract and Multiply.
type Accumulator struct {
	Accumulator int `json:"accumulator"`
}

// AccumulatorEvent is an externally tagged union: exactly one field is set.
type AccumulatorEvent struct {
	Add      *int `json:"Add,omitempty"`
	Subtract *int `json:"Subtract,omitempty"`
	Multiply *int `json:"Multiply,omitempty"`
}

// AccumulatorParameter initializes an Accumulator.
type AccumulatorParameter struct {
	Initial int `json:"initial"`
}

func (e AccumulatorEvent) Validate() error {
	return exactlyOne(e.Add != nil, e.Subtract != nil, e.Multiply != nil)
}

// AccumulatorEntry builds the initial accumulator.
func AccumulatorEntry(p AccumulatorParameter) (Accumulator, machine.Actions) {
	return Accumulator{Accumulator: p.Initial}, machine.NewActions()
}

func (a Accumulator) Process(e AccumulatorEvent) (Accumulator, machine.EventStatus, machine.Actions) {
	switch {
	case e.Add != nil:
		a.Accumulator += *e.Add
	case e.Subtract != nil:
		a.Accumulator -= *e.Subtract
	case e.Multiply != nil:
		a.Accumulator *= *e.Multiply
	}
	return a, machine.Consumed, machine.NewActions()
}

func (a Accumulator) Update() (Accumulator, machine.Actions) { return a, machine.NewActions() }
func (a Accumulator) Children() []machine.Node                { return nil }

// Counter is the first child of Panel.
type Counter struct {
	Count int `json:"count"`
}

type CounterEvent struct {
	Increment *int `json:"Increment,omitempty"`
}

func (e CounterEvent) Validate() error { return exactlyOne(e.Increment != nil) }

func (c Counter) Process(e CounterEvent) (Counter, machine.EventStatus, machine.Actions) {
	c.Count += *e.Increment
	return c, machine.Consumed, machine.NewActions().Info("counter consumed")
}

func (c Counter) Update() (Counter, machine.Actions) { return c, machine.NewActions() }
func (c Counter) Children() []machine.Node          { return nil }

// Gauge is the second child of Panel. It also understands Increment, so it
// only sees one when Counter is absent.
type Gauge struct {
	Level int `json:"level"`
}

type GaugeEvent struct {
	Increment *int `json:"Increment,omitempty"`
	Set       *int `json:"Set,omitempty"`
}

func (e GaugeEvent) Validate() error { return exactlyOne(e.Increment != nil, e.Set != nil) }

func (g Gauge) Process(e GaugeEvent) (Gauge, machine.EventStatus, machine.Actions) {
	if e.Set != nil {
		g.Level = *e.Set
	} else {
		g.Level += *e.Increment
	}
	return g, machine.Consumed, machine.NewActions().Info("gauge consumed")
}

func (g Gauge) Update() (Gauge, machine.Actions) { return g, machine.NewActions() }
func (g Gauge) Children() []machine.Node        { return nil }

// Panel is a composite root with two heterogeneous children. Its Total is
// derived from the children during update, so a child event cascades into a
// parent change on the next settling pass.
type Panel struct {
	Total  int                                   `json:"total"`
	Resets int                                   `json:"resets"`
	First  *machine.Store[Counter, CounterEvent] `json:"first"`
	Second *machine.Store[Gauge, GaugeEvent]     `json:"second"`
}

type PanelEvent struct {
	Reset *struct{} `json:"Reset,omitempty"`
}

func (e PanelEvent) Validate() error { return exactlyOne(e.Reset != nil) }

type PanelParameter struct {
	Count int `json:"count"`
	Level int `json:"level"`
}

// PanelEntry builds a panel with both children.
func PanelEntry(p PanelParameter) (Panel, machine.Actions) {
	return Panel{
		Total:  p.Count + p.Level,
		First:  machine.NewStore[Counter, CounterEvent](Counter{Count: p.Count}),
		Second: machine.NewStore[Gauge, GaugeEvent](Gauge{Level: p.Level}),
	}, machine.NewActions().Info("panel created")
}

func (p Panel) Process(PanelEvent) (Panel, machine.EventStatus, machine.Actions) {
	p.Resets++
	return p, machine.Consumed, machine.NewActions().Info("panel consumed")
}

func (p Panel) Update() (Panel, machine.Actions) {
	total := 0
	if p.First != nil {
		total += p.First.Value().Count
	}
	if p.Second != nil {
		total += p.Second.Value().Level
	}
	p.Total = total
	return p, machine.NewActions()
}

func (p Panel) Children() []machine.Node {
	return []machine.Node{p.First, p.Second}
}

// Countdown keeps changing on every update until Remaining reaches zero,
// emitting one tick per change.
type Countdown struct {
	Remaining int `json:"remaining"`
}

type CountdownEvent struct {
	Start *int `json:"Start,omitempty"`
}

func (e CountdownEvent) Validate() error { return exactlyOne(e.Start != nil) }

func CountdownEntry(struct{}) (Countdown, machine.Actions) {
	return Countdown{}, machine.NewActions()
}

func (c Countdown) Process(e CountdownEvent) (Countdown, machine.EventStatus, machine.Actions) {
	c.Remaining = *e.Start
	return c, machine.Consumed, machine.NewActions()
}

func (c Countdown) Update() (Countdown, machine.Actions) {
	if c.Remaining == 0 {
		return c, machine.NewActions()
	}
	c.Remaining--
	return c, machine.NewActions().Info("tick")
}

func (c Countdown) Children() []machine.Node { return nil }

// Fuse burns down one tick per update once lit.
type Fuse struct {
	Lit       bool `json:"lit"`
	Remaining int  `json:"remaining"`
}

type FuseEvent struct {
	Light *int `json:"Light,omitempty"`
}

func (e FuseEvent) Validate() error { return exactlyOne(e.Light != nil) }

func (f Fuse) Process(e FuseEvent) (Fuse, machine.EventStatus, machine.Actions) {
	f.Lit = true
	f.Remaining = *e.Light
	return f, machine.Consumed, machine.NewActions()
}

func (f Fuse) Update() (Fuse, machine.Actions) {
	if f.Remaining == 0 {
		return f, machine.NewActions()
	}
	f.Remaining--
	return f, machine.NewActions().Info("tick")
}

func (f Fuse) Children() []machine.Node { return nil }

// Launcher lights its Fuse from its own Update once armed. The only value
// that changes in that pass is the child's.
type Launcher struct {
	Armed bool                            `json:"armed"`
	Fuse  *machine.Store[Fuse, FuseEvent] `json:"fuse"`
}

type LauncherEvent struct {
	Arm *struct{} `json:"Arm,omitempty"`
}

func (e LauncherEvent) Validate() error { return exactlyOne(e.Arm != nil) }

// LauncherEntry builds an unarmed launcher with an unlit fuse.
func LauncherEntry(struct{}) (Launcher, machine.Actions) {
	return Launcher{Fuse: machine.NewStore[Fuse, FuseEvent](Fuse{})}, machine.NewActions()
}

func (l Launcher) Process(LauncherEvent) (Launcher, machine.EventStatus, machine.Actions) {
	l.Armed = true
	return l, machine.Consumed, machine.NewActions()
}

func (l Launcher) Update() (Launcher, machine.Actions) {
	if !l.Armed || l.Fuse.Value().Lit {
		return l, machine.NewActions()
	}
	l.Fuse.Process(`{"Light":3}`)
	return l, machine.NewActions().Info("lit")
}

func (l Launcher) Children() []machine.Node { return []machine.Node{l.Fuse} }

// Oscillator never settles once kicked.
type Oscillator struct {
	On bool `json:"on"`
}

type OscillatorEvent struct {
	Kick *struct{} `json:"Kick,omitempty"`
}

func (e OscillatorEvent) Validate() error { return exactlyOne(e.Kick != nil) }

func OscillatorEntry(struct{}) (Oscillator, machine.Actions) {
	return Oscillator{}, machine.NewActions()
}

func (o Oscillator) Process(OscillatorEvent) (Oscillator, machine.EventStatus, machine.Actions) {
	return o, machine.Consumed, machine.NewActions()
}

func (o Oscillator) Update() (Oscillator, machine.Actions) {
	o.On = !o.On
	return o, machine.NewActions()
}

func (o Oscillator) Children() []machine.Node { return nil }

// AccumulatorExecutor returns an executor for the Accumulator machine.
func AccumulatorExecutor(opts ...executor.Option) *executor.Executor[Accumulator, AccumulatorEvent, AccumulatorParameter] {
	return executor.New[Accumulator, AccumulatorEvent, AccumulatorParameter](AccumulatorEntry, opts...)
}

// PanelExecutor returns an executor for the Panel machine.
func PanelExecutor(opts ...executor.Option) *executor.Executor[Panel, PanelEvent, PanelParameter] {
	return executor.New[Panel, PanelEvent, PanelParameter](PanelEntry, opts...)
}

// CountdownExecutor returns an executor for the Countdown machine.
func CountdownExecutor(opts ...executor.Option) *executor.Executor[Countdown, CountdownEvent, struct{}] {
	return executor.New[Countdown, CountdownEvent, struct{}](CountdownEntry, opts...)
}

// LauncherExecutor returns an executor for the Launcher machine. It is not
// part of NewRegistry.
func LauncherExecutor(opts ...executor.Option) *executor.Executor[Launcher, LauncherEvent, struct{}] {
	return executor.New[Launcher, LauncherEvent, struct{}](LauncherEntry, opts...)
}

// OscillatorExecutor returns an executor for the Oscillator machine.
func OscillatorExecutor(opts ...executor.Option) *executor.Executor[Oscillator, OscillatorEvent, struct{}] {
	return executor.New[Oscillator, OscillatorEvent, struct{}](OscillatorEntry, opts...)
}

// NewRegistry returns a native module registry with every sample machine.
func NewRegistry() *native.Registry {
	r := native.NewRegistry()
	r.Register(AccumulatorModule, AccumulatorExecutor())
	r.Register(PanelModule, PanelExecutor())
	r.Register(CountdownModule, CountdownExecutor())
	r.Register(OscillatorModule, OscillatorExecutor())
	return r
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func exactlyOne(set ...bool) error {
	n := 0
	for _, ok := range set {
		if ok {
			n++
		}
	}
	if n != 1 {
		return errors.New("exactly one variant must be set")
	}
	return nil
}

package machine_test

import (
	"encoding/json"
	"testing"

	"github.com/aretw0/espalier/internal/testutils"
	"github.com/aretw0/espalier/pkg/machine"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panelStore = machine.Store[testutils.Panel, testutils.PanelEvent]

func newPanel(count, level int) *panelStore {
	value, _ := testutils.PanelEntry(testutils.PanelParameter{Count: count, Level: level})
	return machine.NewStore[testutils.Panel, testutils.PanelEvent](value)
}

func operations(t *testing.T, actions machine.Actions) []protocol.Operation {
	t.Helper()
	ops, err := actions.Build()
	require.NoError(t, err)
	return ops
}

func TestStore_Process_Routing(t *testing.T) {
	t.Run("First Child Wins", func(t *testing.T) {
		store := newPanel(1, 10)

		status, actions := store.Process(`{"Increment":2}`)

		assert.Equal(t, machine.Consumed, status)
		assert.Equal(t, []protocol.Operation{protocol.InfoOperation("counter consumed")}, operations(t, actions))
		panel := store.Value()
		assert.Equal(t, 3, panel.First.Value().Count)
		assert.Equal(t, 10, panel.Second.Value().Level, "second child must not see the event")
		assert.Equal(t, 0, panel.Resets, "parent must not see the event")
		assert.Equal(t, 11, panel.Total, "parent value is untouched until update")
	})

	t.Run("Second Child When First Drops", func(t *testing.T) {
		store := newPanel(1, 10)

		status, actions := store.Process(`{"Set":4}`)

		assert.Equal(t, machine.Consumed, status)
		assert.Equal(t, []protocol.Operation{protocol.InfoOperation("gauge consumed")}, operations(t, actions))
		assert.Equal(t, 1, store.Value().First.Value().Count)
		assert.Equal(t, 4, store.Value().Second.Value().Level)
	})

	t.Run("Parent When Children Drop", func(t *testing.T) {
		store := newPanel(1, 10)

		status, actions := store.Process(`{"Reset":{}}`)

		assert.Equal(t, machine.Consumed, status)
		assert.Equal(t, []protocol.Operation{protocol.InfoOperation("panel consumed")}, operations(t, actions))
		assert.Equal(t, 1, store.Value().Resets)
	})

	t.Run("Dropped Everywhere", func(t *testing.T) {
		store := newPanel(1, 10)
		before, err := json.Marshal(store)
		require.NoError(t, err)

		for _, event := range []string{`{"Explode":1}`, `{}`, `not json`, `{"Increment":"two"}`, `{"Increment":1} {}`} {
			status, actions := store.Process(event)
			assert.Equal(t, machine.Dropped, status, event)
			assert.Equal(t, 0, actions.Len(), event)
		}

		after, err := json.Marshal(store)
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after))
	})
}

func TestStore_Update(t *testing.T) {
	t.Run("Cascades Child Change Into Parent", func(t *testing.T) {
		store := newPanel(0, 0)
		status, _ := store.Process(`{"Increment":5}`)
		require.Equal(t, machine.Consumed, status)

		changed, _ := store.Update()
		assert.Equal(t, machine.Changed, changed)
		assert.Equal(t, 5, store.Value().Total)

		same, actions := store.Update()
		assert.Equal(t, machine.Same, same)
		assert.Equal(t, 0, actions.Len())
	})

	t.Run("Countdown Converges In N Plus One Calls", func(t *testing.T) {
		const n = 7
		store := machine.NewStore[testutils.Countdown, testutils.CountdownEvent](testutils.Countdown{Remaining: n})

		calls := 0
		ticks := 0
		for {
			calls++
			status, actions := store.Update()
			ticks += actions.Len()
			if status == machine.Same {
				break
			}
			require.Less(t, calls, 100)
		}
		assert.Equal(t, n+1, calls)
		assert.Equal(t, n, ticks)
	})

	t.Run("Unit Driving Its Child Is Changed", func(t *testing.T) {
		store := machine.NewStore[testutils.Launcher, testutils.LauncherEvent](testutils.Launcher{
			Armed: true,
			Fuse:  machine.NewStore[testutils.Fuse, testutils.FuseEvent](testutils.Fuse{}),
		})

		status, actions := store.Update()
		assert.Equal(t, machine.Changed, status, "only the child changed in this pass")
		assert.Equal(t, []protocol.Operation{protocol.InfoOperation("lit")}, operations(t, actions))
		assert.Equal(t, testutils.Fuse{Lit: true, Remaining: 3}, store.Value().Fuse.Value())

		ticks := 0
		for i := 0; ; i++ {
			require.Less(t, i, 10)
			status, actions := store.Update()
			ticks += actions.Len()
			if status == machine.Same {
				break
			}
		}
		assert.Equal(t, 3, ticks)
		assert.Equal(t, testutils.Fuse{Lit: true, Remaining: 0}, store.Value().Fuse.Value())
	})

	t.Run("Children Actions Before Parent", func(t *testing.T) {
		parent := machine.NewStore[tracer, tracerEvent](tracer{
			Name: "parent",
			Kids: []*machine.Store[tracer, tracerEvent]{
				machine.NewStore[tracer, tracerEvent](tracer{Name: "a"}),
				machine.NewStore[tracer, tracerEvent](tracer{Name: "b"}),
			},
		})

		status, actions := parent.Update()
		assert.Equal(t, machine.Changed, status)
		assert.Equal(t, []protocol.Operation{
			protocol.InfoOperation("a"),
			protocol.InfoOperation("b"),
			protocol.InfoOperation("parent"),
		}, operations(t, actions))
	})
}

func TestStore_NilChild(t *testing.T) {
	store := machine.NewStore[testutils.Panel, testutils.PanelEvent](testutils.Panel{})

	status, _ := store.Process(`{"Increment":1}`)
	assert.Equal(t, machine.Dropped, status)

	changed, _ := store.Update()
	assert.Equal(t, machine.Same, changed)
}

func TestStore_JSON(t *testing.T) {
	store := newPanel(2, 3)

	data, err := json.Marshal(store)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":5,"resets":0,"first":{"count":2},"second":{"level":3}}`, string(data))

	var loaded panelStore
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.NotNil(t, loaded.Value().First)
	assert.Equal(t, 2, loaded.Value().First.Value().Count)

	status, _ := loaded.Process(`{"Increment":1}`)
	assert.Equal(t, machine.Consumed, status, "children are rebuilt on load")
	assert.Equal(t, 3, loaded.Value().First.Value().Count)
}

func TestDecodeEvent(t *testing.T) {
	event, err := machine.DecodeEvent[testutils.AccumulatorEvent](`{"Add":3}`)
	require.NoError(t, err)
	require.NotNil(t, event.Add)
	assert.Equal(t, 3, *event.Add)

	_, err = machine.DecodeEvent[testutils.AccumulatorEvent](`{"Add":1,"Multiply":2}`)
	assert.Error(t, err, "validator rejects two variants")

	_, err = machine.DecodeEvent[testutils.AccumulatorEvent](`{"Divide":2}`)
	assert.Error(t, err, "unknown variant")

	_, err = machine.DecodeEvent[testutils.AccumulatorEvent](`null`)
	assert.Error(t, err, "null has no variant")

	for _, text := range []string{`{"add":5}`, `{"ADD":5}`, `{"Add":1,"multiply":2}`} {
		_, err = machine.DecodeEvent[testutils.AccumulatorEvent](text)
		assert.Error(t, err, "variant names are case sensitive: %s", text)
	}
}

func TestStore_Process_CaseSensitive(t *testing.T) {
	store := machine.NewStore[testutils.Accumulator, testutils.AccumulatorEvent](testutils.Accumulator{Accumulator: 1})

	status, _ := store.Process(`{"ADD":5}`)
	assert.Equal(t, machine.Dropped, status)
	assert.Equal(t, 1, store.Value().Accumulator)

	panel := newPanel(1, 10)
	status, _ = panel.Process(`{"increment":2}`)
	assert.Equal(t, machine.Dropped, status)
	assert.Equal(t, 1, panel.Value().First.Value().Count)
	assert.Equal(t, 10, panel.Value().Second.Value().Level)
}

func TestDecode_Parameter(t *testing.T) {
	p, err := machine.Decode[testutils.PanelParameter](`{"count":1,"level":2}`)
	require.NoError(t, err)
	assert.Equal(t, testutils.PanelParameter{Count: 1, Level: 2}, p)

	_, err = machine.Decode[testutils.PanelParameter](`{"Count":1}`)
	assert.Error(t, err)

	_, err = machine.Decode[testutils.PanelParameter](`{"count":1,"extra":true}`)
	assert.Error(t, err)

	_, err = machine.Decode[struct{}](`null`)
	assert.NoError(t, err)
}

// tracer emits its name on every update and changes exactly once.
type tracer struct {
	Name    string                               `json:"name"`
	Settled bool                                 `json:"settled"`
	Kids    []*machine.Store[tracer, tracerEvent] `json:"kids,omitempty"`
}

type tracerEvent struct{}

func (t tracer) Process(tracerEvent) (tracer, machine.EventStatus, machine.Actions) {
	return t, machine.Dropped, machine.NewActions()
}

func (t tracer) Update() (tracer, machine.Actions) {
	t.Settled = true
	return t, machine.NewActions().Info(t.Name)
}

func (t tracer) Children() []machine.Node {
	nodes := make([]machine.Node, 0, len(t.Kids))
	for _, kid := range t.Kids {
		nodes = append(nodes, kid)
	}
	return nodes
}

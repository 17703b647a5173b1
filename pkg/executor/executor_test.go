package executor_test

import (
	"encoding/json"
	"testing"

	"github.com/aretw0/espalier/internal/testutils"
	"github.com/aretw0/espalier/pkg/executor"
	"github.com/aretw0/espalier/pkg/machine"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, handler interface{ Execute([]byte) []byte }, req protocol.Request) protocol.Response {
	t.Helper()
	input, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(handler.Execute(input))
	require.NoError(t, err)
	return resp
}

func snapshot(t *testing.T, resp protocol.Response) protocol.Snapshot {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error response")
	require.NotNil(t, resp.Snapshot)
	return *resp.Snapshot
}

func TestExecutor_AccumulatorSequence(t *testing.T) {
	exec := testutils.AccumulatorExecutor()

	snap := snapshot(t, execute(t, exec, protocol.NewInitialization(`{"initial":0}`)))
	assert.JSONEq(t, `{"accumulator":0}`, snap.State)
	assert.Empty(t, snap.Operations)

	for _, event := range []string{`{"Add":1}`, `{"Add":1}`, `{"Add":2}`, `{"Multiply":3}`} {
		snap = snapshot(t, execute(t, exec, protocol.NewEvent(snap.State, event)))
	}

	var final testutils.Accumulator
	require.NoError(t, json.Unmarshal([]byte(snap.State), &final))
	assert.Equal(t, 12, final.Accumulator)
}

func TestExecutor_CompositeRouting(t *testing.T) {
	exec := testutils.PanelExecutor()

	snap := snapshot(t, execute(t, exec, protocol.NewInitialization(`{"count":1,"level":2}`)))
	assert.Equal(t, []protocol.Operation{protocol.InfoOperation("panel created")}, snap.Operations)

	snap = snapshot(t, execute(t, exec, protocol.NewEvent(snap.State, `{"Increment":4}`)))
	assert.Equal(t, []protocol.Operation{protocol.InfoOperation("counter consumed")}, snap.Operations)
	assert.JSONEq(t, `{"total":7,"resets":0,"first":{"count":5},"second":{"level":2}}`, snap.State,
		"second child and parent never saw the event; total is derived on update")
}

func TestExecutor_ParentDrivesChild(t *testing.T) {
	exec := testutils.LauncherExecutor()

	snap := snapshot(t, execute(t, exec, protocol.NewInitialization(`{}`)))
	assert.JSONEq(t, `{"armed":false,"fuse":{"lit":false,"remaining":0}}`, snap.State)

	snap = snapshot(t, execute(t, exec, protocol.NewEvent(snap.State, `{"Arm":{}}`)))
	assert.JSONEq(t, `{"armed":true,"fuse":{"lit":true,"remaining":0}}`, snap.State, "fuse burns down before the tree settles")
	assert.Equal(t, []protocol.Operation{
		protocol.InfoOperation("lit"),
		protocol.InfoOperation("tick"),
		protocol.InfoOperation("tick"),
		protocol.InfoOperation("tick"),
	}, snap.Operations)
}

func TestExecutor_StrictParameter(t *testing.T) {
	exec := testutils.AccumulatorExecutor()

	for _, parameter := range []string{`{"Initial":3}`, `{"initial":3,"extra":1}`, `{"initial":3} {}`} {
		resp := execute(t, exec, protocol.NewInitialization(parameter))
		require.NotNil(t, resp.Error, parameter)
		assert.Contains(t, *resp.Error, "parameter", parameter)
	}
}

func TestExecutor_UpdateLimit(t *testing.T) {
	t.Run("Always Changing Unit", func(t *testing.T) {
		exec := testutils.OscillatorExecutor(executor.WithUpdateLimit(1))
		init := snapshot(t, execute(t, exec, protocol.NewInitialization(`null`)))

		resp := execute(t, exec, protocol.NewEvent(init.State, `{"Kick":{}}`))

		require.NotNil(t, resp.Error)
		assert.Nil(t, resp.Snapshot)
		assert.Equal(t, "update_limit_exceeded", *resp.Error)
	})

	t.Run("Converges Exactly At Limit", func(t *testing.T) {
		const n = 5
		exec := testutils.CountdownExecutor(executor.WithUpdateLimit(n + 1))

		snap, err := exec.Event(`{"remaining":0}`, `{"Start":5}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"remaining":0}`, snap.State)
		assert.Len(t, snap.Operations, n)
	})

	t.Run("One Short Of Limit", func(t *testing.T) {
		const n = 5
		exec := testutils.CountdownExecutor(executor.WithUpdateLimit(n))

		_, err := exec.Event(`{"remaining":0}`, `{"Start":5}`)
		assert.ErrorIs(t, err, executor.ErrUpdateLimitExceeded)
	})

	t.Run("Invalid Limit Ignored", func(t *testing.T) {
		exec := testutils.CountdownExecutor(executor.WithUpdateLimit(0))
		assert.Equal(t, executor.DefaultUpdateLimit, exec.UpdateLimit())
	})
}

func TestExecutor_DroppedEvent(t *testing.T) {
	exec := testutils.AccumulatorExecutor()

	snap, err := exec.Event(`{"accumulator":9}`, `{"Divide":3}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accumulator":9}`, snap.State)
	assert.Empty(t, snap.Operations)
}

func TestExecutor_MalformedInput(t *testing.T) {
	exec := testutils.AccumulatorExecutor()

	tests := []struct {
		name  string
		input string
	}{
		{"Not JSON", `garbage`},
		{"No Variant", `{}`},
		{"Both Variants", `{"Initialization":{"parameter":"{}"},"Event":{"state":"{}","event":"{}"}}`},
		{"Bad Parameter", `{"Initialization":{"parameter":"[1,2"}}`},
		{"Bad State", `{"Event":{"state":"nope","event":"{\"Add\":1}"}}`},
		{"Empty Input", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := protocol.DecodeResponse(exec.Execute([]byte(tt.input)))
			require.NoError(t, err, "output must always be a valid envelope")
			require.NotNil(t, resp.Error)
			assert.Contains(t, *resp.Error, "malformed payload")
		})
	}
}

func TestExecutor_PanicBecomesError(t *testing.T) {
	exec := executor.New[bomb, bombEvent, struct{}](func(struct{}) (bomb, machine.Actions) {
		return bomb{}, machine.NewActions()
	})

	resp := execute(t, exec, protocol.NewEvent(`{}`, `{"Fuse":true}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "panic: boom", *resp.Error)
}

func TestExecutor_ActionSerializationFailure(t *testing.T) {
	exec := executor.New[bomb, bombEvent, struct{}](func(struct{}) (bomb, machine.Actions) {
		return bomb{}, machine.NewActions().Event(make(chan int))
	})

	resp := execute(t, exec, protocol.NewInitialization(`{}`))
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "failed to serialize event action 0")
}

type bomb struct{}

type bombEvent struct {
	Fuse bool `json:"Fuse"`
}

func (b bomb) Process(bombEvent) (bomb, machine.EventStatus, machine.Actions) {
	panic("boom")
}

func (b bomb) Update() (bomb, machine.Actions) { return b, machine.NewActions() }
func (b bomb) Children() []machine.Node      { return nil }

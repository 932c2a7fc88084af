// SPDX-License-Identifier: MIT

package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/forged/internal/artifacts"
	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/run"
	"github.com/forgeops/forged/internal/storage"
)

type tickerFixture struct {
	runs   *run.Store
	bus    *events.Bus
	ticker *Ticker
}

// denyGate blocks every dispatch with a fixed reason.
type denyGate struct{ reason string }

func (g denyGate) DispatchAllowed(ctx context.Context, state *run.State, step run.Step) (bool, string, error) {
	return false, g.reason, nil
}

func newTickerFixture(t *testing.T) *tickerFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runs := run.NewStore(db)
	bus := events.NewBus(db)
	writer, err := artifacts.NewWriter(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	return &tickerFixture{
		runs:   runs,
		bus:    bus,
		ticker: NewTicker(runs, bus, nil, writer),
	}
}

func (f *tickerFixture) createRun(t *testing.T, g run.Graph) string {
	t.Helper()
	id, err := f.runs.Create(context.Background(), run.CreateParams{
		Env: "staging", Lane: "default", Mode: run.ModeDryRun, JobType: "test",
		Graph: g,
	})
	require.NoError(t, err)
	return id
}

func (f *tickerFixture) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	evs, err := f.bus.Replay(context.Background(), runID, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func singleNoop() run.Graph {
	return run.Graph{
		EntryStep: "noop",
		Steps:     map[string]run.Step{"noop": {ID: "noop", Kind: StepKindNoop}},
	}
}

func TestTickRunNoopLifecycle(t *testing.T) {
	f := newTickerFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, singleNoop())

	state, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, state.Status)
	require.NotNil(t, state.StartedAt)
	require.NotNil(t, state.FinishedAt)
	assert.Equal(t, 1, state.TickCount)
	assert.Equal(t, run.StepSucceeded, state.StepStates["noop"].Status)
	assert.Contains(t, state.Artifacts, "final_state")

	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStepStarted,
		events.TypeStepSucceeded,
		events.TypeRunSucceeded,
	}, f.eventTypes(t, runID))

	// Persisted summary matches.
	r, err := f.runs.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
}

func TestTickRunTerminalIsAbsorbing(t *testing.T) {
	f := newTickerFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, singleNoop())

	_, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	before := f.eventTypes(t, runID)

	state, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, state.Status)

	// No state change and no new events.
	assert.Equal(t, before, f.eventTypes(t, runID))
}

func TestTickRunMultiStepProgress(t *testing.T) {
	f := newTickerFixture(t)
	ctx := context.Background()
	g := run.Graph{
		EntryStep: "a",
		Steps: map[string]run.Step{
			"a": {ID: "a", Kind: StepKindNoop},
			"b": {ID: "b", Kind: StepKindNoop, Deps: []string{"a"}},
			"c": {ID: "c", Kind: StepKindNoop, Deps: []string{"b"}},
		},
	}
	runID := f.createRun(t, g)

	// One step per tick, in dependency order.
	for i, want := range []string{"a", "b", "c"} {
		state, err := f.ticker.TickRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, run.StepSucceeded, state.StepStates[want].Status, "tick %d", i)
		assert.Equal(t, i+1, state.TickCount)
	}

	state, err := f.runs.GetState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, state.Status)
}

func TestTickRunUnsupportedKindFailsRun(t *testing.T) {
	f := newTickerFixture(t)
	ctx := context.Background()
	g := run.Graph{
		EntryStep: "launch",
		Steps:     map[string]run.Step{"launch": {ID: "launch", Kind: "teleport"}},
	}
	runID := f.createRun(t, g)

	state, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, state.Status)
	require.NotNil(t, state.FinishedAt)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "step", state.LastError.Stage)
	assert.Equal(t, "unsupported_kind:teleport", state.LastError.Reason)
	assert.Equal(t, "launch", state.LastError.StepID)

	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStepStarted,
		events.TypeStepFailed,
	}, f.eventTypes(t, runID))
}

func TestTickRunPolicyBlocked(t *testing.T) {
	f := newTickerFixture(t)
	f.ticker = NewTicker(f.runs, f.bus, denyGate{reason: "policy_paused"}, nil)
	ctx := context.Background()
	runID := f.createRun(t, singleNoop())

	state, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, state.Status)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "dispatch", state.LastError.Stage)
	assert.Equal(t, "policy_paused", state.LastError.Reason)

	// Blocked runs never get a finish timestamp.
	assert.Nil(t, state.FinishedAt)
	assert.Equal(t, 0, state.TickCount)

	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeRunBlocked,
	}, f.eventTypes(t, runID))

	// Blocked is absorbing.
	before := f.eventTypes(t, runID)
	state, err = f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, state.Status)
	assert.Equal(t, before, f.eventTypes(t, runID))
}

func TestTickRunEmptyKindDefaultsToNoop(t *testing.T) {
	f := newTickerFixture(t)
	ctx := context.Background()
	g := run.Graph{
		EntryStep: "step",
		Steps:     map[string]run.Step{"step": {ID: "step"}},
	}
	runID := f.createRun(t, g)

	state, err := f.ticker.TickRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, state.Status)
}

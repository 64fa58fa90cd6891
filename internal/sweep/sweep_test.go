package sweep_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/sweep"
	"github.com/spotherd/spotherd/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "sweep test setup: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func createTestAgent(t *testing.T) model.Agent {
	t.Helper()
	ctx := context.Background()
	client, err := testDB.CreateClient(ctx, model.Client{Name: "client-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	agent, err := testDB.CreateAgent(ctx, model.Agent{
		ClientID:      client.ID,
		Name:          "agent-" + uuid.NewString()[:8],
		OperatingMode: model.ModeAutoSwitch,
	})
	require.NoError(t, err)
	return agent
}

func TestSweepExpiresCommandsAndFlipsOffline(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now().UTC())
	s := sweep.New(testDB, clk, testutil.TestLogger(), 5*time.Second, time.Minute, 24*time.Hour)

	agent := createTestAgent(t)
	_, err := testDB.TouchHeartbeat(ctx, agent.ID, clk.Now())
	require.NoError(t, err)

	fresh, _, err := testDB.EnqueueCommand(ctx, model.Command{
		AgentID:   agent.ID,
		Type:      model.CommandSwitch,
		RequestID: "req-" + uuid.NewString(),
		ExpiresAt: clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	stale, _, err := testDB.EnqueueCommand(ctx, model.Command{
		AgentID:   agent.ID,
		Type:      model.CommandSwitch,
		RequestID: "req-" + uuid.NewString(),
		ExpiresAt: clk.Now().Add(30 * time.Second),
	})
	require.NoError(t, err)

	// Inside both windows: nothing to do.
	s.Sweep(ctx)

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	cmd, err := testDB.GetCommand(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)

	// Past the short command's expiry and the heartbeat timeout.
	clk.Advance(2 * time.Minute)
	s.Sweep(ctx)

	cmd, err = testDB.GetCommand(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandExpired, cmd.Status)
	assert.NotNil(t, cmd.CompletedAt)

	cmd, err = testDB.GetCommand(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)

	got, err = testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)

	// A heartbeat brings the agent straight back.
	cameOnline, err := testDB.TouchHeartbeat(ctx, agent.ID, clk.Now())
	require.NoError(t, err)
	assert.True(t, cameOnline)
}

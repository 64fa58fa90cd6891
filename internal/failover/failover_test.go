package failover_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/failover"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/testutil"
)

var (
	testDB    *storage.DB
	testFleet *fleet.Service
	testProto *failover.Protocol
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "failover test setup: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	prices := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-a": decimal.RequireFromString("0.50"),
		"pool-b": decimal.RequireFromString("0.30"),
	})
	logger := testutil.TestLogger()
	testFleet = fleet.New(db, prices, clock.Real{}, logger, time.Hour, 720*time.Hour)
	testProto = failover.New(db, testFleet, prices, clock.Real{}, logger)

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func createTestAgent(t *testing.T, mode model.OperatingMode) model.Agent {
	t.Helper()
	ctx := context.Background()
	client, err := testDB.CreateClient(ctx, model.Client{Name: "client-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	agent, err := testDB.CreateAgent(ctx, model.Agent{
		ClientID:      client.ID,
		Name:          "agent-" + uuid.NewString()[:8],
		OperatingMode: mode,
	})
	require.NoError(t, err)
	return agent
}

func registerPrimary(t *testing.T, agentID uuid.UUID, pool string) model.Instance {
	t.Helper()
	inst, err := testFleet.RegisterInstance(context.Background(), agentID, model.RegisterInstanceRequest{
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               pool,
	})
	require.NoError(t, err)
	return inst
}

func readyReplica(t *testing.T, agentID uuid.UUID, pool string) model.Replica {
	t.Helper()
	ctx := context.Background()
	inst, err := testDB.CreateInstance(ctx, model.Instance{
		AgentID:            agentID,
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               pool,
		Role:               model.RoleRunningReplica,
	})
	require.NoError(t, err)
	rep, err := testDB.CreateReplica(ctx, model.Replica{AgentID: agentID, Kind: model.ReplicaManual, Pool: pool})
	require.NoError(t, err)
	rep, err = testDB.AttachReplicaInstance(ctx, rep.ID, rep.Version, inst.ID)
	require.NoError(t, err)
	rep, err = testDB.UpdateReplicaState(ctx, rep.ID, rep.Version, model.ReplicaReady, model.SyncSynced)
	require.NoError(t, err)
	return rep
}

func TestHandleRebalanceQueuesEmergencyReplica(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	registerPrimary(t, agent.ID, "pool-a")

	out, err := testProto.HandleRebalance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionReplicaRequested, out.Action)
	require.NotNil(t, out.ReplicaID)
	require.NotNil(t, out.CommandID)
	assert.False(t, out.FallbackSlow)

	// The notice is recorded on the agent.
	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NoticeRebalance, got.NoticeStatus)

	// Emergency replica lands in the cheapest pool at critical priority.
	rep, err := testDB.GetReplica(ctx, *out.ReplicaID)
	require.NoError(t, err)
	assert.True(t, rep.Emergency)
	assert.Equal(t, model.ReplicaAutoRebalance, rep.Kind)
	assert.Equal(t, "pool-b", rep.Pool)

	cmd, err := testDB.GetCommand(ctx, *out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCreateReplica, cmd.Type)
	assert.Equal(t, model.PriorityCritical, cmd.Priority)
	assert.Equal(t, "replica-"+rep.ID.String(), cmd.RequestID)

	// A repeated notice reuses the in-flight standby.
	out, err = testProto.HandleRebalance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionNoted, out.Action)
	assert.Equal(t, rep.ID, *out.ReplicaID)

	active, err := testDB.ListActiveReplicas(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestHandleTerminationPromotesReadyReplica(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)
	oldPrimary := registerPrimary(t, agent.ID, "pool-a")
	rep := readyReplica(t, agent.ID, "pool-b")

	deadline := time.Now().UTC().Add(2 * time.Minute)
	out, err := testProto.HandleTerminationImminent(ctx, agent.ID, deadline)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionPromoted, out.Action)
	assert.False(t, out.FallbackSlow)
	require.NotNil(t, out.InstanceID)
	assert.Equal(t, *rep.InstanceID, *out.InstanceID)

	newPrimary, err := testDB.GetPrimaryInstance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, *rep.InstanceID, newPrimary.ID)
	assert.NotEqual(t, oldPrimary.ID, newPrimary.ID)

	// The committed promotion clears the notice.
	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NoticeNone, got.NoticeStatus)
	assert.Nil(t, got.NoticeDeadline)

	records, err := testDB.ListSwitchRecords(ctx, agent.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TriggerTermination, records[0].Trigger)

	// A re-delivered notice finds the replica consumed and falls back to a
	// fresh launch; the settled promotion is never repeated.
	out, err = testProto.HandleTerminationImminent(ctx, agent.ID, deadline)
	require.NoError(t, err)
	assert.True(t, out.FallbackSlow)

	records, err = testDB.ListSwitchRecords(ctx, agent.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHandleTerminationPromotesRegardlessOfMode(t *testing.T) {
	ctx := context.Background()
	// AutoSwitch forbids operator-proposed replica promotions, but an
	// imminent termination overrides the mode gate: a Ready standby is
	// promoted whatever the agent's operating mode.
	agent := createTestAgent(t, model.ModeAutoSwitch)
	registerPrimary(t, agent.ID, "pool-a")
	rep := readyReplica(t, agent.ID, "pool-b")

	deadline := time.Now().UTC().Add(2 * time.Minute)
	out, err := testProto.HandleTerminationImminent(ctx, agent.ID, deadline)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionPromoted, out.Action)
	assert.False(t, out.FallbackSlow)

	newPrimary, err := testDB.GetPrimaryInstance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, *rep.InstanceID, newPrimary.ID)

	records, err := testDB.ListSwitchRecords(ctx, agent.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TriggerTermination, records[0].Trigger)
}

func TestHandleTerminationFallsBackWithoutReplica(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	registerPrimary(t, agent.ID, "pool-a")

	deadline := time.Now().UTC().Add(2 * time.Minute)
	out, err := testProto.HandleTerminationImminent(ctx, agent.ID, deadline)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionReplicaRequested, out.Action)
	assert.True(t, out.FallbackSlow)
	require.NotNil(t, out.ReplicaID)

	rep, err := testDB.GetReplica(ctx, *out.ReplicaID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaAutoTermination, rep.Kind)
	assert.True(t, rep.Emergency)

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NoticeTermination, got.NoticeStatus)
	require.NotNil(t, got.NoticeDeadline)

	// A repeat while the launch is in flight must not stack replicas.
	out, err = testProto.HandleTerminationImminent(ctx, agent.ID, deadline)
	require.NoError(t, err)
	assert.Equal(t, failover.ActionNoted, out.Action)
	assert.True(t, out.FallbackSlow)

	active, err := testDB.ListActiveReplicas(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEmergencyReplicaFallsBackToCurrentPool(t *testing.T) {
	ctx := context.Background()
	// No pricing data at all: the emergency replica launches into the
	// primary's own pool rather than an arbitrary one.
	logger := testutil.TestLogger()
	noPrices := pricing.NewFixed(nil)
	svc := fleet.New(testDB, noPrices, clock.Real{}, logger, time.Hour, 720*time.Hour)
	proto := failover.New(testDB, svc, noPrices, clock.Real{}, logger)

	agent := createTestAgent(t, model.ModeAutoSwitch)
	inst, err := svc.RegisterInstance(ctx, agent.ID, model.RegisterInstanceRequest{
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               "pool-x",
	})
	require.NoError(t, err)

	out, err := proto.HandleRebalance(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, out.ReplicaID)

	rep, err := testDB.GetReplica(ctx, *out.ReplicaID)
	require.NoError(t, err)
	assert.Equal(t, inst.Pool, rep.Pool)
}

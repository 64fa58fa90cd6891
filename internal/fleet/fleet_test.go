package fleet_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/model"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/testutil"
)

var (
	testDB  *storage.DB
	testSvc *fleet.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "fleet test setup: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	prices := pricing.NewFixed(map[string]decimal.Decimal{
		"pool-a": decimal.RequireFromString("0.50"),
		"pool-b": decimal.RequireFromString("0.30"),
	})
	testSvc = fleet.New(db, prices, clock.Real{}, testutil.TestLogger(), time.Hour, 720*time.Hour)

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

func registerPrimary(t *testing.T, agentID uuid.UUID, pool, price string) model.Instance {
	t.Helper()
	inst, err := testSvc.RegisterInstance(context.Background(), agentID, model.RegisterInstanceRequest{
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               pool,
		PricePerHour:       &price,
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
	rep, err := testDB.CreateReplica(ctx, model.Replica{
		AgentID: agentID,
		Kind:    model.ReplicaManual,
		Pool:    pool,
	})
	require.NoError(t, err)
	rep, err = testDB.AttachReplicaInstance(ctx, rep.ID, rep.Version, inst.ID)
	require.NoError(t, err)
	rep, err = testDB.UpdateReplicaState(ctx, rep.ID, rep.Version, model.ReplicaReady, model.SyncSynced)
	require.NoError(t, err)
	return rep
}

func TestEnqueueValidatesInput(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	_, _, err := testSvc.Enqueue(ctx, agent.ID, "reboot", model.PriorityManual, nil, "req-"+uuid.NewString())
	assert.ErrorContains(t, err, "invalid command type")

	_, _, err = testSvc.Enqueue(ctx, agent.ID, model.CommandSwitch, model.PriorityManual, nil, "bad id!")
	assert.ErrorContains(t, err, "request_id")
}

func TestEnqueuePollReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	reqID := "req-" + uuid.NewString()
	cmd, dup, err := testSvc.Enqueue(ctx, agent.ID, model.CommandUpdateConfig, model.PriorityManual,
		map[string]any{"key": "value"}, reqID)
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = testSvc.Enqueue(ctx, agent.ID, model.CommandUpdateConfig, model.PriorityManual, nil, reqID)
	require.NoError(t, err)
	assert.True(t, dup)

	cmds, err := testSvc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmd.ID, cmds[0].ID)
	assert.Equal(t, model.CommandDelivered, cmds[0].Status)

	reportID := "rep-" + uuid.NewString()
	result, replayed, err := testSvc.Report(ctx, agent.ID, cmd.ID, model.ReportRequest{
		Outcome:   model.OutcomeSucceeded,
		RequestID: reportID,
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEmpty(t, result)

	// Acknowledged commands leave the queue.
	cmds, err = testSvc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestRegisterInstanceBootstrapsPrimary(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	price := "0.50"
	req := model.RegisterInstanceRequest{
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               "pool-a",
		PricePerHour:       &price,
	}
	inst, err := testSvc.RegisterInstance(ctx, agent.ID, req)
	require.NoError(t, err)
	assert.Equal(t, model.RoleRunningPrimary, inst.Role)

	// Re-registration from a restarted agent is a no-op.
	again, err := testSvc.RegisterInstance(ctx, agent.ID, req)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)

	n, err := testDB.CountPrimaries(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A different provider instance means the workload moved; the new one
	// takes over as primary.
	replacement, err := testSvc.RegisterInstance(ctx, agent.ID, model.RegisterInstanceRequest{
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               "pool-b",
	})
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, replacement.ID)

	n, err = testDB.CountPrimaries(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterInstanceConcurrentLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	// Two agents racing to register distinct instances serialize on the agent
	// row. Both registrations land, in some order, and neither attempt may
	// strand a half-registered Launching row.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testSvc.RegisterInstance(ctx, agent.ID, model.RegisterInstanceRequest{
				ProviderInstanceID: "i-" + uuid.NewString()[:12],
				Pool:               "pool-a",
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	n, err := testDB.CountPrimaries(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := testDB.ListInstances(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, inst := range all {
		assert.NotEqual(t, model.RoleLaunching, inst.Role, "instance %s left half-registered", inst.ID)
	}
}

func TestRegisterInstanceRequiresFields(t *testing.T) {
	agent := createTestAgent(t, model.ModeAutoSwitch)
	_, err := testSvc.RegisterInstance(context.Background(), agent.ID, model.RegisterInstanceRequest{Pool: "pool-a"})
	assert.ErrorContains(t, err, "required")
}

func TestHeartbeatRecordsObservations(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)
	registerPrimary(t, agent.ID, "pool-a", "0.50")

	inst, err := testDB.CreateInstance(ctx, model.Instance{
		AgentID:            agent.ID,
		ProviderInstanceID: "i-" + uuid.NewString()[:12],
		Pool:               "pool-b",
		Role:               model.RoleRunningReplica,
	})
	require.NoError(t, err)
	rep, err := testDB.CreateReplica(ctx, model.Replica{AgentID: agent.ID, Kind: model.ReplicaManual, Pool: "pool-b"})
	require.NoError(t, err)
	rep, err = testDB.AttachReplicaInstance(ctx, rep.ID, rep.Version, inst.ID)
	require.NoError(t, err)

	pricePool := "hb-" + uuid.NewString()[:8]
	resp, err := testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{
		Replicas: []model.ReplicaStatus{{ReplicaID: rep.ID, SyncState: model.SyncSynced}},
		Prices:   []model.PriceReport{{Pool: pricePool, Price: "0.0832"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Online)

	// Synced observation promotes the replica to Ready.
	got, err := testDB.GetReplica(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaReady, got.Lifecycle)
	assert.Equal(t, model.SyncSynced, got.SyncState)

	stored, err := testDB.LatestPoolPrice(ctx, pricePool)
	require.NoError(t, err)
	assert.True(t, stored.Equal(decimal.RequireFromString("0.0832")))

	// Losing sync takes the replica back to Syncing.
	_, err = testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{
		Replicas: []model.ReplicaStatus{{ReplicaID: rep.ID, SyncState: model.SyncOutOfSync}},
	})
	require.NoError(t, err)
	got, err = testDB.GetReplica(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaSyncing, got.Lifecycle)
	assert.Equal(t, model.SyncOutOfSync, got.SyncState)
}

func TestHeartbeatFlagsInstanceDivergence(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	primary := registerPrimary(t, agent.ID, "pool-a", "0.50")

	resp, err := testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{
		ObservedInstanceID: &primary.ID,
	})
	require.NoError(t, err)
	assert.False(t, resp.InstanceDiverged)

	// The agent believes it is on an instance we have no primary ref for.
	stale := uuid.New()
	resp, err = testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{
		ObservedInstanceID: &stale,
	})
	require.NoError(t, err)
	assert.True(t, resp.InstanceDiverged)

	// No observation, no verdict.
	resp, err = testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{})
	require.NoError(t, err)
	assert.False(t, resp.InstanceDiverged)
}

func TestHeartbeatToleratesBadObservations(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	// Foreign replica ids and garbage prices are dropped; the liveness
	// touch still lands.
	resp, err := testSvc.Heartbeat(ctx, agent.ID, model.HeartbeatRequest{
		Replicas: []model.ReplicaStatus{{ReplicaID: uuid.New(), SyncState: model.SyncSynced}},
		Prices:   []model.PriceReport{{Pool: "pool-a", Price: "not-a-number"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Online)

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
}

func TestProposeSwitchModeGate(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)

	_, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b",
		RequestID:  "sw-" + uuid.NewString(),
	}, model.TriggerManual)
	assert.ErrorIs(t, err, fleet.ErrModeMismatch)
}

func TestProposeSwitchPriorities(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)

	manual, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b", RequestID: "sw-" + uuid.NewString(),
	}, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityManual, manual.Priority)

	urgent, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b", Urgent: true, RequestID: "sw-" + uuid.NewString(),
	}, model.TriggerRecommender)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityMLUrgent, urgent.Priority)

	normal, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b", RequestID: "sw-" + uuid.NewString(),
	}, model.TriggerRecommender)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityMLNormal, normal.Priority)
}

func TestReportSwitchPromotesAndSettles(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	oldPrimary := registerPrimary(t, agent.ID, "pool-a", "0.50")

	cmd, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b",
		RequestID:  "sw-" + uuid.NewString(),
	}, model.TriggerManual)
	require.NoError(t, err)

	_, err = testSvc.Poll(ctx, agent.ID)
	require.NoError(t, err)

	started := time.Now().UTC().Add(-30 * time.Second)
	report := model.ReportRequest{
		Outcome:   model.OutcomeSucceeded,
		RequestID: "rep-" + uuid.NewString(),
		Switch: &model.SwitchReport{
			NewProviderInstanceID: "i-" + uuid.NewString()[:12],
			NewPool:               "pool-b",
			StartedAt:             started,
			CompletedAt:           started.Add(30 * time.Second),
			DowntimeMillis:        850,
		},
	}
	result, replayed, err := testSvc.Report(ctx, agent.ID, cmd.ID, report)
	require.NoError(t, err)
	assert.False(t, replayed)

	var body struct {
		SwitchRecordID uuid.UUID `json:"switch_record_id"`
		NewInstanceID  uuid.UUID `json:"new_instance_id"`
	}
	require.NoError(t, json.Unmarshal(result, &body))

	// The replacement took over and the displaced primary demoted.
	newPrimary, err := testDB.GetPrimaryInstance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, body.NewInstanceID, newPrimary.ID)
	assert.Equal(t, "pool-b", newPrimary.Pool)

	demoted, err := testDB.GetInstance(ctx, oldPrimary.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleZombie, demoted.Role)

	// Switch record with the price delta; ledger settled over the horizon.
	records, err := testDB.ListSwitchRecords(ctx, agent.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.TriggerManual, records[0].Trigger)
	assert.Equal(t, 850*time.Millisecond, records[0].Downtime)
	assert.True(t, records[0].HourlyDelta.Equal(decimal.RequireFromString("0.20")))

	summary, err := testDB.GetSavingsSummary(ctx, agent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entries)
	assert.True(t, decimal.RequireFromString(summary.Total).Equal(decimal.RequireFromString("144")))

	// Re-delivered report replays without a second settlement.
	replay, replayed, err := testSvc.Report(ctx, agent.ID, cmd.ID, report)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, string(result), string(replay))

	summary, err = testDB.GetSavingsSummary(ctx, agent.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entries)
}

func TestReportFailedLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	primary := registerPrimary(t, agent.ID, "pool-a", "0.50")

	cmd, _, err := testSvc.ProposeSwitch(ctx, agent.ID, model.SwitchProposalRequest{
		TargetPool: "pool-b",
		RequestID:  "sw-" + uuid.NewString(),
	}, model.TriggerManual)
	require.NoError(t, err)

	errMsg := "capacity unavailable in pool-b"
	result, _, err := testSvc.Report(ctx, agent.ID, cmd.ID, model.ReportRequest{
		Outcome:   model.OutcomeFailed,
		RequestID: "rep-" + uuid.NewString(),
		Error:     &errMsg,
	})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(result, &body))
	assert.Equal(t, errMsg, body["error"])

	still, err := testDB.GetPrimaryInstance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, primary.ID, still.ID)

	got, err := testDB.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, got.Status)
}

func TestReportReplicaLaunchAttachesInstance(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)
	registerPrimary(t, agent.ID, "pool-a", "0.50")

	rep, err := testDB.CreateReplica(ctx, model.Replica{AgentID: agent.ID, Kind: model.ReplicaManual, Pool: "pool-b"})
	require.NoError(t, err)

	cmd, _, err := testSvc.Enqueue(ctx, agent.ID, model.CommandCreateReplica, model.PriorityManual,
		map[string]any{"replica_id": rep.ID.String(), "target_pool": "pool-b"},
		"replica-"+rep.ID.String())
	require.NoError(t, err)

	price := "0.30"
	_, _, err = testSvc.Report(ctx, agent.ID, cmd.ID, model.ReportRequest{
		Outcome:   model.OutcomeSucceeded,
		RequestID: "rep-" + uuid.NewString(),
		Replica: &model.ReplicaLaunchReport{
			ProviderInstanceID: "i-" + uuid.NewString()[:12],
			Pool:               "pool-b",
			PricePerHour:       &price,
		},
	})
	require.NoError(t, err)

	got, err := testDB.GetReplica(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaSyncing, got.Lifecycle)
	require.NotNil(t, got.InstanceID)

	inst, err := testDB.GetInstance(ctx, *got.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleRunningReplica, inst.Role)
}

func TestReportTerminateReplica(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeAutoSwitch)
	registerPrimary(t, agent.ID, "pool-a", "0.50")
	rep := readyReplica(t, agent.ID, "pool-b")

	cmd, _, err := testSvc.Enqueue(ctx, agent.ID, model.CommandTerminate, model.PriorityScheduled,
		map[string]any{"replica_id": rep.ID.String()},
		"terminate-"+rep.ID.String())
	require.NoError(t, err)

	_, _, err = testSvc.Report(ctx, agent.ID, cmd.ID, model.ReportRequest{
		Outcome:   model.OutcomeSucceeded,
		RequestID: "rep-" + uuid.NewString(),
	})
	require.NoError(t, err)

	got, err := testDB.GetReplica(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplicaTerminated, got.Lifecycle)

	inst, err := testDB.GetInstance(ctx, *got.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleTerminated, inst.Role)
}

func TestPromoteReplicaDirect(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)
	oldPrimary := registerPrimary(t, agent.ID, "pool-a", "0.50")
	rep := readyReplica(t, agent.ID, "pool-b")

	reqID := "promote-" + uuid.NewString()
	rec, replayed, err := testSvc.PromoteReplica(ctx, agent.ID, rep.ID, model.TriggerTermination, reqID)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, *rep.InstanceID, rec.NewInstanceID)
	assert.Equal(t, model.TriggerTermination, rec.Trigger)

	newPrimary, err := testDB.GetPrimaryInstance(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, *rep.InstanceID, newPrimary.ID)
	assert.NotEqual(t, oldPrimary.ID, newPrimary.ID)

	// Retry replays the settled record.
	again, replayed, err := testSvc.PromoteReplica(ctx, agent.ID, rep.ID, model.TriggerTermination, reqID)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, rec.ID, again.ID)

	// A fresh request against the consumed replica is rejected.
	_, _, err = testSvc.PromoteReplica(ctx, agent.ID, rep.ID, model.TriggerTermination, "promote-"+uuid.NewString())
	assert.ErrorIs(t, err, fleet.ErrReplicaNotReady)
}

func TestPromoteReplicaRejectsForeignReplica(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, model.ModeManualReplica)
	other := createTestAgent(t, model.ModeManualReplica)
	registerPrimary(t, other.ID, "pool-a", "0.50")
	rep := readyReplica(t, other.ID, "pool-b")

	_, _, err := testSvc.PromoteReplica(ctx, agent.ID, rep.ID, model.TriggerManual, "promote-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

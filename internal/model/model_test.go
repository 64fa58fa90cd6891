package model_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/spotherd/spotherd/internal/model"
)

func TestValidateOperatingMode(t *testing.T) {
	assert.NoError(t, model.ValidateOperatingMode(model.ModeAutoSwitch))
	assert.NoError(t, model.ValidateOperatingMode(model.ModeManualReplica))
	assert.Error(t, model.ValidateOperatingMode("turbo"))
	assert.Error(t, model.ValidateOperatingMode(""))
}

func TestValidateCommandType(t *testing.T) {
	for _, typ := range []model.CommandType{
		model.CommandSwitch, model.CommandCreateReplica, model.CommandPromoteReplica,
		model.CommandTerminate, model.CommandUpdateConfig,
	} {
		assert.NoError(t, model.ValidateCommandType(typ), string(typ))
	}
	assert.Error(t, model.ValidateCommandType("reboot"))
}

func TestValidateRequestID(t *testing.T) {
	assert.NoError(t, model.ValidateRequestID("replica-"+uuid.NewString()))
	assert.NoError(t, model.ValidateRequestID("a"))
	assert.Error(t, model.ValidateRequestID(""))
	assert.Error(t, model.ValidateRequestID(string(make([]byte, 129))))
	assert.Error(t, model.ValidateRequestID("has space"))
	assert.Error(t, model.ValidateRequestID("has/slash"))
}

func TestValidateAgentName(t *testing.T) {
	assert.NoError(t, model.ValidateAgentName("trainer-7.prod_a"))
	assert.Error(t, model.ValidateAgentName(""))
	assert.Error(t, model.ValidateAgentName("bad name"))
}

func TestCommandStatusTerminal(t *testing.T) {
	assert.False(t, model.CommandPending.Terminal())
	assert.False(t, model.CommandDelivered.Terminal())
	assert.True(t, model.CommandSucceeded.Terminal())
	assert.True(t, model.CommandFailed.Terminal())
	assert.True(t, model.CommandExpired.Terminal())
}

func TestReplicaLifecycleActive(t *testing.T) {
	assert.True(t, model.ReplicaLaunching.Active())
	assert.True(t, model.ReplicaSyncing.Active())
	assert.True(t, model.ReplicaReady.Active())
	assert.False(t, model.ReplicaPromoted.Active())
	assert.False(t, model.ReplicaTerminated.Active())
	assert.False(t, model.ReplicaFailed.Active())
}

func TestReplicaPromotable(t *testing.T) {
	instID := uuid.New()
	rep := model.Replica{
		Lifecycle:  model.ReplicaReady,
		SyncState:  model.SyncSynced,
		InstanceID: &instID,
	}
	assert.True(t, rep.Promotable())

	rep.SyncState = model.SyncSyncing
	assert.False(t, rep.Promotable())

	rep.SyncState = model.SyncSynced
	rep.Lifecycle = model.ReplicaSyncing
	assert.False(t, rep.Promotable())

	rep.Lifecycle = model.ReplicaReady
	rep.InstanceID = nil
	assert.False(t, rep.Promotable())
}

func TestDemotedRole(t *testing.T) {
	assert.Equal(t, model.RoleTerminating, model.DemotedRole(true))
	assert.Equal(t, model.RoleZombie, model.DemotedRole(false))
}

func TestInstanceRoleTerminal(t *testing.T) {
	assert.True(t, model.RoleTerminated.Terminal())
	assert.False(t, model.RoleZombie.Terminal())
	assert.False(t, model.RoleRunningPrimary.Terminal())
}

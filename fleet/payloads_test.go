package fleet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload TaskRunRequest
		wantErr string
	}{
		{
			name:    "missing task_id",
			payload: TaskRunRequest{UserID: "u1"},
			wantErr: "task_id",
		},
		{
			name:    "missing user_id",
			payload: TaskRunRequest{TaskID: "t-1"},
			wantErr: "user_id",
		},
		{
			name:    "valid without node pin",
			payload: TaskRunRequest{TaskID: "t-1", UserID: "u1"},
			wantErr: "",
		},
		{
			name:    "valid with node pin",
			payload: TaskRunRequest{TaskID: "t-1", UserID: "u1", NodeID: "n-1", Source: "api"},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExecStepReport_Validate(t *testing.T) {
	valid := ExecStepReport{TaskID: "t-1", Step: StepRunning}
	assert.NoError(t, valid.Validate())

	missing := ExecStepReport{Step: StepRunning}
	require.Error(t, missing.Validate())

	badStep := ExecStepReport{TaskID: "t-1", Step: "rebooting"}
	err := badStep.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step")
}

func TestExecResult_Validate(t *testing.T) {
	success := ExecResult{TaskID: "t-1", Success: true}
	assert.NoError(t, success.Validate())

	failure := ExecResult{TaskID: "t-1", Success: false, Error: "agent crashed"}
	assert.NoError(t, failure.Validate())

	failureWithoutError := ExecResult{TaskID: "t-1", Success: false}
	require.Error(t, failureWithoutError.Validate())
}

func TestParsePayload(t *testing.T) {
	report := &ExecStepReport{TaskID: "t-1", Step: StepWorkspaceReady, At: time.Now().UTC()}
	msg := message.NewBaseMessage(ExecStepType, report, "test")

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	parsed, err := ParsePayload[ExecStepReport](data)
	require.NoError(t, err)
	assert.Equal(t, "t-1", parsed.TaskID)
	assert.Equal(t, StepWorkspaceReady, parsed.Step)
}

func TestParsePayloadErrors(t *testing.T) {
	_, err := ParsePayload[ExecStepReport]([]byte("not json"))
	require.Error(t, err)

	_, err = ParsePayload[ExecStepReport]([]byte(`{"id":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no payload")
}

func TestTypedSubjectPatterns(t *testing.T) {
	// Verify subject patterns are correctly set
	assert.Equal(t, "fleet.task.run.request", TaskRunRequested.Pattern)
	assert.Equal(t, "fleet.task.exec.step", ExecStepReported.Pattern)
	assert.Equal(t, "fleet.task.exec.result", ExecResultReported.Pattern)
	assert.Equal(t, "fleet.events.task.status_changed", TaskStatusChanged.Pattern)
	assert.Equal(t, "fleet.events.task.run_failed", TaskRunFailed.Pattern)
	assert.Equal(t, "fleet.events.recovery.action", RecoveryActed.Pattern)
	assert.Equal(t, "fleet.node.provision.request", NodeProvisionRequested.Pattern)
	assert.Equal(t, "fleet.node.destroy.request", NodeDestroyRequested.Pattern)
}

func TestRecoveryActionEvent_RoundTrip(t *testing.T) {
	event := RecoveryActionEvent{
		Kind:     RecoveryStuckTaskForced,
		Severity: SeverityCritical,
		TaskID:   "t-1",
		NodeID:   "n-1",
		Detail:   "stuck in in_progress for 35m",
		At:       time.Now().UTC().Truncate(time.Second),
	}

	data, err := json.Marshal(&event)
	require.NoError(t, err)

	var decoded RecoveryActionEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event, decoded)
}

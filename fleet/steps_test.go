package fleet

import "testing"

func TestStepIndexOrdering(t *testing.T) {
	ordered := []ExecStep{
		StepNodeSelection,
		StepNodeProvisioning,
		StepNodeAgentReady,
		StepWorkspaceCreation,
		StepWorkspaceReady,
		StepAgentSession,
		StepRunning,
		StepAwaitingFollowup,
	}
	for i, step := range ordered {
		if got := StepIndex(step); got != i {
			t.Errorf("StepIndex(%s) = %d, want %d", step, got, i)
		}
	}
	if got := StepIndex(ExecStep("rebooting")); got != -1 {
		t.Errorf("StepIndex(unknown) = %d, want -1", got)
	}
}

func TestCanProgress(t *testing.T) {
	steps := []ExecStep{
		StepNodeSelection,
		StepNodeProvisioning,
		StepNodeAgentReady,
		StepWorkspaceCreation,
		StepWorkspaceReady,
		StepAgentSession,
		StepRunning,
		StepAwaitingFollowup,
	}

	// Monotonic by index: repeats and forward skips pass, backward fails.
	for i, from := range steps {
		for j, to := range steps {
			want := j >= i
			if got := CanProgress(from, to); got != want {
				t.Errorf("CanProgress(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanProgressFromUnset(t *testing.T) {
	for _, to := range []ExecStep{StepNodeSelection, StepRunning, StepAwaitingFollowup} {
		if !CanProgress("", to) {
			t.Errorf("expected CanProgress(\"\", %s) to be true", to)
		}
	}
}

func TestCanProgressRejectsUnknownTarget(t *testing.T) {
	if CanProgress(StepRunning, ExecStep("rebooting")) {
		t.Error("expected unknown target step to be rejected once progress exists")
	}
}

func TestExecStepIsValid(t *testing.T) {
	if !StepRunning.IsValid() {
		t.Error("expected running to be valid")
	}
	if ExecStep("").IsValid() {
		t.Error("expected empty step to be invalid")
	}
}

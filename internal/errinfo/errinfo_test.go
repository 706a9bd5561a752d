package errinfo

import "testing"

func TestAdmissionRejectedNamesHolder(t *testing.T) {
	err := AdmissionRejected("user-42")
	if err.ErrorCode != CodeAdmissionRejected {
		t.Fatalf("expected admission rejected")
	}
	if err.RequesterID != "user-42" {
		t.Fatalf("expected holder to be set, got %q", err.RequesterID)
	}
	if !err.Retryable || len(err.Actions) == 0 || err.Actions[0] != ActionWait {
		t.Fatalf("expected retryable wait action")
	}
}

func TestProviderAuthFailed(t *testing.T) {
	err := ProviderAuthFailed("anthropic")
	if err.ErrorCode != CodeProviderAuthFailed {
		t.Fatalf("expected provider auth failed")
	}
	if len(err.Actions) == 0 || err.Actions[0] != ActionOpenSettings {
		t.Fatalf("expected open_settings action")
	}
	if err.ProviderID != "anthropic" {
		t.Fatalf("expected provider id to be set")
	}
}

func TestStageHelpers(t *testing.T) {
	cases := []struct {
		info  *ErrorInfo
		code  string
		phase string
	}{
		{ProvisionFailed("disk full"), CodeProvisionFailed, PhaseWorkspace},
		{AgentTransport("reset"), CodeAgentTransport, PhaseEdit},
		{MaxTurnsExceeded("10"), CodeMaxTurnsExceeded, PhaseEdit},
		{ValidationRejected("forbidden file"), CodeValidationRejected, PhaseValidate},
		{BuildFailed("exit 1"), CodeBuildFailed, PhaseBuild},
		{BuildOutputMissing("no output"), CodeBuildOutputMissing, PhaseBuild},
		{Unexpected(PhaseDeliver, "boom"), CodeUnexpected, PhaseDeliver},
	}
	for _, tc := range cases {
		if tc.info.ErrorCode != tc.code {
			t.Fatalf("expected code %s, got %s", tc.code, tc.info.ErrorCode)
		}
		if tc.info.Phase != tc.phase {
			t.Fatalf("expected phase %s for %s, got %s", tc.phase, tc.code, tc.info.Phase)
		}
		if tc.info.Detail == "" {
			t.Fatalf("expected detail for %s", tc.code)
		}
	}
}

package pipeline

import (
	"context"
	"errors"

	"rotaforge/engine/internal/agent"
	"rotaforge/engine/internal/builder"
	"rotaforge/engine/internal/errinfo"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/guardrails"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/sandbox"
	"rotaforge/engine/internal/workspace"
)

// FailedPhase names the phase that was running when a request stopped at
// stage.
func FailedPhase(stage Stage) string {
	switch stage {
	case StageAdmitted:
		return errinfo.PhaseWorkspace
	case StageWorkspaceReady:
		return errinfo.PhaseEdit
	case StageEdited:
		return errinfo.PhaseValidate
	case StageValidated:
		return errinfo.PhaseBuild
	case StageBuilt, StageDelivered:
		return errinfo.PhaseDeliver
	default:
		return errinfo.PhaseAdmission
	}
}

// Info returns the structured error for a failed outcome, or nil when the
// request succeeded or made no changes.
func (o Outcome) Info(providerID string) *errinfo.ErrorInfo {
	switch o.Status {
	case history.StatusSuccess, history.StatusNoChanges:
		return nil
	}
	err := o.Err
	if err == nil {
		err = ErrUnexpected
	}
	info := Describe(err, FailedPhase(o.Stage), providerID)
	info.RequestID = o.RequestID
	if o.Summary != "" && o.Summary != emptyText {
		info.Detail = o.Summary
	}
	return info
}

// Describe maps a pipeline, admission or provider error onto an ErrorInfo.
func Describe(err error, phase, providerID string) *errinfo.ErrorInfo {
	var busy *gate.BusyError
	var info *errinfo.ErrorInfo
	switch {
	case errors.As(err, &busy):
		info = errinfo.AdmissionRejected(busy.Holder)
	case errors.Is(err, gate.ErrAdmissionRejected):
		info = errinfo.AdmissionRejected("")
	case errors.Is(err, guardrails.ErrPromptRejected):
		info = errinfo.PromptRejected(err.Error())
	case errors.Is(err, guardrails.ErrRateLimited):
		info = errinfo.RateLimited(err.Error())
	case errors.Is(err, workspace.ErrProvision):
		info = errinfo.ProvisionFailed(err.Error())
	case errors.Is(err, llm.ErrUnauthorized):
		info = errinfo.ProviderAuthFailed(providerID)
	case errors.Is(err, llm.ErrEgressBlocked):
		info = errinfo.EgressBlocked(providerID, err.Error())
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, llm.ErrRateLimited):
		info = errinfo.ProviderUnavailable(providerID, err.Error())
	case errors.Is(err, agent.ErrTransport):
		info = errinfo.AgentTransport(err.Error())
		info.ProviderID = providerID
	case errors.Is(err, agent.ErrMaxTurnsExceeded):
		info = errinfo.MaxTurnsExceeded(err.Error())
	case errors.Is(err, sandbox.ErrPathTraversal):
		info = &errinfo.ErrorInfo{ErrorCode: errinfo.CodePathTraversal, Detail: err.Error()}
	case errors.Is(err, sandbox.ErrNotFound):
		info = &errinfo.ErrorInfo{ErrorCode: errinfo.CodeNotFound, Detail: err.Error()}
	case errors.Is(err, guardrails.ErrRejected):
		info = errinfo.ValidationRejected(err.Error())
	case errors.Is(err, builder.ErrBuildOutputMissing):
		info = errinfo.BuildOutputMissing(err.Error())
	case errors.Is(err, builder.ErrBuildFailed):
		info = errinfo.BuildFailed(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		info = errinfo.Unexpected(phase, err.Error())
		info.Retryable = true
		info.Actions = []string{errinfo.ActionRetry}
	default:
		info = errinfo.Unexpected(phase, err.Error())
	}
	if info.Phase == "" {
		info.Phase = phase
	}
	return info
}

package errinfo

// ErrorInfo is the structured error payload returned by every surface.
type ErrorInfo struct {
	ErrorCode   string   `json:"error_code"`
	Phase       string   `json:"phase,omitempty"`
	Retryable   bool     `json:"retryable"`
	Actions     []string `json:"actions,omitempty"`
	ProviderID  string   `json:"provider_id,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	RequesterID string   `json:"requester_id,omitempty"`
	Detail      string   `json:"detail,omitempty"`
}

const (
	CodeAdmissionRejected   = "ADMISSION_REJECTED"
	CodePromptRejected      = "PROMPT_REJECTED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeProvisionFailed     = "PROVISION_FAILED"
	CodeAgentTransport      = "AGENT_TRANSPORT_FAILED"
	CodeMaxTurnsExceeded    = "MAX_TURNS_EXCEEDED"
	CodePathTraversal       = "PATH_TRAVERSAL"
	CodeNotFound            = "NOT_FOUND"
	CodeValidationRejected  = "VALIDATION_REJECTED"
	CodeBuildFailed         = "BUILD_FAILED"
	CodeBuildOutputMissing  = "BUILD_OUTPUT_MISSING"
	CodeProviderAuthFailed  = "PROVIDER_AUTH_FAILED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeEgressBlocked       = "EGRESS_BLOCKED_BY_POLICY"
	CodeInvalidParams       = "INVALID_PARAMS"
	CodeUnexpected          = "UNEXPECTED"
)

const (
	ActionRetry        = "retry"
	ActionWait         = "wait"
	ActionRephrase     = "rephrase"
	ActionOpenSettings = "open_settings"
)

const (
	PhaseAdmission = "admission"
	PhaseWorkspace = "workspace"
	PhaseEdit      = "edit"
	PhaseValidate  = "validate"
	PhaseBuild     = "build"
	PhaseDeliver   = "deliver"
	PhaseSettings  = "settings"
)

func AdmissionRejected(holder string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:   CodeAdmissionRejected,
		Phase:       PhaseAdmission,
		Retryable:   true,
		Actions:     []string{ActionWait},
		RequesterID: holder,
		Detail:      "a request is already being processed for " + holder,
	}
}

func PromptRejected(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodePromptRejected,
		Phase:     PhaseAdmission,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    detail,
	}
}

func RateLimited(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRateLimited,
		Phase:     PhaseAdmission,
		Retryable: true,
		Actions:   []string{ActionWait},
		Detail:    detail,
	}
}

func ProvisionFailed(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProvisionFailed,
		Phase:     PhaseWorkspace,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func AgentTransport(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAgentTransport,
		Phase:     PhaseEdit,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func MaxTurnsExceeded(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeMaxTurnsExceeded,
		Phase:     PhaseEdit,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    detail,
	}
}

func ValidationRejected(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationRejected,
		Phase:     PhaseValidate,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    detail,
	}
}

func BuildFailed(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeBuildFailed,
		Phase:     PhaseBuild,
		Retryable: false,
		Detail:    detail,
	}
}

func BuildOutputMissing(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeBuildOutputMissing,
		Phase:     PhaseBuild,
		Retryable: false,
		Detail:    detail,
	}
}

func ProviderAuthFailed(providerID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:  CodeProviderAuthFailed,
		Phase:      PhaseEdit,
		Retryable:  false,
		Actions:    []string{ActionOpenSettings},
		ProviderID: providerID,
	}
}

func ProviderUnavailable(providerID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:  CodeProviderUnavailable,
		Phase:      PhaseEdit,
		Retryable:  true,
		Actions:    []string{ActionRetry},
		ProviderID: providerID,
		Detail:     detail,
	}
}

func EgressBlocked(providerID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:  CodeEgressBlocked,
		Phase:      PhaseEdit,
		Retryable:  false,
		ProviderID: providerID,
		Detail:     detail,
	}
}

func InvalidParams(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeInvalidParams,
		Retryable: false,
		Detail:    detail,
	}
}

func Unexpected(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUnexpected,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

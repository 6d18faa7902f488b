package model

import (
	"sort"
	"time"
)

// BusinessType classifies a contractor's engagement model. It selects the
// onboarding path a contractor must follow.
type BusinessType string

// Business types.
const (
	BusinessThirdPartySaudi   BusinessType = "3rd_party_saudi"
	BusinessThirdPartyUAE     BusinessType = "3rd_party_uae"
	BusinessThirdPartyPayroll BusinessType = "3rd_party_payroll"
	BusinessRemoteFreelancer  BusinessType = "av_remote_freelancer"
	BusinessRemoteWPS         BusinessType = "av_remote_wps"
	BusinessEnterpriseClient  BusinessType = "enterprise_client"
	BusinessThirdPartyPerm    BusinessType = "3rd_party_perm"
)

var businessTypes = []BusinessType{
	BusinessThirdPartySaudi,
	BusinessThirdPartyUAE,
	BusinessThirdPartyPayroll,
	BusinessRemoteFreelancer,
	BusinessRemoteWPS,
	BusinessEnterpriseClient,
	BusinessThirdPartyPerm,
}

// BusinessTypes returns every business type in declaration order.
func BusinessTypes() []BusinessType {
	out := make([]BusinessType, len(businessTypes))
	copy(out, businessTypes)
	return out
}

// Valid reports whether b is a member of the business type enum.
func (b BusinessType) Valid() bool {
	for _, bt := range businessTypes {
		if bt == b {
			return true
		}
	}
	return false
}

// Status is the coarse contractor status layered over step completion.
type Status string

// Contractor statuses, in graph order.
const (
	StatusDraft             Status = "draft"
	StatusPendingDocuments  Status = "pending_documents"
	StatusDocumentsUploaded Status = "documents_uploaded"
	StatusPendingReview     Status = "pending_review"
	StatusApproved          Status = "approved"
	StatusPendingSignature  Status = "pending_signature"
	StatusSigned            Status = "signed"
	StatusValidated         Status = "validated"
	StatusActivated         Status = "activated"
)

var statuses = []Status{
	StatusDraft,
	StatusPendingDocuments,
	StatusDocumentsUploaded,
	StatusPendingReview,
	StatusApproved,
	StatusPendingSignature,
	StatusSigned,
	StatusValidated,
	StatusActivated,
}

// Statuses returns every status in graph order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Workflow event types recorded in a contractor's audit trail.
const (
	EventContractorCreated = "contractor_created"
	EventStepCompleted     = "step_completed"
	EventStatusChanged     = "status_changed"
	EventDeclined          = "declined"
	EventActivated         = "activated"
	EventContractorDeleted = "contractor_deleted"
)

// WorkflowStep is an immutable catalog entry. Order is the 1-based position
// within a business type's path; catalog listings carry the default sequence.
type WorkflowStep struct {
	ID              string `json:"id" yaml:"id"`
	Label           string `json:"label" yaml:"label"`
	Description     string `json:"description,omitempty" yaml:"description"`
	ResponsibleRole string `json:"responsible_role,omitempty" yaml:"responsible_role"`
	Order           int    `json:"order" yaml:"-"`
}

// StepCompletion records when and by whom a step was completed.
type StepCompletion struct {
	StepID      string    `json:"step_id"`
	CompletedAt time.Time `json:"completed_at"`
	CompletedBy string    `json:"completed_by,omitempty"`
}

// ContractorWorkflow is the per-contractor onboarding state. BusinessType is
// fixed at creation. The current step is derived from Completed and the
// business type's path and is never stored.
type ContractorWorkflow struct {
	ContractorID string                    `json:"contractor_id"`
	TenantID     string                    `json:"tenant_id"`
	BusinessType BusinessType              `json:"business_type"`
	Status       Status                    `json:"status"`
	Completed    map[string]StepCompletion `json:"completed_steps"`
	CreatedBy    string                    `json:"created_by,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	ActivatedAt  *time.Time                `json:"activated_at,omitempty"`
	Version      int                       `json:"version"`
}

// IsCompleted reports whether stepID has been marked complete.
func (w ContractorWorkflow) IsCompleted(stepID string) bool {
	_, ok := w.Completed[stepID]
	return ok
}

// CompletedStepIDs returns the completed step ids sorted by completion time,
// then id.
func (w ContractorWorkflow) CompletedStepIDs() []string {
	ids := make([]string, 0, len(w.Completed))
	for id := range w.Completed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := w.Completed[ids[i]], w.Completed[ids[j]]
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Clone returns a deep copy so callers can derive a new state without
// mutating the original.
func (w ContractorWorkflow) Clone() ContractorWorkflow {
	out := w
	out.Completed = make(map[string]StepCompletion, len(w.Completed))
	for k, v := range w.Completed {
		out.Completed[k] = v
	}
	if w.ActivatedAt != nil {
		at := *w.ActivatedAt
		out.ActivatedAt = &at
	}
	return out
}

// WorkflowEvent records an event in a contractor's audit trail.
type WorkflowEvent struct {
	ID           string    `json:"id"`
	ContractorID string    `json:"contractor_id"`
	TenantID     string    `json:"tenant_id"`
	BusinessType string    `json:"business_type,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	Event        string    `json:"event"`
	ActorID      string    `json:"actor_id"`
	FromStatus   string    `json:"from_status,omitempty"`
	ToStatus     string    `json:"to_status,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StepView is a step on a contractor's path with its completion state.
type StepView struct {
	WorkflowStep
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Current     bool       `json:"current"`
}

// ContractorDescriptor is the read model returned to front-end consumers.
type ContractorDescriptor struct {
	ContractorID string        `json:"contractor_id"`
	BusinessType BusinessType  `json:"business_type"`
	Status       Status        `json:"status"`
	CurrentStep  *WorkflowStep `json:"current_step,omitempty"`
	Steps        []StepView    `json:"steps"`
	Progress     float64       `json:"progress"`
	CanActivate  bool          `json:"can_activate"`
	NextStatuses []Status      `json:"next_statuses"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ActivatedAt  *time.Time    `json:"activated_at,omitempty"`
	Version      int           `json:"version"`
}

// ContractorSummary is a lightweight representation used in list views.
type ContractorSummary struct {
	ContractorID  string       `json:"contractor_id"`
	BusinessType  BusinessType `json:"business_type"`
	Status        Status       `json:"status"`
	CurrentStepID string       `json:"current_step_id,omitempty"`
	Progress      float64      `json:"progress"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ContractorFilters are optional filters for listing contractors.
type ContractorFilters struct {
	BusinessType BusinessType
	Status       Status
	Limit        int
	Offset       int
}

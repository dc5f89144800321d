package negotiation

import (
	"time"
)

type ContractState string

const (
	ContractPending    ContractState = "pending"
	ContractActive     ContractState = "active"
	ContractCompleted  ContractState = "completed"
	ContractCancelled  ContractState = "cancelled"
	ContractDisputed   ContractState = "disputed"
	ContractTerminated ContractState = "terminated"
)

// WorkflowState is the payment-facing sub-state the backend reports
// alongside the contract state.
type WorkflowState string

const (
	WorkflowActive           WorkflowState = "active"
	WorkflowWaitingReview    WorkflowState = "waiting_review"
	WorkflowPaymentPending   WorkflowState = "payment_pending"
	WorkflowPaymentAvailable WorkflowState = "payment_available"
	WorkflowPaymentWithdrawn WorkflowState = "payment_withdrawn"
	WorkflowTerminated       WorkflowState = "terminated"
)

// completionWindow is how close to the expected end date a contract has to
// be before the complete action unlocks.
const completionWindow = 72 * time.Hour

// Contract is the binding engagement created when an offer is accepted.
type Contract struct {
	ID            int64         `json:"id"`
	OfferID       int64         `json:"offer_id"`
	State         ContractState `json:"state"`
	Workflow      WorkflowState `json:"workflow_state"`
	StartedAt     time.Time     `json:"started_at"`
	ExpectedEndAt time.Time     `json:"expected_end_at"`
}

func (s ContractState) Terminal() bool {
	switch s {
	case ContractCompleted, ContractCancelled, ContractTerminated:
		return true
	}
	return false
}

// CanBeCompleted gates the complete action: the contract must be active and
// at or near its expected end date.
func (c *Contract) CanBeCompleted(now time.Time) bool {
	if c.State != ContractActive {
		return false
	}
	return now.After(c.ExpectedEndAt.Add(-completionWindow))
}

func legalContractTransition(from, to ContractState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case ContractActive:
		return from == ContractPending
	case ContractCompleted:
		return from == ContractActive
	case ContractCancelled:
		return from == ContractPending || from == ContractActive
	case ContractDisputed, ContractTerminated:
		// Any non-terminal state may be disputed or terminated.
		return true
	}
	return false
}

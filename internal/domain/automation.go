package domain

import (
	"encoding/json"
	"time"
)

// TriggerType is what starts an automation for a contact.
type TriggerType string

const (
	TriggerSignup            TriggerType = "SIGNUP"
	TriggerOrderPaid         TriggerType = "ORDER_PAID"
	TriggerNoPurchaseInDays  TriggerType = "NO_PURCHASE_IN_DAYS"
	TriggerAbandonedCheckout TriggerType = "ABANDONED_CHECKOUT"
)

// IsTimeBased reports whether the trigger is discovered by a scanner rather
// than fired by an event hook.
func (t TriggerType) IsTimeBased() bool {
	return t == TriggerNoPurchaseInDays || t == TriggerAbandonedCheckout
}

// TriggerConfig carries the trigger's parameters.
type TriggerConfig struct {
	Days         int `json:"days,omitempty"`
	DelayMinutes int `json:"delay_minutes,omitempty"`
}

// StepType enumerates what an automation step does.
type StepType string

const (
	StepWait      StepType = "WAIT"
	StepSendEmail StepType = "SEND_EMAIL"
	StepBranch    StepType = "BRANCH"
	StepAddTag    StepType = "ADD_TAG"
	StepNotify    StepType = "NOTIFY"
)

// Valid reports whether s is a known step type.
func (s StepType) Valid() bool {
	switch s {
	case StepWait, StepSendEmail, StepBranch, StepAddTag, StepNotify:
		return true
	}
	return false
}

// BranchOnFalse decides what a BRANCH step does when its conditions fail.
type BranchOnFalse string

const (
	BranchContinue BranchOnFalse = "CONTINUE"
	BranchExit     BranchOnFalse = "EXIT"
)

// StepConfig is the type-specific configuration of a step.
type StepConfig struct {
	Conditions json.RawMessage `json:"conditions,omitempty"`
	OnFalse    BranchOnFalse   `json:"on_false,omitempty"`
	Tag        string          `json:"tag,omitempty"`
	Message    string          `json:"message,omitempty"`
	Subject    string          `json:"subject,omitempty"`
}

// AutomationStep is one entry in an automation's ordered step list.
type AutomationStep struct {
	ID           string     `json:"id" db:"id"`
	AutomationID string     `json:"automation_id" db:"automation_id"`
	StepOrder    int        `json:"step_order" db:"step_order"`
	StepType     StepType   `json:"step_type" db:"step_type"`
	DelayMinutes int        `json:"delay_minutes" db:"delay_minutes"`
	TemplateID   string     `json:"template_id,omitempty" db:"template_id"`
	Config       StepConfig `json:"config" db:"config"`
}

// Automation is a trigger plus an ordered list of steps.
type Automation struct {
	ID            string           `json:"id" db:"id"`
	TenantID      string           `json:"tenant_id" db:"tenant_id"`
	Name          string           `json:"name" db:"name"`
	TriggerType   TriggerType      `json:"trigger_type" db:"trigger_type"`
	TriggerConfig TriggerConfig    `json:"trigger_config" db:"trigger_config"`
	IsEnabled     bool             `json:"is_enabled" db:"is_enabled"`
	Steps         []AutomationStep `json:"steps"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// AutomationStatus is the state of one contact's run through an automation.
type AutomationStatus string

const (
	AutomationActive    AutomationStatus = "ACTIVE"
	AutomationCompleted AutomationStatus = "COMPLETED"
	AutomationStopped   AutomationStatus = "STOPPED"
)

// AutomationState is unique per (tenant, contact, automation). CurrentStep
// holds the StepOrder of the last finished step; 0 means none yet.
type AutomationState struct {
	ID           string           `json:"id" db:"id"`
	TenantID     string           `json:"tenant_id" db:"tenant_id"`
	ContactID    string           `json:"contact_id" db:"contact_id"`
	AutomationID string           `json:"automation_id" db:"automation_id"`
	CurrentStep  int              `json:"current_step" db:"current_step"`
	NextRunAt    time.Time        `json:"next_run_at" db:"next_run_at"`
	Status       AutomationStatus `json:"status" db:"status"`
	LastError    string           `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// ExecutionStatus is the ledger outcome of one (contact, step).
type ExecutionStatus string

const (
	ExecutionSent    ExecutionStatus = "SENT"
	ExecutionSkipped ExecutionStatus = "SKIPPED"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// StepExecution is unique per (tenant, contact, step) and makes step
// execution idempotent across retries and crashes.
type StepExecution struct {
	ID           string          `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	ContactID    string          `json:"contact_id" db:"contact_id"`
	AutomationID string          `json:"automation_id" db:"automation_id"`
	StepID       string          `json:"step_id" db:"step_id"`
	Status       ExecutionStatus `json:"status" db:"status"`
	Detail       string          `json:"detail,omitempty" db:"detail"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

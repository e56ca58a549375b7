package domain

import "time"

// StepType enumerates the kinds of work a sequence step can perform.
type StepType string

const (
	StepEmail     StepType = "email"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
)

// EmailStepConfig is the payload for an email step. Subject and Content are
// required at save time; steps without them never reach the executor.
type EmailStepConfig struct {
	Subject    string `json:"subject" validate:"required"`
	Content    string `json:"content" validate:"required"`
	FromName   string `json:"from_name"`
	FromEmail  string `json:"from_email" validate:"omitempty,email"`
	ProviderID string `json:"provider_id,omitempty"`
}

// DelayUnit enumerates supported delay units.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// DelayStepConfig is the payload for a delay step.
type DelayStepConfig struct {
	Value int       `json:"value" validate:"required,gt=0"`
	Unit  DelayUnit `json:"unit" validate:"required,oneof=minutes hours days weeks"`
}

// Duration converts the configured delay into a time.Duration.
func (c DelayStepConfig) Duration() time.Duration {
	v := time.Duration(c.Value)
	switch c.Unit {
	case DelayMinutes:
		return v * time.Minute
	case DelayHours:
		return v * time.Hour
	case DelayDays:
		return v * 24 * time.Hour
	case DelayWeeks:
		return v * 7 * 24 * time.Hour
	default:
		return v * time.Hour
	}
}

// ConditionKind enumerates supported condition checks.
type ConditionKind string

const (
	CondOpenedEmail     ConditionKind = "opened_email"
	CondClickedLink     ConditionKind = "clicked_link"
	CondEngagementScore ConditionKind = "engagement_score"
	CondCustomField     ConditionKind = "custom_field"
)

// ConditionStepConfig is the payload for a condition step. OnTrue/OnFalse
// name the branch target step ids; a nil target falls through to the next
// step by order.
type ConditionStepConfig struct {
	Kind       ConditionKind `json:"kind" validate:"required,oneof=opened_email clicked_link engagement_score custom_field"`
	Threshold  float64       `json:"threshold,omitempty"`
	FieldName  string        `json:"field_name,omitempty"`
	FieldValue string        `json:"field_value,omitempty"`
	OnTrue     *string       `json:"on_true,omitempty"`
	OnFalse    *string       `json:"on_false,omitempty"`
}

// StepConfig is the type-discriminated configuration of a step. Exactly one
// member matching the step type must be set.
type StepConfig struct {
	Email     *EmailStepConfig     `json:"emailConfig,omitempty"`
	Delay     *DelayStepConfig     `json:"delayConfig,omitempty"`
	Condition *ConditionStepConfig `json:"conditionConfig,omitempty"`
}

// Step is one unit of work inside a sequence. StepOrder is unique per
// sequence and defines the default linear progression.
type Step struct {
	ID         string     `json:"id" db:"id"`
	SequenceID string     `json:"sequence_id" db:"sequence_id"`
	Type       StepType   `json:"type" db:"type"`
	StepOrder  int        `json:"step_order" db:"step_order"`
	Config     StepConfig `json:"config" db:"config"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

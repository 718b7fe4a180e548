package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// PauseType selects how a paused flow run may resume.
type PauseType string

const (
	// PauseDelay resumes automatically once ResumeAt is reached.
	PauseDelay PauseType = "DELAY"
	// PauseWebhook waits for an external resume call naming an allowed action.
	PauseWebhook PauseType = "WEBHOOK"
)

// PauseMetadata describes why a run is suspended and how it may resume.
type PauseMetadata struct {
	Type      PauseType  `json:"type"`
	ResumeAt  *time.Time `json:"resumeAt,omitempty"`
	Actions   []string   `json:"actions,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
	// StepName is the cursor the engine resumes from.
	StepName string `json:"stepName,omitempty"`
}

// Validate checks the metadata is well formed for its type.
func (m *PauseMetadata) Validate() error {
	if m == nil {
		return Errorf(CodeValidation, "pause metadata is required")
	}
	switch m.Type {
	case PauseDelay:
		if m.ResumeAt == nil || m.ResumeAt.IsZero() {
			return Errorf(CodeValidation, "delay pause requires resumeAt")
		}
	case PauseWebhook:
		for _, a := range m.Actions {
			if a == "" {
				return Errorf(CodeValidation, "webhook pause actions must not be empty")
			}
		}
	default:
		return Errorf(CodeValidation, "unknown pause type %q", m.Type)
	}
	return nil
}

// Allows reports whether a webhook resume action is permitted.
// A webhook pause without declared actions accepts any action.
func (m *PauseMetadata) Allows(action string) bool {
	if m == nil || m.Type != PauseWebhook {
		return false
	}
	if len(m.Actions) == 0 {
		return true
	}
	return slices.Contains(m.Actions, action)
}

// Value implements driver.Valuer so the metadata is stored as JSON.
func (m PauseMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *PauseMetadata) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("pause metadata: unsupported column type %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, m)
}

package core

import (
	"encoding/json"
)

// FlowState tells whether a flow's triggers are live.
type FlowState string

const (
	FlowEnabled  FlowState = "ENABLED"
	FlowDisabled FlowState = "DISABLED"
)

// TriggerType identifies how a flow version is triggered.
type TriggerType string

const (
	TriggerPolling TriggerType = "POLLING"
	TriggerWebhook TriggerType = "WEBHOOK"
	TriggerManual  TriggerType = "MANUAL"
)

// PieceRef pins a piece to an exact version.
type PieceRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CodeArtifact is a code step's source archive, addressed by content id.
type CodeArtifact struct {
	StepName  string `json:"stepName"`
	ContentID string `json:"contentId"`
	// BlobRef locates the archive bytes in the blob store.
	BlobRef string `json:"blobRef"`
}

// FlowVersion is the part of a flow version the scheduling core needs.
type FlowVersion struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flowId"`
	ProjectID   string          `json:"projectId"`
	DisplayName string          `json:"displayName,omitempty"`
	State       FlowState       `json:"state"`
	TriggerType TriggerType     `json:"triggerType"`
	TriggerName string          `json:"triggerName,omitempty"`
	Cron        string          `json:"cron,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	Pieces      []PieceRef      `json:"pieces,omitempty"`
	Artifacts   []CodeArtifact  `json:"artifacts,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
}

package main

// Event types emitted by a progressive council run. The SSE and voice
// surfaces forward these verbatim, then append their own terminal events.
const (
	EventStage1Start    = "stage1_start"
	EventStage1Complete = "stage1_complete"
	EventStage2Start    = "stage2_start"
	EventStage2Complete = "stage2_complete"
	EventStage3Start    = "stage3_start"
	EventStage3Complete = "stage3_complete"
	EventTitleComplete  = "title_complete"
	EventComplete       = "complete"
	EventError          = "error"
)

// StageEvent is one progressive update from a council run. Data carries the
// stage payload (answers, submissions, or the synthesis); Metadata rides
// along on stage2_complete only.
type StageEvent struct {
	Type     string        `json:"type"`
	Data     any           `json:"data,omitempty"`
	Metadata *TurnMetadata `json:"metadata,omitempty"`
	Message  string        `json:"message,omitempty"`
}

package bus

import "encoding/json"

// EventType enumerates the kinds of queued work. The worker's dispatch
// table is exhaustive over this set; an unknown type dead-letters.
type EventType string

const (
	EventDMIncoming         EventType = "dm.incoming"
	EventOutboundDMRequest  EventType = "outbound.dm.request"
	EventSchedulerTriggered EventType = "scheduler.triggered"
	EventDMRecoverRun       EventType = "dm.recover.run"
	EventDMReconcileRun     EventType = "dm.reconcile.run"
)

// Lane is a coarse priority bucket that dominates numeric priority.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneRecovery    Lane = "recovery"
	LaneScheduled   Lane = "scheduled"
	LaneSystem      Lane = "system"
)

// LaneRank orders lanes for claiming; lower claims first.
func LaneRank(l Lane) int {
	switch l {
	case LaneInteractive:
		return 0
	case LaneRecovery:
		return 1
	case LaneScheduled:
		return 2
	default:
		return 3
	}
}

// Status is an event's queue state. Done and Dead are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
)

// Event is one row of queued work.
type Event struct {
	ID          string
	Type        EventType
	Lane        Lane
	Priority    int
	Payload     json.RawMessage
	DedupeKey   string
	Attempts    int
	Status      Status
	AvailableAt int64 // unix milliseconds
	LockedBy    string
	LockedAt    int64 // unix milliseconds, 0 when unlocked
	LastError   string
	CreatedAt   int64
	UpdatedAt   int64
}

// DMIncomingPayload rides on dm.incoming events.
type DMIncomingPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
}

// FileRef describes one file to attach to an outbound message.
type FileRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Outbound source tags.
const (
	SourceDMReply    = "dm_reply"
	SourceScheduler  = "scheduler"
	SourceManualSend = "manual_send"
	SourceAuthError  = "auth_error"
)

// OutboundDMPayload rides on outbound.dm.request events. Exactly one of
// UserID and ChannelID is set: UserID resolves a DM channel first,
// ChannelID sends directly.
type OutboundDMPayload struct {
	RequestID string    `json:"request_id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// SchedulerTriggeredPayload rides on scheduler.triggered events.
// Firings older than ExpiresAt are discarded by the handler so a long
// outage does not replay a backlog of stale schedules.
type SchedulerTriggeredPayload struct {
	ScheduleName string `json:"schedule_name"`
	TriggeredAt  int64  `json:"triggered_at"` // unix milliseconds
	ExpiresAt    int64  `json:"expires_at"`
}

// MaxBackoffMS caps the retry backoff.
const MaxBackoffMS = 60_000

// BackoffMS returns the retry delay in milliseconds before the given
// attempt: 1s for attempt 1, doubling each attempt, capped at 60s.
func BackoffMS(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	ms := int64(1000) << (attempt - 1)
	if ms > MaxBackoffMS {
		return MaxBackoffMS
	}
	return ms
}

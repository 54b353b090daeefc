package orchestrator

import (
	"time"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// NoticeType is the kind of notice the Brain emits.
type NoticeType string

const (
	NoticeIngested         NoticeType = "ingested"
	NoticeClassified       NoticeType = "classified"
	NoticeStateChanged     NoticeType = "state_changed"
	NoticeDispatchStarted  NoticeType = "dispatch_started"
	NoticeDispatchFinished NoticeType = "dispatch_finished"
	NoticeHuddle           NoticeType = "huddle"
	NoticeFault            NoticeType = "fault"
	NoticeEscalated        NoticeType = "escalated"
	NoticeNotified         NoticeType = "notified"
)

// Notice is a progress update for subscribers such as the serve command.
type Notice struct {
	Type    NoticeType
	EventID string
	// State is the event's state after the change.
	State   models.State
	Message string
	// Err is set for faults.
	Err       error
	Timestamp time.Time
}

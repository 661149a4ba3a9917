// Package events implements the bounded, best-effort box event broadcast
// bus (spec §4.17): box-state transitions, session/prompt/skill lifecycle,
// and queue pressure signals, delivered to any number of subscribers with
// no replay and no blocking of the producer.
package events

import "time"

// Key names one event kind. The spec calls out box.ready/box.error as
// examples; the full catalog lives alongside the commands that emit them.
type Key string

const (
	KeyBoxReady       Key = "box.ready"
	KeyBoxError       Key = "box.error"
	KeyBoxExited      Key = "box.exited"
	KeyBoxRestarted   Key = "box.restarted"
	KeyBoxPaused      Key = "box.paused"
	KeyBoxUnpaused    Key = "box.unpaused"
	KeySessionStart   Key = "session.start"
	KeySessionEnd     Key = "session.end"
	KeyPromptStart    Key = "prompt.start"
	KeyPromptEnd      Key = "prompt.end"
	KeySkillStart     Key = "skill.start"
	KeySkillEnd       Key = "skill.end"
	KeyQueuePressure  Key = "queue.pressure"
)

// BoxEvent is the payload broadcast to subscribers.
type BoxEvent struct {
	Key       Key            `json:"key"`
	BoxID     string         `json:"boxId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

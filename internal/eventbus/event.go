package eventbus

import "time"

// Event is the typed payload fanned out by the Bus (spec §4.7/§6). Recognized
// Type values are documented in spec §6; the bus treats Type as an opaque
// string so new event types never require a bus change.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`

	// Optional correlation ids, included when relevant to the event type.
	WorkflowID string `json:"workflowId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	EpicID     string `json:"epicId,omitempty"`
	LoopID     string `json:"loopId,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

// Group names the named subscription sets from spec §4.7.
type Group string

const (
	GroupTask         Group = "TASK"
	GroupResource     Group = "RESOURCE"
	GroupHumanInLoop  Group = "HUMAN_IN_LOOP"
	GroupLoop         Group = "LOOP"
	GroupEpic         Group = "EPIC"
)

// groupMembership maps each recognized event type (spec §6) to the groups it
// belongs to. An event type absent from this table belongs to no group and
// is only visible to type subscribers, wildcard subscribers, and filters
// that don't request groups.
var groupMembership = map[string][]Group{
	"task_started":               {GroupTask},
	"task_completed":              {GroupTask},
	"task_failed":                {GroupTask},
	"workflow_progress":           {GroupTask},
	"loop.created":                {GroupLoop},
	"loop.started":                {GroupLoop},
	"loop.node.updated":           {GroupLoop},
	"loop.node.completed":         {GroupLoop},
	"loop.completed":              {GroupLoop},
	"loop.queued":                 {GroupLoop},
	"epic.created":                {GroupEpic},
	"epic.completed":              {GroupEpic},
	"epic.phase_transition":       {GroupEpic},
	"epic.user_input_required":    {GroupEpic, GroupHumanInLoop},
	"resource.allocated":          {GroupResource},
	"resource.released":           {GroupResource},
	"context.compressed":          {GroupLoop},
	"phase_transition":            {GroupEpic},
	"kernel_event":                {},
	"turn_retry":                  {},
}

// GroupsFor returns the groups an event type belongs to.
func GroupsFor(eventType string) []Group {
	return groupMembership[eventType]
}

func inGroups(eventType string, groups []Group) bool {
	if len(groups) == 0 {
		return false
	}
	members := groupMembership[eventType]
	for _, want := range groups {
		for _, have := range members {
			if want == have {
				return true
			}
		}
	}
	return false
}

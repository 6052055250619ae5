package engine

import "encoding/json"

type EventType string

const (
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventExecuting EventType = "executing"
	EventExecuted  EventType = "executed"
	EventError     EventType = "execution_error"
)

// OutputRef points at one produced file on the engine host. The triple feeds
// the /fetch retrieval endpoint verbatim.
type OutputRef struct {
	Name   string `json:"name"`
	Folder string `json:"folder,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Event is one decoded message from the engine's event socket.
//
// Executing events carry a nullable node: a null node is the terminal
// "everything ran" signal for the submission.
type Event struct {
	Type         EventType
	SubmissionID string

	// progress
	Value int
	Max   int

	// executing / executed / execution_error
	Node     string
	NodeNull bool

	// executed
	Outputs []OutputRef

	// execution_error
	Message string
}

// Terminal reports whether the event ends the stream for its submission.
func (e Event) Terminal() bool {
	if e.Type == EventError {
		return true
	}
	return e.Type == EventExecuting && e.NodeNull
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireEventData struct {
	SubmissionID string      `json:"submission_id"`
	Node         *string     `json:"node"`
	Value        int         `json:"value"`
	Max          int         `json:"max"`
	Outputs      []OutputRef `json:"outputs"`
	Message      string      `json:"message"`
}

func decodeEvent(raw []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return Event{}, err
	}
	var d wireEventData
	if len(we.Data) > 0 {
		if err := json.Unmarshal(we.Data, &d); err != nil {
			return Event{}, err
		}
	}
	ev := Event{
		Type:         we.Type,
		SubmissionID: d.SubmissionID,
		Value:        d.Value,
		Max:          d.Max,
		Outputs:      d.Outputs,
		Message:      d.Message,
	}
	if d.Node != nil {
		ev.Node = *d.Node
	} else {
		ev.NodeNull = true
	}
	return ev, nil
}

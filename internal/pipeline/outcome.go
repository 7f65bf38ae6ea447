package pipeline

// Action is what happened to an inbound webhook message. It is reported
// in the webhook response and used as a metrics label.
type Action string

const (
	ActionProcessed      Action = "processed"
	ActionFailed         Action = "failed"
	ActionIgnoredNoAgent Action = "ignored_no_agent"
	ActionIgnoredMedia   Action = "ignored_media"
	ActionDuplicate      Action = "duplicate"
	ActionInFlight       Action = "in_flight"
	ActionError          Action = "error"

	// dropped before anything is stored
	ActionIgnoredSelf    Action = "ignored_self"
	ActionIgnoredGroup   Action = "ignored_group"
	ActionIgnoredContent Action = "ignored_content"
	ActionIgnoredEvent   Action = "ignored_event"
)

// Outcome is the result of Process. Err is set for failed and error actions.
type Outcome struct {
	Action    Action
	MessageID int64
	Reply     string
	Endpoint  string
	Err       error
}

// Success reports whether the message reached an expected end state, even
// one where no reply was sent.
func (o Outcome) Success() bool {
	return o.Action != ActionFailed && o.Action != ActionError
}

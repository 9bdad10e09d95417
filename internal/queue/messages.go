package queue

// ResolveJobMsg requests one resolution batch over the pending
// documents. RequestID correlates worker logs with the trigger.
type ResolveJobMsg struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

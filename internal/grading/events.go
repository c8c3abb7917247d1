package grading

// EventKind names a streamed grading event
type EventKind string

const (
	KindInitializing  EventKind = "initializing"
	KindItemUpdated   EventKind = "item_updated"
	KindItemCompleted EventKind = "item_completed"
	KindTurnCompleted EventKind = "turn_completed"
	KindError         EventKind = "error"
)

// Event is one streamed grading event. The set of implementations is closed;
// consumers type-switch on Initializing, ItemUpdated, ItemCompleted,
// TurnCompleted and ErrorEvent.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Usage is the token usage reported for a turn
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of two usages
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + other.InputTokens,
		CachedInputTokens: u.CachedInputTokens + other.CachedInputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
	}
}

// Initializing is emitted before the grader starts work
type Initializing struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// ItemUpdated carries partial output for an item still in progress
type ItemUpdated struct {
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
	Text     string `json:"text,omitempty"`
}

// ItemCompleted carries the final state of an item
type ItemCompleted struct {
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
	Text     string `json:"text,omitempty"`
}

// TurnCompleted closes a turn and reports its usage
type TurnCompleted struct {
	Usage Usage `json:"usage"`
}

// ErrorEvent reports a provider error. Fatal errors end the grading call.
type ErrorEvent struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (Initializing) Kind() EventKind  { return KindInitializing }
func (ItemUpdated) Kind() EventKind   { return KindItemUpdated }
func (ItemCompleted) Kind() EventKind { return KindItemCompleted }
func (TurnCompleted) Kind() EventKind { return KindTurnCompleted }
func (ErrorEvent) Kind() EventKind    { return KindError }

func (Initializing) isEvent()  {}
func (ItemUpdated) isEvent()   {}
func (ItemCompleted) isEvent() {}
func (TurnCompleted) isEvent() {}
func (ErrorEvent) isEvent()    {}

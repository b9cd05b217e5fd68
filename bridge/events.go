package bridge

// MessageStdin is the only inbound message type: deliver input text.
// SourceLocator is consulted on the first message of a session only.
const MessageStdin = "stdin"

// Message is one inbound wire message from the outside world.
type Message struct {
	Type          string `json:"type"`
	SourceLocator string `json:"sourceLocator,omitempty"`
	Data          string `json:"data"`
}

// Outbound event kinds.
const (
	// EventInit is emitted once after the module loads and starts.
	EventInit = "init"
	// EventStdout carries one line-terminated chunk of primary output.
	EventStdout = "stdout"
	// EventStderr carries one diagnostic write or a translated failure.
	EventStderr = "stderr"
)

// Event is one outbound wire event to the outside world.
type Event struct {
	Type          string `json:"type"`
	SourceLocator string `json:"sourceLocator,omitempty"`
	Data          string `json:"data,omitempty"`
}

// Emitter delivers outbound events. Emissions happen in write-call
// order; implementations should not block for long.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

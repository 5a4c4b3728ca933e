package decoder

// State is the Decoder's device-interface state machine.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateDraining
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDecoding:
		return "Decoding"
	case StateDraining:
		return "Draining"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

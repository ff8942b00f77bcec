package link

import "fmt"

// State of wireless link as reported by radio driver.
type State int8

const (
	stateUnknown State = iota - 1
	Down
	Joining
	NoAddress
	Up
	Failed
	NoNetwork
	BadAuth
)

func (s State) String() string {
	switch s {
	case stateUnknown:
		return "unknown"
	case Down:
		return "down"
	case Joining:
		return "joining"
	case NoAddress:
		return "noip"
	case Up:
		return "up"
	case Failed:
		return "fail"
	case NoNetwork:
		return "nonet"
	case BadAuth:
		return "badauth"
	}
	return fmt.Sprintf("state(%d)", int8(s))
}

// Transition is observed change of link state.
type Transition struct {
	From State
	To   State
}

// LinkUp reports transition into Up.
func (t Transition) LinkUp() bool { return t.To == Up && t.From != Up }

func (t Transition) String() string { return t.From.String() + " -> " + t.To.String() }

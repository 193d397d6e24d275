package recorder

import "fmt"

// State is the lifecycle tag of a recording session. Behavior lives in the
// predicate functions below, not on the tag.
type State int

const (
	Idle State = iota
	Preparing
	Recording
	Paused
	Completed
	Cancelled
)

var stateNames = map[State]string{
	Idle:      "idle",
	Preparing: "preparing",
	Recording: "recording",
	Paused:    "paused",
	Completed: "completed",
	Cancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown recorder state %q", text)
}

// CanStart reports whether a new session may begin from s.
func CanStart(s State) bool {
	return s == Idle || s == Completed || s == Cancelled
}

func CanPause(s State) bool {
	return s == Recording
}

func CanResume(s State) bool {
	return s == Paused
}

func CanStop(s State) bool {
	return s == Recording || s == Paused
}

func CanCancel(s State) bool {
	return IsActive(s)
}

// CanReadAmplitudes reports whether hardware samples should reach the
// waveform while in s.
func CanReadAmplitudes(s State) bool {
	return s == Recording
}

// IsActive reports whether s holds, or is acquiring, hardware.
func IsActive(s State) bool {
	return s == Preparing || s == Recording || s == Paused
}

func IsTerminal(s State) bool {
	return s == Completed || s == Cancelled
}

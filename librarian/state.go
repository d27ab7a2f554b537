package librarian

import "fmt"

// State is a step of the controller's run.
type State int

const (
	StateIdle State = iota
	StateScanning
	StatePresenting
	StateJoining
	StateSavingCredential
	StateForgetting
	StateDone
	StateFailed
)

func (s State) String() string {
	names := []string{
		"Idle",
		"Scanning",
		"Presenting",
		"Joining",
		"SavingCredential",
		"Forgetting",
		"Done",
		"Failed",
	}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// Outcome says how a successful run ended.
type Outcome int

const (
	OutcomeCancelled Outcome = iota
	OutcomeNoOp
	OutcomeJoined
	OutcomeSaved
	OutcomeForgotten
	OutcomeCleared
)

func (o Outcome) String() string {
	names := []string{"cancelled", "no-op", "joined", "saved", "forgotten", "cleared"}
	if int(o) >= 0 && int(o) < len(names) {
		return names[o]
	}
	return fmt.Sprintf("Unknown(%d)", o)
}

// Result is what a run did. SSID is empty when nothing was chosen.
type Result struct {
	Outcome Outcome
	SSID    string
}

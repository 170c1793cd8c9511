package session

// State is the single authoritative position of a purchase session in its
// lifecycle. There is no separate "busy" source of truth; the in-flight
// marker lives on the session and is mutated only under the same lock as
// the state itself.
type State int

const (
	StateDetailReview State = iota
	StateReserved
	StateWalletConnect
	StateBuildTx
	StateAwaitSignature
	StateSubmitted
	StateConfirming
	StateVerifying
	StateCompleted
	StateExpired
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateDetailReview:   "DETAIL_REVIEW",
	StateReserved:       "RESERVED",
	StateWalletConnect:  "WALLET_CONNECT",
	StateBuildTx:        "BUILD_TX",
	StateAwaitSignature: "AWAIT_SIGNATURE",
	StateSubmitted:      "SUBMITTED",
	StateConfirming:     "CONFIRMING",
	StateVerifying:      "VERIFYING",
	StateCompleted:      "COMPLETED",
	StateExpired:        "EXPIRED",
	StateCancelled:      "CANCELLED",
	StateFailed:         "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition can leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Committed reports whether the session has passed the irreversible commit
// point: a transaction hash exists and the timer, cancellation, and any
// state regression are all off the table.
func (s State) Committed() bool {
	return s >= StateSubmitted && s <= StateCompleted
}

// transitions is the full legality table. Regressions (BUILD_TX back to
// WALLET_CONNECT, AWAIT_SIGNATURE back to BUILD_TX) exist only on the
// pre-submission side; once SUBMITTED the only moves are forward or to
// FAILED.
var transitions = map[State][]State{
	StateDetailReview:   {StateReserved},
	StateReserved:       {StateWalletConnect, StateExpired, StateCancelled, StateFailed},
	StateWalletConnect:  {StateBuildTx, StateExpired, StateCancelled, StateFailed},
	StateBuildTx:        {StateAwaitSignature, StateWalletConnect, StateExpired, StateCancelled, StateFailed},
	StateAwaitSignature: {StateSubmitted, StateBuildTx, StateExpired, StateCancelled, StateFailed},
	StateSubmitted:      {StateConfirming, StateFailed},
	StateConfirming:     {StateVerifying, StateFailed},
	StateVerifying:      {StateCompleted, StateFailed},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

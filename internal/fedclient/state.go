package fedclient

import "time"

// RoundState is the position of the round state machine. A round moves
// Idle -> ConditionCheck -> Training -> ProofGeneration -> Uploading ->
// ReconcilingResponse -> Idle; Failed is reachable from every non-Idle
// state and always hands back to Idle.
type RoundState int

const (
	StateIdle RoundState = iota
	StateConditionCheck
	StateTraining
	StateProofGeneration
	StateUploading
	StateReconcilingResponse
	StateFailed
)

func (s RoundState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConditionCheck:
		return "condition_check"
	case StateTraining:
		return "training"
	case StateProofGeneration:
		return "proof_generation"
	case StateUploading:
		return "uploading"
	case StateReconcilingResponse:
		return "reconciling_response"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusUpdate is emitted on every state transition and on errors. Err is
// non-nil only for Failed transitions.
type StatusUpdate struct {
	State   RoundState
	Message string
	Err     error
	Round   uint64
	Time    time.Time
}

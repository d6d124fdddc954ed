package model

// PolicyDecision is the tagged result of one pure governance decision.
// Always produced synchronously from declarative inputs, never from I/O;
// never cached across calls with different inputs.
type PolicyDecision struct {
	Allowed   bool   `json:"allowed"`
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason,omitempty"`
}

// Allow returns an allowing decision for the subject.
func Allow(subjectID string) PolicyDecision {
	return PolicyDecision{Allowed: true, SubjectID: subjectID}
}

// Deny returns a denying decision with a reason. The reason is propagated
// verbatim to callers.
func Deny(subjectID, reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, SubjectID: subjectID, Reason: reason}
}

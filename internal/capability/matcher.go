package capability

import "encoding/json"

// Verdict is the result of a capability check (spec.md §4.2 contract:
// allow(participant, envelope) -> Allowed | Denied(reason)).
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow decides whether a participant with the given effective capability
// set (static capabilities union accepted grants) may send an envelope of
// the given kind, to the given recipients, with the given payload.
//
// The "system" participant is implicit and unconstrained (spec.md §4.2);
// callers identify it by passing isSystem=true rather than by capability
// lookup, since system has no registry entry.
func Allow(effective []Capability, isSystem bool, kind string, to []string, payloadJSON []byte) Verdict {
	if isSystem {
		return Verdict{Allowed: true}
	}

	var payload map[string]interface{}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &payload)
	}

	recipients := to
	if len(recipients) == 0 {
		recipients = []string{"*broadcast*"}
	}

	for _, c := range effective {
		if c.Allows(kind, recipients, payload) {
			return Verdict{Allowed: true}
		}
	}
	return Verdict{Allowed: false, Reason: "Forbidden"}
}

// EffectiveSet merges static and accepted-grant capabilities into the
// effective set defined by spec.md §3: "static_capabilities ∪
// granted_capabilities" where granted_capabilities only counts accepted
// grants.
func EffectiveSet(static []Capability, grants *Table, participant string) []Capability {
	out := make([]Capability, 0, len(static))
	out = append(out, static...)
	out = append(out, grants.Accepted(participant)...)
	return out
}

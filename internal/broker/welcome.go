package broker

import (
	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/envelope"
)

// welcomeParticipant is one entry in system/welcome.participants or .you
// (spec.md §4.8): id plus publicly visible capabilities. Tokens never
// leak.
type welcomeParticipant struct {
	ID           string                  `json:"id"`
	Capabilities []capability.Capability `json:"capabilities"`
}

// welcomeStream is one active_streams entry: the stream's stored metadata
// spread over the required fields, custom fields preserved verbatim
// (spec.md §4.8, testable property 9).
type welcomeStream map[string]interface{}

type welcomePayload struct {
	You           welcomeParticipant   `json:"you"`
	Participants  []welcomeParticipant `json:"participants"`
	ActiveStreams []welcomeStream      `json:"active_streams"`
}

// buildWelcome assembles the system/welcome sent to a newly connected
// participant, the only snapshot it ever receives (spec.md §4.8: "After
// it, the participant is caught up to 'now' and receives live
// envelopes").
func (s *Space) buildWelcome(id string) *envelope.Envelope {
	effective := capability.EffectiveSet(s.staticCaps[id], s.grants, id)

	var others []welcomeParticipant
	for _, p := range s.registry.Others(id) {
		others = append(others, welcomeParticipant{
			ID:           p.ID,
			Capabilities: capability.EffectiveSet(s.staticCaps[p.ID], s.grants, p.ID),
		})
	}

	var streams []welcomeStream
	for _, st := range s.streams.All() {
		record := make(welcomeStream, len(st.Metadata)+4)
		for k, v := range st.Metadata {
			record[k] = v
		}
		record["stream_id"] = st.ID
		record["owner"] = st.Owner
		record["created"] = st.Created
		record["authorized_writers"] = st.AuthorizedWriterList()
		streams = append(streams, record)
	}

	payload := welcomePayload{
		You:           welcomeParticipant{ID: id, Capabilities: effective},
		Participants:  others,
		ActiveStreams: streams,
	}

	env, _ := envelope.NewEnvelope(envelope.GatewayID, []string{id}, envelope.Kind.SystemWelcome, nil, payload)
	return env
}

package envelope

// Kind is the normative, case-sensitive envelope kind taxonomy from
// spec.md §6. Gateway-originated kinds (system/*) may never be emitted by
// a participant; the router (internal/broker) rejects them with
// IsSystemKind before capability matching.
var Kind = struct {
	SystemWelcome  string
	SystemPresence string
	SystemError    string
	SystemHeartbeat string

	ProposalTimeout string

	MCPRequest      string
	MCPResponse     string
	MCPProposal     string
	MCPWithdraw     string
	MCPReject       string
	MCPNotification string

	CapabilityGrant    string
	CapabilityRevoke   string
	CapabilityGrantAck string
	SpaceInvite        string
	SpaceInviteAck      string
	SpaceKick          string

	Chat           string
	ChatAcknowledge string
	ChatCancel     string

	ReasoningStart      string
	ReasoningThought    string
	ReasoningConclusion string
	ReasoningCancel     string

	ParticipantPause         string
	ParticipantResume        string
	ParticipantStatus        string
	ParticipantRequestStatus string
	ParticipantForget        string
	ParticipantCompact       string
	ParticipantCompactDone   string
	ParticipantClear         string
	ParticipantRestart       string
	ParticipantShutdown      string

	StreamRequest             string
	StreamOpen                string
	StreamClose               string
	StreamGrantWrite          string
	StreamRevokeWrite         string
	StreamTransferOwnership   string
	StreamWriteGranted        string
	StreamWriteRevoked        string
	StreamOwnershipTransferred string
}{
	SystemWelcome:   "system/welcome",
	SystemPresence:  "system/presence",
	SystemError:     "system/error",
	SystemHeartbeat: "system/heartbeat",

	ProposalTimeout: "system/proposal-timeout",

	MCPRequest:      "mcp/request",
	MCPResponse:     "mcp/response",
	MCPProposal:     "mcp/proposal",
	MCPWithdraw:     "mcp/withdraw",
	MCPReject:       "mcp/reject",
	MCPNotification: "mcp/notification",

	CapabilityGrant:    "capability/grant",
	CapabilityRevoke:   "capability/revoke",
	CapabilityGrantAck: "capability/grant-ack",
	SpaceInvite:        "space/invite",
	SpaceInviteAck:     "space/invite-ack",
	SpaceKick:          "space/kick",

	Chat:            "chat",
	ChatAcknowledge: "chat/acknowledge",
	ChatCancel:      "chat/cancel",

	ReasoningStart:      "reasoning/start",
	ReasoningThought:    "reasoning/thought",
	ReasoningConclusion: "reasoning/conclusion",
	ReasoningCancel:     "reasoning/cancel",

	ParticipantPause:         "participant/pause",
	ParticipantResume:        "participant/resume",
	ParticipantStatus:        "participant/status",
	ParticipantRequestStatus: "participant/request-status",
	ParticipantForget:        "participant/forget",
	ParticipantCompact:       "participant/compact",
	ParticipantCompactDone:   "participant/compact-done",
	ParticipantClear:         "participant/clear",
	ParticipantRestart:       "participant/restart",
	ParticipantShutdown:      "participant/shutdown",

	StreamRequest:              "stream/request",
	StreamOpen:                 "stream/open",
	StreamClose:                "stream/close",
	StreamGrantWrite:           "stream/grant-write",
	StreamRevokeWrite:          "stream/revoke-write",
	StreamTransferOwnership:    "stream/transfer-ownership",
	StreamWriteGranted:         "stream/write-granted",
	StreamWriteRevoked:         "stream/write-revoked",
	StreamOwnershipTransferred: "stream/ownership-transferred",
}

var knownKinds = map[string]bool{
	Kind.SystemWelcome: true, Kind.SystemPresence: true, Kind.SystemError: true, Kind.SystemHeartbeat: true,
	Kind.ProposalTimeout: true,
	Kind.MCPRequest: true, Kind.MCPResponse: true, Kind.MCPProposal: true, Kind.MCPWithdraw: true, Kind.MCPReject: true, Kind.MCPNotification: true,
	Kind.CapabilityGrant: true, Kind.CapabilityRevoke: true, Kind.CapabilityGrantAck: true, Kind.SpaceInvite: true, Kind.SpaceInviteAck: true, Kind.SpaceKick: true,
	Kind.Chat: true, Kind.ChatAcknowledge: true, Kind.ChatCancel: true,
	Kind.ReasoningStart: true, Kind.ReasoningThought: true, Kind.ReasoningConclusion: true, Kind.ReasoningCancel: true,
	Kind.ParticipantPause: true, Kind.ParticipantResume: true, Kind.ParticipantStatus: true, Kind.ParticipantRequestStatus: true,
	Kind.ParticipantForget: true, Kind.ParticipantCompact: true, Kind.ParticipantCompactDone: true, Kind.ParticipantClear: true,
	Kind.ParticipantRestart: true, Kind.ParticipantShutdown: true,
	Kind.StreamRequest: true, Kind.StreamOpen: true, Kind.StreamClose: true, Kind.StreamGrantWrite: true, Kind.StreamRevokeWrite: true,
	Kind.StreamTransferOwnership: true, Kind.StreamWriteGranted: true, Kind.StreamWriteRevoked: true, Kind.StreamOwnershipTransferred: true,
}

// KnownKind reports whether kind belongs to the normative taxonomy.
func KnownKind(kind string) bool {
	return knownKinds[kind]
}

// IsSystemKind reports whether kind is in the gateway-reserved system/*
// namespace. Participants may never emit these (spec.md §4.2, §9).
func IsSystemKind(kind string) bool {
	return len(kind) >= 7 && kind[:7] == "system/"
}

// PauseAllowedKinds is the set of kinds a paused participant may still emit
// (spec.md §4.7).
var PauseAllowedKinds = map[string]bool{
	Kind.ChatAcknowledge:       true,
	Kind.ChatCancel:            true,
	Kind.ParticipantStatus:     true,
	Kind.ParticipantCompactDone: true,
	Kind.StreamClose:           true,
	Kind.SystemError:           true,
}

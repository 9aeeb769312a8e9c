package protocol

import (
	"subspace.ai/internal/ledger"
	"subspace.ai/internal/research"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Role            string `json:"role"`
	InstanceID      string `json:"instance_id,omitempty"`
	InstanceName    string `json:"instance_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type             string  `json:"type"`
	ProtocolVersion  string  `json:"protocol_version"`
	SessionID        string  `json:"session_id"`
	Role             string  `json:"role"`
	DivisionMethod   string  `json:"division_method"`
	BroadcastMaxRate float64 `json:"broadcast_max_rate"`
}

// TRANSFER (client -> server). Positive counts deposit, negative counts
// request a withdrawal of the absolute amount.
type TransferMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ID              string         `json:"id"`
	Items           []ledger.Count `json:"items"`
}

// TRANSFER_RESULT (server -> client): granted withdrawals, zero grants
// omitted.
type TransferResultMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ID              string         `json:"id"`
	Items           []ledger.Count `json:"items"`
}

// GET_STORAGE and GET_ENDPOINTS (client -> server)
type GetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
}

// STORAGE and ENDPOINTS (server -> client): full serialization.
type ItemsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ID              string         `json:"id,omitempty"`
	Items           []ledger.Count `json:"items"`
}

// SUBSCRIBE (client -> server)
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Subscribe       bool   `json:"subscribe"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
}

// PLACE_ENDPOINTS (client -> server): signed deltas, no reply.
type PlaceEndpointsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Items           []ledger.Count `json:"items"`
}

// RESEARCH_CONTRIBUTION (client -> server)
type ResearchContributionMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Force           string  `json:"force"`
	Name            string  `json:"name"`
	Level           int     `json:"level"`
	Contribution    float64 `json:"contribution"`
}

// RESEARCH_FINISHED (both directions)
type ResearchFinishedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Force           string `json:"force"`
	Name            string `json:"name"`
	Level           int    `json:"level"`
}

// SYNC_TECHNOLOGIES (client -> server)
type SyncTechnologiesMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	Technologies    []research.Tech `json:"technologies"`
}

// TECHNOLOGIES (server -> client) and RESEARCH_PROGRESS (server -> clients).
type TechnologiesMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id,omitempty"`
	Technologies    []research.Tech `json:"technologies"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewItems(typ, id string, items []ledger.Count) ItemsMsg {
	if items == nil {
		items = []ledger.Count{}
	}
	return ItemsMsg{Type: typ, ProtocolVersion: Version, ID: id, Items: items}
}

func NewError(id, code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ID: id, Code: code, Message: message}
}

func NewFinished(f research.Finished) ResearchFinishedMsg {
	return ResearchFinishedMsg{Type: TypeResearchFinished, ProtocolVersion: Version, Force: f.Force, Name: f.Name, Level: f.Level}
}

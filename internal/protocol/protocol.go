package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeError   = "ERROR"
	TypeAck     = "ACK"

	TypeTransfer       = "TRANSFER"
	TypeTransferResult = "TRANSFER_RESULT"
	TypeGetStorage     = "GET_STORAGE"
	TypeStorage        = "STORAGE"
	TypeUpdateStorage  = "UPDATE_STORAGE"
	TypeSubscribe      = "SUBSCRIBE"

	TypePlaceEndpoints  = "PLACE_ENDPOINTS"
	TypeGetEndpoints    = "GET_ENDPOINTS"
	TypeEndpoints       = "ENDPOINTS"
	TypeUpdateEndpoints = "UPDATE_ENDPOINTS"

	TypeResearchContribution = "RESEARCH_CONTRIBUTION"
	TypeResearchFinished     = "RESEARCH_FINISHED"
	TypeResearchProgress     = "RESEARCH_PROGRESS"
	TypeSyncTechnologies     = "SYNC_TECHNOLOGIES"
	TypeTechnologies         = "TECHNOLOGIES"
)

// Session roles.
const (
	RoleInstance = "instance"
	RoleControl  = "control"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ID              string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

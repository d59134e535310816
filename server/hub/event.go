package hub

import (
	"strconv"

	"github.com/115Studio/chat-backend/store"
)

// Opcode identifies the payload of a wire event.
type Opcode int

const (
	OpHeartbeat          Opcode = 0
	OpForceClientRefresh Opcode = 1000
	OpUserSettingsUpdate Opcode = 1001
	OpUserPlanUpdate     Opcode = 1002
	OpServerHello        Opcode = 1003
	OpSyncInput          Opcode = 1004

	OpMessageCreate      Opcode = 10100
	OpMessageUpdate      Opcode = 10101
	OpMessageComplement  Opcode = 10102
	OpMessageStageUpdate Opcode = 10103
	OpMessageDelete      Opcode = 10104

	OpChannelCreate Opcode = 10110
	OpChannelUpdate Opcode = 10111
	OpChannelDelete Opcode = 10112

	OpUserUpdate Opcode = 10120

	OpPersonalityCreated Opcode = 10130
	OpPersonalityUpdated Opcode = 10131
	OpPersonalityDeleted Opcode = 10132

	OpAPIKeyCreated Opcode = 10140
	OpAPIKeyUpdated Opcode = 10141
	OpAPIKeyDeleted Opcode = 10142
)

func (op Opcode) String() string {
	return strconv.Itoa(int(op))
}

// Event is the envelope of every frame exchanged with clients.
type Event struct {
	Op   Opcode `json:"op"`
	Data any    `json:"data"`
}

// UserProjection is the part of a user profile clients need on connect.
type UserProjection struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	DefaultModel  string   `json:"defaultModel"`
	DisplayModels []string `json:"displayModels"`
}

func ProjectUser(u *store.User) UserProjection {
	models := u.DisplayModels
	if models == nil {
		models = []string{}
	}
	return UserProjection{ID: u.ID, Name: u.Name, DefaultModel: u.DefaultModel, DisplayModels: models}
}

type DraftData struct {
	Stages    []store.MessageStage `json:"stages"`
	ChannelID string               `json:"channelId"`
}

type HelloData struct {
	User   UserProjection `json:"user"`
	Drafts []DraftData    `json:"drafts"`
	Ts     int64          `json:"ts"`
}

type StageUpdateData struct {
	MessageID   string             `json:"messageId"`
	ChannelID   string             `json:"channelId"`
	StageUpdate store.MessageStage `json:"stageUpdate"`
	Ts          int64              `json:"ts"`
}

type MessageData struct {
	Message *store.Message `json:"message"`
}

type ChannelData struct {
	Channel *store.Channel `json:"channel"`
}

type ChannelDeleteData struct {
	ChannelID string `json:"channelId"`
}

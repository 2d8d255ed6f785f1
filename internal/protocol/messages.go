package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound trigger events.
const (
	TypeTextInput             MessageType = "text-input"
	TypeMicAudioData          MessageType = "mic-audio-data"
	TypeMicAudioEnd           MessageType = "mic-audio-end"
	TypeAISpeakSignal         MessageType = "ai-speak-signal"
	TypeInterruptSignal       MessageType = "interrupt-signal"
	TypeFetchHistoryList      MessageType = "fetch-history-list"
	TypeFetchAndSetHistory    MessageType = "fetch-and-set-history"
	TypeCreateNewHistory      MessageType = "create-new-history"
	TypeDeleteHistory         MessageType = "delete-history"
	TypeFetchConfInfo         MessageType = "fetch-conf-info"
	TypeAddClientToGroup      MessageType = "add-client-to-group"
	TypeRemoveClientFromGroup MessageType = "remove-client-from-group"
)

// Outbound notifications.
const (
	TypeControl                MessageType = "control"
	TypeFullText               MessageType = "full-text"
	TypeSetModel               MessageType = "set-model"
	TypeUserInputTranscription MessageType = "user-input-transcription"
	TypeAudio                  MessageType = "audio"
	TypeBackendSynthComplete   MessageType = "backend-synth-complete"
	TypeError                  MessageType = "error"
	TypeHistoryList            MessageType = "history-list"
	TypeHistoryData            MessageType = "history-data"
	TypeNewHistoryCreated      MessageType = "new-history-created"
	TypeHistoryDeleted         MessageType = "history-deleted"
	TypeConfigInfo             MessageType = "config-info"
	TypeGroupUpdate            MessageType = "group-update"
	TypeGroupOperationResult   MessageType = "group-operation-result"
)

// Control texts and fixed notification texts.
const (
	ControlChainStart  = "conversation-chain-start"
	ControlChainEnd    = "conversation-chain-end"
	ControlStartMic    = "start-mic"
	InterruptedText    = "conversation-interrupted"
	ConnectedText      = "Connection established"
	ThinkingText       = "Thinking..."
	AIWantsToSpeakText = "AI wants to speak something..."
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Image is an inline image attached to a text input.
type Image struct {
	Source   string `json:"source"`
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type TextInput struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	Images []Image     `json:"images,omitempty"`
}

type MicAudioData struct {
	Type  MessageType `json:"type"`
	Audio []float32   `json:"audio"`
}

type MicAudioEnd struct {
	Type   MessageType `json:"type"`
	Images []Image     `json:"images,omitempty"`
}

type AISpeakSignal struct {
	Type MessageType `json:"type"`
}

type InterruptSignal struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type FetchHistoryList struct {
	Type MessageType `json:"type"`
}

type FetchAndSetHistory struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
}

type CreateNewHistory struct {
	Type MessageType `json:"type"`
}

type DeleteHistory struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
}

type FetchConfInfo struct {
	Type MessageType `json:"type"`
}

type AddClientToGroup struct {
	Type       MessageType `json:"type"`
	InviteeUID string      `json:"invitee_uid"`
}

type RemoveClientFromGroup struct {
	Type      MessageType `json:"type"`
	TargetUID string      `json:"target_uid"`
}

type Control struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type FullText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type SetModel struct {
	Type      MessageType `json:"type"`
	ModelInfo any         `json:"model_info"`
	ClientUID string      `json:"client_uid"`
}

type UserInputTranscription struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// Audio carries one spoken sentence. An empty Audio field marks a
// display-only sentence whose speech text was filtered away.
type Audio struct {
	Type          MessageType `json:"type"`
	Audio         string      `json:"audio"`
	Volumes       []float64   `json:"volumes"`
	SliceLengthMS int         `json:"slice_length_ms"`
	Text          string      `json:"text"`
	Expressions   []int       `json:"expressions"`
	SpeakerName   string      `json:"speaker_name,omitempty"`
}

type BackendSynthComplete struct {
	Type MessageType `json:"type"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type InterruptNotice struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type HistorySummary struct {
	UID           string `json:"uid"`
	LatestMessage string `json:"latest_message,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

type HistoryList struct {
	Type      MessageType      `json:"type"`
	Histories []HistorySummary `json:"histories"`
}

type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Name      string `json:"name,omitempty"`
	Timestamp string `json:"timestamp"`
}

type HistoryData struct {
	Type     MessageType      `json:"type"`
	Messages []HistoryMessage `json:"messages"`
}

type NewHistoryCreated struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
}

type HistoryDeleted struct {
	Type       MessageType `json:"type"`
	Success    bool        `json:"success"`
	HistoryUID string      `json:"history_uid"`
}

type ConfigInfo struct {
	Type     MessageType `json:"type"`
	ConfName string      `json:"conf_name"`
	ConfUID  string      `json:"conf_uid"`
}

type GroupUpdate struct {
	Type    MessageType `json:"type"`
	Members []string    `json:"members"`
	IsOwner bool        `json:"is_owner"`
	GroupID string      `json:"group_id,omitempty"`
}

type GroupOperationResult struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
}

func NewControl(text string) Control {
	return Control{Type: TypeControl, Text: text}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

func NewInterruptNotice() InterruptNotice {
	return InterruptNotice{Type: TypeInterruptSignal, Text: InterruptedText}
}

// ParseClientMessage decodes and validates one inbound trigger. Malformed or
// empty triggers are reported with ErrInvalidMessage so the caller can drop
// them without tearing down the connection.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeTextInput:
		var msg TextInput
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: empty text-input", ErrInvalidMessage)
		}
		return msg, nil
	case TypeMicAudioData:
		var msg MicAudioData
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Audio) == 0 {
			return nil, fmt.Errorf("%w: empty mic-audio-data", ErrInvalidMessage)
		}
		return msg, nil
	case TypeMicAudioEnd:
		var msg MicAudioEnd
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAISpeakSignal:
		return AISpeakSignal{Type: env.Type}, nil
	case TypeInterruptSignal:
		var msg InterruptSignal
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFetchHistoryList:
		return FetchHistoryList{Type: env.Type}, nil
	case TypeFetchAndSetHistory:
		var msg FetchAndSetHistory
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.HistoryUID) == "" {
			return nil, fmt.Errorf("%w: missing history_uid", ErrInvalidMessage)
		}
		return msg, nil
	case TypeCreateNewHistory:
		return CreateNewHistory{Type: env.Type}, nil
	case TypeDeleteHistory:
		var msg DeleteHistory
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.HistoryUID) == "" {
			return nil, fmt.Errorf("%w: missing history_uid", ErrInvalidMessage)
		}
		return msg, nil
	case TypeFetchConfInfo:
		return FetchConfInfo{Type: env.Type}, nil
	case TypeAddClientToGroup:
		var msg AddClientToGroup
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.InviteeUID) == "" {
			return nil, fmt.Errorf("%w: missing invitee_uid", ErrInvalidMessage)
		}
		return msg, nil
	case TypeRemoveClientFromGroup:
		var msg RemoveClientFromGroup
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.TargetUID) == "" {
			return nil, fmt.Errorf("%w: missing target_uid", ErrInvalidMessage)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// TypeOf returns the wire type of an outbound notification, for metrics.
func TypeOf(msg any) string {
	switch m := msg.(type) {
	case Control:
		return string(m.Type)
	case FullText:
		return string(m.Type)
	case SetModel:
		return string(m.Type)
	case UserInputTranscription:
		return string(m.Type)
	case Audio:
		return string(m.Type)
	case BackendSynthComplete:
		return string(m.Type)
	case Error:
		return string(m.Type)
	case InterruptNotice:
		return string(m.Type)
	case HistoryList:
		return string(m.Type)
	case HistoryData:
		return string(m.Type)
	case NewHistoryCreated:
		return string(m.Type)
	case HistoryDeleted:
		return string(m.Type)
	case ConfigInfo:
		return string(m.Type)
	case GroupUpdate:
		return string(m.Type)
	case GroupOperationResult:
		return string(m.Type)
	default:
		return "unknown"
	}
}

package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind names an event on the wire.
type Kind string

// Inbound events, client to hub.
const (
	KindJoinChat     Kind = "join-chat"
	KindLeaveChat    Kind = "leave-chat"
	KindNewMessage   Kind = "new-message"
	KindSendMessage  Kind = "send-message"
	KindTyping       Kind = "typing"
	KindStopTyping   Kind = "stop-typing"
	KindDrawingPoint Kind = "drawing-point"
	KindClearCanvas  Kind = "clear-canvas"
	KindNewDrawing   Kind = "new-drawing"
)

// Outbound events, hub to client. drawing-point, clear-canvas and
// new-drawing keep their inbound names.
const (
	KindMessageReceived Kind = "message-received"
	KindUserTyping      Kind = "user-typing"
	KindUserStopTyping  Kind = "user-stop-typing"
	KindMessageAck      Kind = "message-ack"
	KindMessageFailed   Kind = "message-failed"
	KindChatUpdated     Kind = "chat-updated"
	KindJoinedChat      Kind = "joined-chat"
	KindLeftChat        Kind = "left-chat"
	KindError           Kind = "error"
)

// Envelope is the JSON frame carried by every websocket text message.
// ChatID is only set on outbound room events so a client subscribed to
// several rooms can tell them apart.
type Envelope struct {
	Event  Kind            `json:"event"`
	ChatID string          `json:"chatId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound event decoded from an Envelope.
type Event interface {
	Kind() Kind
	Room() string
	Validate() error
}

// StrokeState tags a stroke sample within a freehand gesture.
type StrokeState string

const (
	StrokeStart StrokeState = "start"
	StrokeMove  StrokeState = "move"
	StrokeEnd   StrokeState = "end"
)

// Message is a persisted chat message as broadcast to room subscribers.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	IsDrawing  bool      `json:"isDrawing"`
	CreatedAt  time.Time `json:"createdAt"`
	ClientID   string    `json:"clientId,omitempty"`
}

// JoinChat subscribes the sending connection to a room.
type JoinChat struct {
	ChatID string `json:"chatId"`
}

// LeaveChat unsubscribes the sending connection from a room.
type LeaveChat struct {
	ChatID string `json:"chatId"`
}

// NewMessage announces a message the client already persisted.
type NewMessage struct {
	Message Message
}

// SendMessage asks the hub to persist a message and then broadcast it.
// ClientID is the client's correlation token for optimistic reconciliation.
type SendMessage struct {
	ChatID     string `json:"chatId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName,omitempty"`
	IsDrawing  bool   `json:"isDrawing,omitempty"`
	ClientID   string `json:"clientId"`
}

// Typing marks the sender as typing in a room.
type Typing struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
}

// StopTyping clears the sender's typing state in a room.
type StopTyping struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId,omitempty"`
}

// StrokePoint is one sampled point of a drawing gesture.
type StrokePoint struct {
	X     float64     `json:"x"`
	Y     float64     `json:"y"`
	Color string      `json:"color"`
	Size  float64     `json:"size"`
	Type  StrokeState `json:"type"`
}

// DrawingPoint relays a stroke sample to the rest of the room.
type DrawingPoint struct {
	ChatID string      `json:"chatId"`
	Point  StrokePoint `json:"point"`
}

// ClearCanvas tells the rest of the room to discard its local raster.
type ClearCanvas struct {
	ChatID string `json:"chatId"`
}

// NewDrawing announces a drawing that was persisted as a message.
type NewDrawing struct {
	ChatID     string    `json:"chatId"`
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Outbound payloads.
type (
	UserTyping struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}

	UserStopTyping struct {
		UserID string `json:"userId"`
	}

	MessageAck struct {
		ClientID string  `json:"clientId"`
		Message  Message `json:"message"`
	}

	MessageFailed struct {
		ClientID string `json:"clientId"`
		ChatID   string `json:"chatId"`
		Error    string `json:"error"`
	}

	ChatUpdated struct {
		ChatID      string  `json:"chatId"`
		LastMessage Message `json:"lastMessage"`
	}

	RoomAck struct {
		ChatID string `json:"chatId"`
	}

	ErrorReply struct {
		Event  Kind   `json:"event,omitempty"`
		ChatID string `json:"chatId,omitempty"`
		Error  string `json:"error"`
	}
)

func (*JoinChat) Kind() Kind     { return KindJoinChat }
func (*LeaveChat) Kind() Kind    { return KindLeaveChat }
func (*NewMessage) Kind() Kind   { return KindNewMessage }
func (*SendMessage) Kind() Kind  { return KindSendMessage }
func (*Typing) Kind() Kind       { return KindTyping }
func (*StopTyping) Kind() Kind   { return KindStopTyping }
func (*DrawingPoint) Kind() Kind { return KindDrawingPoint }
func (*ClearCanvas) Kind() Kind  { return KindClearCanvas }
func (*NewDrawing) Kind() Kind   { return KindNewDrawing }

func (e *JoinChat) Room() string     { return e.ChatID }
func (e *LeaveChat) Room() string    { return e.ChatID }
func (e *NewMessage) Room() string   { return e.Message.ChatID }
func (e *SendMessage) Room() string  { return e.ChatID }
func (e *Typing) Room() string       { return e.ChatID }
func (e *StopTyping) Room() string   { return e.ChatID }
func (e *DrawingPoint) Room() string { return e.ChatID }
func (e *ClearCanvas) Room() string  { return e.ChatID }
func (e *NewDrawing) Room() string   { return e.ChatID }

func requireRoom(chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrInvalidEvent)
	}
	return nil
}

func (e *JoinChat) Validate() error  { return requireRoom(e.ChatID) }
func (e *LeaveChat) Validate() error { return requireRoom(e.ChatID) }

func (e *NewMessage) Validate() error {
	if err := requireRoom(e.Message.ChatID); err != nil {
		return err
	}
	if e.Message.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidEvent)
	}
	return nil
}

func (e *SendMessage) Validate() error {
	if err := requireRoom(e.ChatID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidEvent)
	}
	return nil
}

func (e *Typing) Validate() error     { return requireRoom(e.ChatID) }
func (e *StopTyping) Validate() error { return requireRoom(e.ChatID) }

func (e *DrawingPoint) Validate() error {
	if err := requireRoom(e.ChatID); err != nil {
		return err
	}
	switch e.Point.Type {
	case StrokeStart, StrokeMove, StrokeEnd:
	default:
		return fmt.Errorf("%w: stroke type %q", ErrInvalidEvent, e.Point.Type)
	}
	if e.Point.Size < 0 {
		return fmt.Errorf("%w: negative stroke size", ErrInvalidEvent)
	}
	return nil
}

func (e *ClearCanvas) Validate() error { return requireRoom(e.ChatID) }

func (e *NewDrawing) Validate() error {
	if err := requireRoom(e.ChatID); err != nil {
		return err
	}
	if e.MessageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
	}
	return nil
}

// join-chat and leave-chat accept either {"chatId": "..."} or a bare string.
func decodeChatID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		err := json.Unmarshal(data, &id)
		return id, err
	}
	var ref struct {
		ChatID string `json:"chatId"`
	}
	err := json.Unmarshal(data, &ref)
	return ref.ChatID, err
}

func (e *JoinChat) UnmarshalJSON(data []byte) error {
	id, err := decodeChatID(data)
	e.ChatID = id
	return err
}

func (e *LeaveChat) UnmarshalJSON(data []byte) error {
	id, err := decodeChatID(data)
	e.ChatID = id
	return err
}

// The new-message payload is the message record itself.
func (e *NewMessage) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &e.Message)
}

var inboundEvents = map[Kind]func() Event{
	KindJoinChat:     func() Event { return &JoinChat{} },
	KindLeaveChat:    func() Event { return &LeaveChat{} },
	KindNewMessage:   func() Event { return &NewMessage{} },
	KindSendMessage:  func() Event { return &SendMessage{} },
	KindTyping:       func() Event { return &Typing{} },
	KindStopTyping:   func() Event { return &StopTyping{} },
	KindDrawingPoint: func() Event { return &DrawingPoint{} },
	KindClearCanvas:  func() Event { return &ClearCanvas{} },
	KindNewDrawing:   func() Event { return &NewDrawing{} },
}

// DecodeEvent parses and validates one inbound frame. The returned Kind is
// set whenever the envelope itself could be read, even if the payload was
// rejected, so the caller can name the event in its error reply.
func DecodeEvent(raw []byte) (Event, Kind, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ctor, ok := inboundEvents[env.Event]
	if !ok {
		return nil, env.Event, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ev := ctor()
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil, env.Event, fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, env.Event, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, env.Event, err
	}
	return ev, env.Event, nil
}

// EncodeEnvelope renders an outbound frame. A nil payload produces an
// envelope without data.
func EncodeEnvelope(kind Kind, chatID string, payload any) ([]byte, error) {
	env := Envelope{Event: kind, ChatID: chatID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

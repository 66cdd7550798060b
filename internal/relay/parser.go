package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/model"
)

// Envelope types carried in the "envelope" field of stream entries.
const (
	TypeMessage          = "message"
	TypeConversation     = "conversation"
	TypeIdentityKey      = "identity_key_change"
	TypeMessageUpdate    = "message_update"
	TypeConversationList = "conversation_list"
)

// EnvelopeField is the stream entry field holding the JSON envelope.
const EnvelopeField = "envelope"

var errEmptyEnvelope = errors.New("empty envelope")

// Envelope is the wire form of one backend event.
type Envelope struct {
	ID            string              `json:"id,omitempty"`
	Type          string              `json:"type"`
	View          string              `json:"view,omitempty"`
	Message       *WireMessage        `json:"message,omitempty"`
	Messages      []*WireMessage      `json:"messages,omitempty"`
	Conversation  *WireConversation   `json:"conversation,omitempty"`
	Conversations []*WireConversation `json:"conversations,omitempty"`
}

// WireConversation is the wire form of a conversation snapshot.
type WireConversation struct {
	ID                   string       `json:"id"`
	Kind                 string       `json:"kind"`
	DisplayName          string       `json:"display_name"`
	LastActive           int64        `json:"last_active"`
	LastMessageID        string       `json:"last_message_id,omitempty"`
	LastSeenMessageID    string       `json:"last_seen_message_id,omitempty"`
	LastSeenMessageIndex int64        `json:"last_seen_index"`
	MessagesCount        int64        `json:"messages_count"`
	UnreadCount          int64        `json:"unread_count"`
	CanReceive           bool         `json:"can_receive"`
	Color                string       `json:"color,omitempty"`
	Members              []WireMember `json:"members,omitempty"`
}

// WireMember is a group membership.
type WireMember struct {
	ContactID   string `json:"contact_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// WireMessage is the wire form of a message.
type WireMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Author         string            `json:"author,omitempty"`
	ComposedAt     int64             `json:"composed_at"`
	ReceivedAt     int64             `json:"received_at"`
	Content        string            `json:"content"`
	Direction      string            `json:"direction"`
	Read           bool              `json:"read"`
	Type           string            `json:"type,omitempty"`
	Status         string            `json:"status,omitempty"`
	Attachments    []*WireAttachment `json:"attachments,omitempty"`
}

// WireAttachment is the wire form of an attachment. Key and Digest are base64.
type WireAttachment struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	FileName    string `json:"file_name"`
	Status      string `json:"status,omitempty"`
	Key         []byte `json:"key,omitempty"`
	Digest      []byte `json:"digest,omitempty"`
	StorageID   string `json:"storage_id,omitempty"`
	UploadID    string `json:"upload_id,omitempty"`
}

// ParseEnvelope decodes a raw envelope into the bus kind and payload the
// sync engine expects.
func ParseEnvelope(raw []byte) (string, any, error) {
	if len(raw) == 0 {
		return "", nil, errEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	view := model.ViewPrimary
	if env.View == model.ViewSecondary.String() {
		view = model.ViewSecondary
	}

	switch env.Type {
	case TypeMessage:
		if env.Message == nil || env.Conversation == nil {
			return "", nil, fmt.Errorf("%s envelope %s: message and conversation required", env.Type, env.ID)
		}
		return model.KindRelayMessage, model.MessageEvent{
			Message:      env.Message.toModel(),
			Conversation: env.Conversation.toModel(),
			View:         view,
		}, nil

	case TypeConversation:
		if env.Conversation == nil {
			return "", nil, fmt.Errorf("%s envelope %s: conversation required", env.Type, env.ID)
		}
		evt := model.ConversationEvent{Conversation: env.Conversation.toModel()}
		if env.Message != nil {
			evt.UpdateMessage = env.Message.toModel()
		}
		return model.KindRelayConversation, evt, nil

	case TypeIdentityKey:
		if len(env.Messages) == 0 {
			return "", nil, fmt.Errorf("%s envelope %s: messages required", env.Type, env.ID)
		}
		msgs := make([]*model.Message, len(env.Messages))
		for i, m := range env.Messages {
			msgs[i] = m.toModel()
			if msgs[i].Type == model.TypeNormal {
				msgs[i].Type = model.TypeIdentityKeyChange
			}
		}
		return model.KindRelayIdentityKey, model.IdentityKeyChangeEvent{Messages: msgs, View: view}, nil

	case TypeMessageUpdate:
		if env.Message == nil {
			return "", nil, fmt.Errorf("%s envelope %s: message required", env.Type, env.ID)
		}
		return model.KindRelayMessageUpdate, env.Message.toModel(), nil

	case TypeConversationList:
		convs := make([]*model.Conversation, len(env.Conversations))
		for i, c := range env.Conversations {
			convs[i] = c.toModel()
		}
		return model.KindRelayConversationList, convs, nil
	}
	return "", nil, fmt.Errorf("unknown envelope type %q", env.Type)
}

func (w *WireConversation) toModel() *model.Conversation {
	c := &model.Conversation{
		ID:                   w.ID,
		Kind:                 model.KindContact,
		DisplayName:          w.DisplayName,
		LastActiveTimestamp:  w.LastActive,
		LastSeenMessageIndex: w.LastSeenMessageIndex,
		MessagesCount:        w.MessagesCount,
		UnreadCount:          w.UnreadCount,
		CanReceive:           w.CanReceive,
	}
	if w.LastMessageID != "" {
		c.LastMessage = &model.Message{ID: w.LastMessageID, ConversationID: w.ID}
	}
	if w.LastSeenMessageID != "" {
		c.LastSeenMessage = &model.Message{ID: w.LastSeenMessageID, ConversationID: w.ID}
	}
	if w.Kind == string(model.KindGroup) {
		c.Kind = model.KindGroup
		for _, m := range w.Members {
			c.Members = append(c.Members, model.GroupMembership{ContactID: m.ContactID, DisplayName: m.DisplayName})
		}
	} else {
		c.Color = w.Color
	}
	return c
}

func (w *WireMessage) toModel() *model.Message {
	m := &model.Message{
		ID:                w.ID,
		ConversationID:    w.ConversationID,
		Author:            w.Author,
		ComposedTimestamp: w.ComposedAt,
		ReceivedTimestamp: w.ReceivedAt,
		Content:           w.Content,
		Direction:         model.Incoming,
		Read:              w.Read,
		Type:              model.TypeNormal,
		Status:            model.StatusReceived,
	}
	if w.Direction == string(model.Outgoing) {
		m.Direction = model.Outgoing
	}
	if w.Type != "" {
		m.Type = model.MessageType(w.Type)
	}
	if w.Status != "" {
		m.Status = model.MessageStatus(w.Status)
	}
	for _, a := range w.Attachments {
		att := &model.Attachment{
			ContentType: a.ContentType,
			Size:        a.Size,
			FileName:    a.FileName,
			Status:      model.AttachmentComplete,
			Key:         a.Key,
			Digest:      a.Digest,
			StorageID:   a.StorageID,
			UploadID:    a.UploadID,
		}
		if a.Status != "" {
			att.Status = model.AttachmentStatus(a.Status)
		}
		m.Attachments = append(m.Attachments, att)
	}
	m.AttachmentsCount = len(m.Attachments)
	return m
}

// outgoingEnvelope builds the wire form of a message being sent.
func outgoingEnvelope(id string, msg *model.Message, conv *model.Conversation) ([]byte, error) {
	wm := &WireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		ComposedAt:     msg.ComposedTimestamp,
		ReceivedAt:     msg.ReceivedTimestamp,
		Content:        msg.Content,
		Direction:      string(model.Outgoing),
		Read:           msg.Read,
		Type:           string(msg.Type),
	}
	for _, a := range msg.Attachments {
		wm.Attachments = append(wm.Attachments, &WireAttachment{
			ContentType: a.ContentType,
			Size:        a.Size,
			FileName:    a.FileName,
			Key:         a.Key,
			Digest:      a.Digest,
			StorageID:   a.StorageID,
		})
	}
	env := Envelope{ID: id, Type: TypeMessage, Message: wm}
	if conv != nil {
		env.Conversation = &WireConversation{ID: conv.ID, Kind: string(conv.Kind), DisplayName: conv.DisplayName}
	}
	return json.Marshal(env)
}

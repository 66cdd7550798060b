package present

import (
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// Frame types sent to connected clients.
const (
	FrameSnapshot = "list.snapshot"

	FrameThreadLoad    = "thread.load"
	FrameThreadAppend  = "thread.append"
	FrameThreadUpdate  = "thread.update"
	FrameThreadReload  = "thread.reload"
	FrameThreadDispose = "thread.dispose"

	FrameNotifyVibrate = "notify.vibrate"
	FrameNotifyMessage = "notify.message"
	FrameNotifyTile    = "notify.tile"
)

// Frame is one JSON message on the websocket. Bus events are forwarded with
// their kind as the frame type.
type Frame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data,omitempty"`
}

type conversationView struct {
	ID                   string   `json:"id"`
	Kind                 string   `json:"kind"`
	DisplayName          string   `json:"display_name"`
	LastActive           int64    `json:"last_active"`
	LastMessageID        string   `json:"last_message_id,omitempty"`
	LastSeenMessageIndex int64    `json:"last_seen_index"`
	MessagesCount        int64    `json:"messages_count"`
	UnreadCount          int64    `json:"unread_count"`
	CanReceive           bool     `json:"can_receive"`
	Color                string   `json:"color,omitempty"`
	Members              []string `json:"members,omitempty"`
}

func conversationFrame(c *model.Conversation) *conversationView {
	if c == nil {
		return nil
	}
	v := &conversationView{
		ID:                   c.ID,
		Kind:                 string(c.Kind),
		DisplayName:          c.DisplayName,
		LastActive:           c.LastActiveTimestamp,
		LastSeenMessageIndex: c.LastSeenMessageIndex,
		MessagesCount:        c.MessagesCount,
		UnreadCount:          c.UnreadCount,
		CanReceive:           c.CanReceive,
		Color:                c.Color,
	}
	if c.LastMessage != nil {
		v.LastMessageID = c.LastMessage.ID
	}
	for _, m := range c.Members {
		v.Members = append(v.Members, m.ContactID)
	}
	return v
}

type attachmentView struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
}

type messageView struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Author         string           `json:"author,omitempty"`
	ComposedAt     int64            `json:"composed_at"`
	ReceivedAt     int64            `json:"received_at"`
	Content        string           `json:"content"`
	Direction      string           `json:"direction"`
	Read           bool             `json:"read"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	Attachments    []attachmentView `json:"attachments,omitempty"`
}

func messageFrame(m *model.Message) *messageView {
	if m == nil {
		return nil
	}
	v := &messageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Author:         m.Author,
		ComposedAt:     m.ComposedTimestamp,
		ReceivedAt:     m.ReceivedTimestamp,
		Content:        m.Content,
		Direction:      string(m.Direction),
		Read:           m.Read,
		Type:           string(m.Type),
		Status:         string(m.Status),
	}
	for _, a := range m.Attachments {
		v.Attachments = append(v.Attachments, attachmentView{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Size:        a.Size,
			Status:      string(a.Status),
		})
	}
	return v
}

type appendView struct {
	Message *messageView `json:"message"`
	Index   int64        `json:"index"`
}

type loadView struct {
	Conversation *conversationView `json:"conversation"`
	Messages     []*messageView    `json:"messages"`
}

type changeView struct {
	ID           string            `json:"id,omitempty"`
	From         int               `json:"from"`
	To           int               `json:"to"`
	Conversation *conversationView `json:"conversation,omitempty"`
}

type snapshotView struct {
	ActiveID      string              `json:"active_id,omitempty"`
	Conversations []*conversationView `json:"conversations"`
}

type uploadView struct {
	MessageID string `json:"message_id"`
	FileName  string `json:"file_name"`
	Success   bool   `json:"success"`
	Text      string `json:"text"`
}

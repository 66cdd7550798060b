package model

// Kind distinguishes the conversation variants.
type Kind string

const (
	KindContact Kind = "contact"
	KindGroup   Kind = "group"
)

// GroupMembership links a contact into a group.
type GroupMembership struct {
	ContactID   string
	DisplayName string
}

// Conversation is a contact or group thread aggregating messages.
// Color is only meaningful for contacts and Members only for groups.
type Conversation struct {
	ID                   string
	Kind                 Kind
	DisplayName          string
	LastActiveTimestamp  int64 // unix ms
	LastMessage          *Message
	LastSeenMessage      *Message
	LastSeenMessageIndex int64
	MessagesCount        int64
	UnreadCount          int64
	CanReceive           bool

	Color   string
	Members []GroupMembership
}

// IsGroup reports whether the conversation is a group.
func (c *Conversation) IsGroup() bool { return c.Kind == KindGroup }

// HasMember reports whether contactID is a member of the group.
func (c *Conversation) HasMember(contactID string) bool {
	for _, m := range c.Members {
		if m.ContactID == contactID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable slices with c.
// Message references are kept as-is; persisted messages are immutable.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Members != nil {
		out.Members = make([]GroupMembership, len(c.Members))
		copy(out.Members, c.Members)
	}
	return &out
}

// Direction of a message relative to the local user.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// MessageType separates user content from system events.
type MessageType string

const (
	TypeNormal            MessageType = "normal"
	TypeIdentityKeyChange MessageType = "identity_key_change"
	TypeGroupUpdate       MessageType = "group_update"
	TypeGroupLeave        MessageType = "group_leave"
	TypeExpireUpdate      MessageType = "expire_update"
)

// MessageStatus tracks delivery of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusReceived  MessageStatus = "received"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single entry in a conversation. Author is empty for
// self-authored messages.
type Message struct {
	ID                string
	ConversationID    string
	Author            string
	ComposedTimestamp int64
	ReceivedTimestamp int64
	Content           string
	Direction         Direction
	Read              bool
	Type              MessageType
	Status            MessageStatus
	Attachments       []*Attachment
	AttachmentsCount  int
}

// SelfAuthored reports whether the local user wrote the message.
func (m *Message) SelfAuthored() bool { return m.Author == "" }

// CountsUnread reports whether storing m adds to its conversation's unread
// count. Identity key change notices always do, whatever their read flag.
func (m *Message) CountsUnread() bool {
	return m.Type == TypeIdentityKeyChange || (m.Direction == Incoming && !m.Read)
}

// MovesActivity reports whether storing m advances its conversation's
// last-active time. Identity key change notices leave it alone.
func (m *Message) MovesActivity() bool { return m.Type != TypeIdentityKeyChange }

// Clone returns a copy with its own attachment records. Key and Digest are
// shared; they are never modified after the attachment is built.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachments != nil {
		out.Attachments = make([]*Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			if a != nil {
				cp := *a
				out.Attachments[i] = &cp
			}
		}
	}
	return &out
}

// AttachmentStatus is the upload lifecycle of an attachment.
type AttachmentStatus string

const (
	AttachmentPending    AttachmentStatus = "pending"
	AttachmentInProgress AttachmentStatus = "in_progress"
	AttachmentComplete   AttachmentStatus = "complete"
	AttachmentFailed     AttachmentStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s AttachmentStatus) Terminal() bool {
	return s == AttachmentComplete || s == AttachmentFailed
}

// Attachment is a file carried by a message. Size is the plaintext length,
// Digest covers the encrypted payload.
type Attachment struct {
	ContentType string
	Size        int64
	FileName    string
	Status      AttachmentStatus
	Key         []byte
	Digest      []byte
	StorageID   string
	UploadID    string
}

// DeliveryOutcome is what the transport reports after a send.
type DeliveryOutcome struct {
	ServerID  string
	Timestamp int64
}

// UploadDestination is where an encrypted attachment is uploaded to.
type UploadDestination struct {
	Location string
	ID       string
}

// UploadHandle correlates an in-flight attachment transfer.
type UploadHandle struct {
	ID       string
	Location string
	Path     string
	Size     int64
	FileName string
}

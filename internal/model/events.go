package model

// Event kinds. Relay kinds are handed to the sync engine directly by the
// inbound stream; outbox kinds travel on the bus.
const (
	KindRelayMessage          = "relay.message"
	KindRelayConversation     = "relay.conversation"
	KindRelayIdentityKey      = "relay.identity_key_change"
	KindRelayMessageUpdate    = "relay.message_update"
	KindRelayConversationList = "relay.conversation_list"

	KindOutboxPersisted     = "outbox.persisted"
	KindOutboxMessageUpdate = "outbox.message_update"

	KindNotifyUpload = "notify.upload"
)

// ViewContext identifies which view an inbound event is handled in.
// Only the primary view raises user-visible notifications.
type ViewContext int

const (
	ViewPrimary ViewContext = iota
	ViewSecondary
)

func (v ViewContext) String() string {
	if v == ViewPrimary {
		return "primary"
	}
	return "secondary"
}

// MessageEvent carries a new message together with the authoritative
// snapshot of its conversation.
type MessageEvent struct {
	Message      *Message
	Conversation *Conversation
	View         ViewContext
}

// ConversationEvent carries a conversation metadata change, optionally with
// the message that caused it.
type ConversationEvent struct {
	Conversation  *Conversation
	UpdateMessage *Message
}

// IdentityKeyChangeEvent carries the messages produced by a peer's identity
// key change.
type IdentityKeyChangeEvent struct {
	Messages []*Message
	View     ViewContext
}

// UploadNotice is published when an upload finishes and the caller asked to
// be told about it.
type UploadNotice struct {
	MessageID string
	FileName  string
	Success   bool
	Text      string
}

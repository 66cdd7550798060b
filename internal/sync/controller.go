package sync

import (
	"fmt"
	"slices"
	gosync "sync"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/index"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Thread events published when the active thread changes. The payload is
// the conversation id.
const (
	KindThreadSelected   = "thread.selected"
	KindThreadUnselected = "thread.unselected"
)

// ThreadView renders the active thread. Implementations must not call back
// into the Controller.
type ThreadView interface {
	Load(conv *model.Conversation)
	Append(msg *model.Message, index int64)
	UpdateMessageBox(msg *model.Message)
	// Reload re-renders the whole thread from conv, a snapshot of the
	// active conversation.
	Reload(conv *model.Conversation)
	DisposeCurrentThread()
}

// Notifier raises user-visible alerts. Failures are logged and otherwise ignored.
type Notifier interface {
	NotifyVibrate() error
	NotifyMessage(msg *model.Message) error
	NotifyTile(msg *model.Message) error
}

// Controller reconciles inbound events into the conversation index and
// drives the active-thread state: Unselected, or Active(id).
//
// All index and active-thread mutation happens under mu, so the controller
// is the single owner of both.
type Controller struct {
	mu       gosync.Mutex
	index    *index.Index
	view     ThreadView
	notifier Notifier
	bus      *bus.Bus
	logger   *zap.Logger

	active  string
	pending string
}

// NewController creates a controller in the Unselected state.
func NewController(idx *index.Index, view ThreadView, notifier Notifier, b *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		index:    idx,
		view:     view,
		notifier: notifier,
		bus:      b,
		logger:   logger,
	}
}

// ActiveID returns the active conversation id, or "" when Unselected.
func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Has reports whether id is indexed.
func (c *Controller) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Contains(id)
}

// ActiveConversation returns a snapshot of the active conversation.
func (c *Controller) ActiveConversation() (*model.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return nil, false
	}
	rec, err := c.index.Lookup(c.active)
	if err != nil {
		return nil, false
	}
	return rec.Clone(), true
}

// Len returns the number of indexed conversations.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Conversations returns snapshots of the ordered list.
func (c *Controller) Conversations() []*model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.index.Conversations()
	out := make([]*model.Conversation, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// Select makes id the active thread and loads it into the view.
func (c *Controller) Select(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(id)
}

func (c *Controller) selectLocked(id string) error {
	conv, err := c.index.Lookup(id)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	c.active = id
	c.view.Load(conv)
	c.logger.Debug("thread selected", zap.String("conversation_id", id))
	c.bus.Emit(KindThreadSelected, id)
	return nil
}

// Unselect releases the active thread and returns to the idle state.
func (c *Controller) Unselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unselectLocked()
}

func (c *Controller) unselectLocked() {
	prev := c.active
	c.active = ""
	c.view.DisposeCurrentThread()
	c.bus.Emit(KindThreadUnselected, prev)
}

// RequestConversation records a deep link. It is opened right away when the
// conversation is already indexed, otherwise after the next list replacement.
func (c *Controller) RequestConversation(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index.Contains(id) {
		c.pending = ""
		return c.selectLocked(id)
	}
	c.pending = id
	return nil
}

// Upsert adds or merges a conversation. When the merged conversation is the
// active thread, updateMsg (if any) is appended to the view, unless the
// active group's membership changed, which reloads the view. When the active
// thread is a group containing the edited conversation, the view reloads.
func (c *Controller) Upsert(conv *model.Conversation, updateMsg *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var before []model.GroupMembership
	if c.active != "" && c.active == conv.ID {
		if prev, err := c.index.Lookup(conv.ID); err == nil {
			before = prev.Clone().Members
		}
	}

	rec, inserted := c.index.Upsert(conv)
	if inserted || c.active == "" {
		return
	}
	if c.active == rec.ID {
		switch {
		case rec.IsGroup() && !slices.Equal(before, rec.Members):
			c.view.Reload(rec.Clone())
		case updateMsg != nil:
			c.view.Append(updateMsg, rec.MessagesCount-1)
		}
		return
	}
	active, err := c.index.Lookup(c.active)
	if err == nil && active.IsGroup() && active.HasMember(rec.ID) {
		c.view.Reload(active.Clone())
	}
}

// OnMessage applies a new message using the authoritative conversation
// snapshot. The conversation must already be indexed; ErrNotFound otherwise.
// A message from someone else handled in the primary view raises notifications.
func (c *Controller) OnMessage(msg *model.Message, snapshot *model.Conversation, vc model.ViewContext) error {
	c.mu.Lock()
	err := c.applyMessage(msg, snapshot)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.maybeNotify(msg, vc)
	return nil
}

func (c *Controller) applyMessage(msg *model.Message, snapshot *model.Conversation) error {
	if snapshot == nil {
		return fmt.Errorf("message %s: missing conversation snapshot", msg.ID)
	}
	local, err := c.index.Lookup(snapshot.ID)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	local.LastMessage = msg
	local.MessagesCount = snapshot.MessagesCount
	local.LastActiveTimestamp = snapshot.LastActiveTimestamp
	local.UnreadCount = snapshot.UnreadCount
	local.LastSeenMessageIndex = snapshot.LastSeenMessageIndex
	c.index.Touched(local.ID)

	if c.active == local.ID {
		c.view.Append(msg, local.MessagesCount-1)
	}
	_, err = c.index.Reposition(local.ID)
	return err
}

// OnIdentityKeyChange handles messages caused by a peer's identity key
// change. These events carry no conversation snapshot, so each message bumps
// its conversation's message and unread counts by one before being applied
// like any other message. The first unknown conversation aborts the batch.
func (c *Controller) OnIdentityKeyChange(msgs []*model.Message, vc model.ViewContext) error {
	for _, msg := range msgs {
		c.mu.Lock()
		local, err := c.index.Lookup(msg.ConversationID)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("identity key change %s: %w", msg.ID, err)
		}
		local.MessagesCount++
		local.UnreadCount++
		err = c.applyMessage(msg, local)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.maybeNotify(msg, vc)
	}
	return nil
}

// OnMessageUpdate refreshes a single message in the view when it belongs to
// the active thread.
func (c *Controller) OnMessageUpdate(msg *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" && c.active == msg.ConversationID {
		c.view.UpdateMessageBox(msg)
	}
}

// OnConversationListReplaced rebuilds the index. The active thread survives
// when its id is still present; a pending deep link is opened afterwards.
func (c *Controller) OnConversationListReplaced(convs []*model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.ReplaceAll(convs)
	if c.active != "" {
		fresh, err := c.index.Lookup(c.active)
		if err != nil {
			c.logger.Info("active conversation vanished after list replacement", zap.String("conversation_id", c.active))
			c.unselectLocked()
		} else if c.pending != c.active {
			c.view.Reload(fresh.Clone())
		}
	}

	if c.pending != "" {
		id := c.pending
		c.pending = ""
		if err := c.selectLocked(id); err != nil {
			return fmt.Errorf("open requested conversation: %w", err)
		}
	}
	return nil
}

func (c *Controller) maybeNotify(msg *model.Message, vc model.ViewContext) {
	if vc != model.ViewPrimary || msg.SelfAuthored() || c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyVibrate(); err != nil {
		c.logger.Warn("vibrate notification failed", zap.Error(err))
	}
	if err := c.notifier.NotifyMessage(msg); err != nil {
		c.logger.Warn("message notification failed", zap.Error(err), zap.String("msg_id", msg.ID))
	}
	if err := c.notifier.NotifyTile(msg); err != nil {
		c.logger.Warn("tile notification failed", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

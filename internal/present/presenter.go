package present

import (
	"context"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// History reads persisted messages for a thread.
type History interface {
	ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error)
}

// Presenter renders the active thread and notifications as frames on the
// hub. It implements sync.ThreadView and sync.Notifier.
type Presenter struct {
	hub     *Hub
	history History
	limit   int
	timeout time.Duration
	logger  *zap.Logger

	current *model.Conversation
}

// NewPresenter creates a presenter loading up to limit messages per thread.
func NewPresenter(hub *Hub, history History, limit int, logger *zap.Logger) *Presenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 50
	}
	return &Presenter{
		hub:     hub,
		history: history,
		limit:   limit,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Load shows conv with its most recent messages.
func (p *Presenter) Load(conv *model.Conversation) {
	p.current = conv.Clone()
	p.sendThread(FrameThreadLoad)
}

// Reload re-reads the current thread. A non-nil conv replaces the
// conversation the thread was loaded with.
func (p *Presenter) Reload(conv *model.Conversation) {
	if conv != nil {
		p.current = conv.Clone()
	}
	if p.current == nil {
		return
	}
	p.sendThread(FrameThreadReload)
}

func (p *Presenter) sendThread(typ string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	msgs, err := p.history.ListMessages(ctx, p.current.ID, 0, p.limit)
	if err != nil {
		p.logger.Error("failed to load thread", zap.String("conversation_id", p.current.ID), zap.Error(err))
	}
	view := loadView{Conversation: conversationFrame(p.current), Messages: make([]*messageView, 0, len(msgs))}
	for _, m := range msgs {
		view.Messages = append(view.Messages, messageFrame(m))
	}
	p.broadcast(typ, view)
}

// Append adds msg at position index of the open thread.
func (p *Presenter) Append(msg *model.Message, index int64) {
	p.broadcast(FrameThreadAppend, appendView{Message: messageFrame(msg), Index: index})
}

// UpdateMessageBox refreshes a single rendered message.
func (p *Presenter) UpdateMessageBox(msg *model.Message) {
	p.broadcast(FrameThreadUpdate, messageFrame(msg))
}

// DisposeCurrentThread closes the open thread.
func (p *Presenter) DisposeCurrentThread() {
	var id string
	if p.current != nil {
		id = p.current.ID
	}
	p.current = nil
	p.broadcast(FrameThreadDispose, map[string]string{"conversation_id": id})
}

func (p *Presenter) NotifyVibrate() error {
	return p.hub.Broadcast(Frame{Type: FrameNotifyVibrate})
}

func (p *Presenter) NotifyMessage(msg *model.Message) error {
	return p.hub.Broadcast(Frame{Type: FrameNotifyMessage, Data: messageFrame(msg)})
}

func (p *Presenter) NotifyTile(msg *model.Message) error {
	return p.hub.Broadcast(Frame{Type: FrameNotifyTile, Data: map[string]string{
		"conversation_id": msg.ConversationID,
		"author":          msg.Author,
		"content":         msg.Content,
	}})
}

func (p *Presenter) broadcast(typ string, data any) {
	if err := p.hub.Broadcast(Frame{Type: typ, Data: data}); err != nil {
		p.logger.Error("failed to broadcast frame", zap.String("type", typ), zap.Error(err))
	}
}

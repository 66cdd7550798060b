package present

import (
	"context"
	"strings"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/index"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
)

// bound lists the bus namespaces forwarded to clients.
var bound = []string{index.EventPrefix, "thread.", "notify.", "session."}

// Broadcaster delivers a frame to every connected client.
type Broadcaster interface {
	Broadcast(f Frame) error
}

// Binder forwards list diffs, thread selection, upload notices and status
// changes from the bus to the hub. It reads an ordered subscription, so a
// burst of diffs reaches clients complete and in order.
type Binder struct {
	bus    *bus.Bus
	hub    Broadcaster
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBinder creates a binder.
func NewBinder(b *bus.Bus, hub Broadcaster, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{bus: b, hub: hub, logger: logger}
}

// Start subscribes and forwards until Stop.
func (b *Binder) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	ch, unsub := b.bus.SubscribeOrdered("")

	go func() {
		defer close(b.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if isBound(evt.Kind) {
					b.forward(evt)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func isBound(kind string) bool {
	for _, ns := range bound {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

// Stop stops forwarding.
func (b *Binder) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

func (b *Binder) forward(evt bus.Event) {
	f := Frame{Type: evt.Kind, Timestamp: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case index.Change:
		f.Data = changeView{ID: p.ID, From: p.From, To: p.To, Conversation: conversationFrame(p.Conversation)}
	case model.UploadNotice:
		f.Data = uploadView{MessageID: p.MessageID, FileName: p.FileName, Success: p.Success, Text: p.Text}
	case status.StatusChange:
		f.Data = map[string]string{"from": string(p.From), "to": string(p.To)}
	case string:
		f.Data = map[string]string{"conversation_id": p}
	default:
		b.logger.Debug("unbound event", zap.String("kind", evt.Kind))
		return
	}
	if err := b.hub.Broadcast(f); err != nil {
		b.logger.Error("failed to forward event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Store is the persistence the engine writes inbound data to.
type Store interface {
	UpsertConversation(ctx context.Context, c *model.Conversation) error
	UpsertConversations(ctx context.Context, convs []*model.Conversation) error
	UpsertMessage(ctx context.Context, m *model.Message) error
	SaveMessage(ctx context.Context, m *model.Message) (*model.Conversation, error)
	HasMessage(ctx context.Context, id string) (bool, error)
}

// Engine applies inbound events. Relay events are handed to Handle by the
// stream reader; outbox events arrive on the bus. Relay data is persisted
// before the controller sees it.
type Engine struct {
	store      Store
	controller *Controller
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(store Store, controller *Controller, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		controller: controller,
		bus:        b,
		metrics:    m,
		logger:     logger,
	}
}

// Start subscribes to outbox events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.SubscribeOrdered("outbox.")

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.dispatch(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the in-flight event.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) dispatch(ctx context.Context, evt bus.Event) {
	err := e.Handle(ctx, evt)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		e.logger.Error("event for unknown conversation dropped", zap.String("kind", evt.Kind), zap.Error(err))
	default:
		e.logger.Error("failed to handle event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Handle processes one event synchronously and returns once it has been
// persisted and applied.
func (e *Engine) Handle(ctx context.Context, evt bus.Event) error {
	err := e.handle(ctx, evt)
	e.metrics.EventHandled(evt.Kind, err)
	e.metrics.IndexSize(e.controller.Len())
	e.metrics.ThreadActive(e.controller.ActiveID() != "")
	return err
}

func (e *Engine) handle(ctx context.Context, evt bus.Event) error {
	switch evt.Kind {
	case model.KindRelayConversation:
		p, ok := evt.Payload.(model.ConversationEvent)
		if !ok {
			return payloadError(evt)
		}
		if err := e.store.UpsertConversation(ctx, p.Conversation); err != nil {
			return fmt.Errorf("persist conversation: %w", err)
		}
		if p.UpdateMessage != nil {
			if err := e.store.UpsertMessage(ctx, p.UpdateMessage); err != nil {
				return fmt.Errorf("persist update message: %w", err)
			}
		}
		e.controller.Upsert(p.Conversation, p.UpdateMessage)
		return nil

	case model.KindRelayMessage:
		p, ok := evt.Payload.(model.MessageEvent)
		if !ok {
			return payloadError(evt)
		}
		if p.Conversation != nil {
			if err := e.store.UpsertConversation(ctx, p.Conversation); err != nil {
				return fmt.Errorf("persist conversation: %w", err)
			}
		}
		if err := e.store.UpsertMessage(ctx, p.Message); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
		return e.controller.OnMessage(p.Message, p.Conversation, p.View)

	case model.KindOutboxPersisted:
		p, ok := evt.Payload.(model.MessageEvent)
		if !ok {
			return payloadError(evt)
		}
		return e.controller.OnMessage(p.Message, p.Conversation, p.View)

	case model.KindRelayIdentityKey:
		p, ok := evt.Payload.(model.IdentityKeyChangeEvent)
		if !ok {
			return payloadError(evt)
		}
		return e.identityKeyChange(ctx, p)

	case model.KindRelayMessageUpdate:
		m, ok := evt.Payload.(*model.Message)
		if !ok {
			return payloadError(evt)
		}
		if err := e.store.UpsertMessage(ctx, m); err != nil {
			return fmt.Errorf("persist message update: %w", err)
		}
		e.controller.OnMessageUpdate(m)
		return nil

	case model.KindOutboxMessageUpdate:
		m, ok := evt.Payload.(*model.Message)
		if !ok {
			return payloadError(evt)
		}
		e.controller.OnMessageUpdate(m)
		return nil

	case model.KindRelayConversationList:
		convs, ok := evt.Payload.([]*model.Conversation)
		if !ok {
			return payloadError(evt)
		}
		if err := e.store.UpsertConversations(ctx, convs); err != nil {
			return fmt.Errorf("persist conversation list: %w", err)
		}
		return e.controller.OnConversationListReplaced(convs)
	}
	return nil
}

// identityKeyChange stores and applies the batch one message at a time, so
// an unknown conversation stops both at the same message. Messages already
// stored by an earlier delivery of the same batch are not counted twice.
func (e *Engine) identityKeyChange(ctx context.Context, p model.IdentityKeyChangeEvent) error {
	for _, m := range p.Messages {
		if !e.controller.Has(m.ConversationID) {
			return fmt.Errorf("identity key change %s: conversation %q: %w", m.ID, m.ConversationID, model.ErrNotFound)
		}
		seen, err := e.store.HasMessage(ctx, m.ID)
		if err != nil {
			return err
		}
		if seen {
			e.logger.Debug("identity key change already applied", zap.String("msg_id", m.ID))
			continue
		}
		if _, err := e.store.SaveMessage(ctx, m); err != nil {
			return fmt.Errorf("persist identity key change: %w", err)
		}
		if err := e.controller.OnIdentityKeyChange([]*model.Message{m}, p.View); err != nil {
			return err
		}
	}
	return nil
}

func payloadError(evt bus.Event) error {
	return fmt.Errorf("event %s: unexpected payload %T", evt.Kind, evt.Payload)
}

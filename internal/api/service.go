package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Threads is the active-thread and list surface of the sync controller.
type Threads interface {
	Conversations() []*model.Conversation
	ActiveID() string
	Select(id string) error
	Unselect()
	RequestConversation(id string) error
}

// Sender runs compose actions.
type Sender interface {
	Send(ctx context.Context, in outbox.Compose) *outbox.Result
}

// Store answers search and count queries.
type Store interface {
	SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]store.SearchResult, error)
	ConversationCount(ctx context.Context) (int64, error)
	MessageCount(ctx context.Context) (int64, error)
}

// ControlService implements ControlServer.
type ControlService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	threads   Threads
	sender    Sender
	store     Store
	logger    *zap.Logger
}

// NewControlService creates the control service for profile.
func NewControlService(profile string, machine *status.Machine, threads Threads, sender Sender, st Store, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		threads:   threads,
		sender:    sender,
		store:     st,
		logger:    logger,
	}
}

func (s *ControlService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"profile":   s.profile,
		"status":    string(s.machine.Current()),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"active_id": s.threads.ActiveID(),
	}
	if n, err := s.store.ConversationCount(ctx); err == nil {
		out["conversations"] = n
	}
	if n, err := s.store.MessageCount(ctx); err == nil {
		out["messages"] = n
	}
	return newStruct(out)
}

func (s *ControlService) List(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.threads.Conversations()
	list := make([]any, len(convs))
	for i, c := range convs {
		list[i] = conversationToMap(c)
	}
	return newStruct(map[string]any{
		"active_id":     s.threads.ActiveID(),
		"conversations": list,
	})
}

func (s *ControlService) Select(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "id")
	if err != nil {
		return nil, err
	}
	if err := s.threads.Select(id); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"active_id": id})
}

func (s *ControlService) Unselect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.threads.Unselect()
	return newStruct(map[string]any{"active_id": ""})
}

func (s *ControlService) Open(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(in, "id")
	if err != nil {
		return nil, err
	}
	if err := s.threads.RequestConversation(id); err != nil {
		return nil, toStatus(err)
	}
	active := s.threads.ActiveID()
	return newStruct(map[string]any{"active_id": active, "pending": active != id})
}

func (s *ControlService) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	text := in.GetFields()["text"].GetStringValue()
	if text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	return resultToStruct(s.sender.Send(ctx, outbox.Compose{Text: text}))
}

func (s *ControlService) SendFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	path, err := requireString(in, "path")
	if err != nil {
		return nil, err
	}
	return resultToStruct(s.sender.Send(ctx, outbox.Compose{Picker: outbox.PathPicker(path)}))
}

func (s *ControlService) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query, err := requireString(in, "query")
	if err != nil {
		return nil, err
	}
	limit := int(in.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 20
	}
	results, err := s.store.SearchMessages(ctx, query, in.GetFields()["conversation_id"].GetStringValue(), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search: %v", err)
	}
	hits := make([]any, len(results))
	for i, r := range results {
		hits[i] = map[string]any{
			"message_id":      r.Message.ID,
			"conversation_id": r.Message.ConversationID,
			"author":          r.Message.Author,
			"received_at":     r.Message.ReceivedTimestamp,
			"snippet":         r.Snippet,
		}
	}
	return newStruct(map[string]any{"results": hits})
}

func requireString(in *structpb.Struct, key string) (string, error) {
	v := in.GetFields()[key].GetStringValue()
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrNoActiveConversation):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// resultToStruct reports a pipeline run. A failed run is a normal response
// with ok=false so the caller can show the stage and keep its input.
func resultToStruct(res *outbox.Result) (*structpb.Struct, error) {
	out := map[string]any{
		"ok":        res.OK(),
		"stage":     string(res.Stage),
		"cancelled": res.Cancelled,
	}
	if res.Message != nil {
		out["message_id"] = res.Message.ID
		out["status"] = string(res.Message.Status)
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
		if errors.Is(res.Err, outbox.ErrNoActiveConversation) {
			out["no_active_conversation"] = true
		}
	}
	return newStruct(out)
}

func conversationToMap(c *model.Conversation) map[string]any {
	m := map[string]any{
		"id":             c.ID,
		"kind":           string(c.Kind),
		"display_name":   c.DisplayName,
		"last_active":    c.LastActiveTimestamp,
		"messages_count": c.MessagesCount,
		"unread_count":   c.UnreadCount,
	}
	if c.LastMessage != nil {
		m["last_message_id"] = c.LastMessage.ID
	}
	return m
}

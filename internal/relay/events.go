package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dispatcher handles one inbound event synchronously. The sync engine
// implements it.
type Dispatcher interface {
	Handle(ctx context.Context, evt bus.Event) error
}

// Checkpoints persists the stream position.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, key string) (string, error)
	UpdateCheckpoint(ctx context.Context, key, value string) error
}

// Stream reads the inbound backend stream, drives the connection state
// machine and hands every parsed event to the dispatcher. The checkpoint is
// advanced only after an entry was dispatched, so a restart resumes after
// the last handled entry.
type Stream struct {
	rdb         streamClient
	cfg         config.RelayConfig
	dispatcher  Dispatcher
	checkpoints Checkpoints
	machine     *status.Machine
	metrics     *metrics.Metrics
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates a reader for the adapter's inbound stream.
func NewStream(a *Adapter, dispatcher Dispatcher, checkpoints Checkpoints, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Stream {
	return newStream(a.rdb, a.relay, dispatcher, checkpoints, machine, m, logger)
}

func newStream(rdb streamClient, cfg config.RelayConfig, dispatcher Dispatcher, checkpoints Checkpoints, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		rdb:         rdb,
		cfg:         cfg,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		machine:     machine,
		metrics:     m,
		logger:      logger,
	}
}

// Start begins consuming in the background.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop stops consuming and waits for the reader to exit.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Stream) run(ctx context.Context) {
	for ctx.Err() == nil {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("relay stream interrupted", zap.Error(err))
		_ = s.machine.Advance(status.Reconnecting)
		select {
		case <-time.After(s.cfg.RetryBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// consume connects and reads until an error occurs.
func (s *Stream) consume(ctx context.Context) error {
	if err := s.machine.Advance(status.Connecting); err != nil {
		return err
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping relay: %w", err)
	}
	last, err := s.checkpoints.GetCheckpoint(ctx, sync.CheckpointInbound)
	if err != nil {
		return err
	}
	if last == "" {
		last = "0-0"
	}
	if err := s.machine.Advance(status.Syncing); err != nil {
		return err
	}
	s.logger.Info("relay stream connected", zap.String("stream", s.cfg.InboundStream), zap.String("from", last))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, next, err := s.ReadBatch(ctx, last)
		if err != nil {
			return err
		}
		last = next
		target := status.Ready
		if int64(n) >= s.cfg.BatchSize {
			target = status.Syncing
		}
		if err := s.machine.Advance(target); err != nil {
			return err
		}
	}
}

// ReadBatch reads one batch after last, dispatches it and returns the
// number of entries and the new position. A block timeout is an empty batch.
func (s *Stream) ReadBatch(ctx context.Context, last string) (int, string, error) {
	streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.cfg.InboundStream, last},
		Count:   s.cfg.BatchSize,
		Block:   s.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, last, nil
	}
	if err != nil {
		return 0, last, fmt.Errorf("read stream: %w", err)
	}

	n := 0
	for _, st := range streams {
		for _, entry := range st.Messages {
			s.handleEntry(ctx, entry)
			if err := s.checkpoints.UpdateCheckpoint(ctx, sync.CheckpointInbound, entry.ID); err != nil {
				return n, last, err
			}
			last = entry.ID
			n++
		}
	}
	return n, last, nil
}

// handleEntry dispatches one stream entry. Malformed entries and entries for
// unknown conversations are logged and skipped.
func (s *Stream) handleEntry(ctx context.Context, entry redis.XMessage) {
	raw, _ := entry.Values[EnvelopeField].(string)
	kind, payload, err := ParseEnvelope([]byte(raw))
	if err != nil {
		s.metrics.RelayEntry("invalid")
		s.logger.Error("dropping malformed relay entry", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	s.metrics.RelayEntry(kind)

	err = s.dispatcher.Handle(ctx, bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		s.logger.Error("relay entry references unknown conversation", zap.String("entry_id", entry.ID), zap.String("kind", kind), zap.Error(err))
	default:
		s.logger.Error("failed to handle relay entry", zap.String("entry_id", entry.ID), zap.String("kind", kind), zap.Error(err))
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/sync"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	kinds []string
	err   error
}

func (d *recordingDispatcher) Handle(ctx context.Context, evt bus.Event) error {
	d.kinds = append(d.kinds, evt.Kind)
	return d.err
}

type memCheckpoints map[string]string

func (m memCheckpoints) GetCheckpoint(ctx context.Context, key string) (string, error) {
	return m[key], nil
}

func (m memCheckpoints) UpdateCheckpoint(ctx context.Context, key, value string) error {
	m[key] = value
	return nil
}

func entry(id, envelope string) redis.XMessage {
	return redis.XMessage{ID: id, Values: map[string]any{EnvelopeField: envelope}}
}

func testStream(rdb *fakeRedis, d Dispatcher, cp Checkpoints) *Stream {
	cfg := config.Default().Relay
	cfg.BatchSize = 2
	cfg.Block = 10 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	return newStream(rdb, cfg, d, cp, status.NewMachine(nil), nil, nil)
}

func TestReadBatchDispatchesAndCheckpoints(t *testing.T) {
	rdb := &fakeRedis{batches: [][]redis.XMessage{{
		entry("1-0", `{"type":"conversation_list","conversations":[{"id":"A"}]}`),
		entry("2-0", `{"type":"message_update","message":{"id":"m1","conversation_id":"A"}}`),
	}}}
	d := &recordingDispatcher{}
	cp := memCheckpoints{}
	s := testStream(rdb, d, cp)

	n, last, err := s.ReadBatch(context.Background(), "0-0")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "2-0", last)
	assert.Equal(t, []string{model.KindRelayConversationList, model.KindRelayMessageUpdate}, d.kinds)
	assert.Equal(t, "2-0", cp[sync.CheckpointInbound])

	require.Len(t, rdb.reads, 1)
	assert.Equal(t, []string{"convsync:inbound", "0-0"}, rdb.reads[0].Streams)
	assert.Equal(t, int64(2), rdb.reads[0].Count)
}

func TestReadBatchSkipsBadEntries(t *testing.T) {
	rdb := &fakeRedis{batches: [][]redis.XMessage{{
		entry("1-0", `not json`),
		entry("2-0", `{"type":"message_update","message":{"id":"m1","conversation_id":"Z"}}`),
	}}}
	d := &recordingDispatcher{err: fmt.Errorf("message m1: %w", model.ErrNotFound)}
	cp := memCheckpoints{}

	n, _, err := testStream(rdb, d, cp).ReadBatch(context.Background(), "0-0")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, d.kinds, 1, "malformed entry is never dispatched")
	assert.Equal(t, "2-0", cp[sync.CheckpointInbound])
}

func TestReadBatchTimeoutIsEmpty(t *testing.T) {
	n, last, err := testStream(&fakeRedis{}, &recordingDispatcher{}, memCheckpoints{}).ReadBatch(context.Background(), "5-0")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "5-0", last)
}

func TestReadBatchError(t *testing.T) {
	rdb := &fakeRedis{readErr: errors.New("i/o timeout")}
	_, _, err := testStream(rdb, &recordingDispatcher{}, memCheckpoints{}).ReadBatch(context.Background(), "0-0")
	assert.Error(t, err)
}

func TestStreamResumesFromCheckpointAndBecomesReady(t *testing.T) {
	rdb := &fakeRedis{}
	cp := memCheckpoints{sync.CheckpointInbound: "9-0"}
	s := testStream(rdb, &recordingDispatcher{}, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return s.machine.Current() == status.Ready }, time.Second, 5*time.Millisecond)
	s.Stop()
	require.NotEmpty(t, rdb.reads)
	assert.Equal(t, "9-0", rdb.reads[0].Streams[1])
}

func TestStreamReconnectsAfterPingFailure(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(status.KindStatusChanged, 32)
	defer unsub()

	cfg := config.Default().Relay
	cfg.RetryBackoff = 10 * time.Millisecond
	s := newStream(&fakeRedis{pingErr: errors.New("refused")}, cfg, &recordingDispatcher{}, memCheckpoints{}, status.NewMachine(b), nil, nil)

	s.Start(context.Background())
	seen := map[status.State]bool{}
	require.Eventually(t, func() bool {
		for len(ch) > 0 {
			seen[(<-ch).Payload.(status.StatusChange).To] = true
		}
		return seen[status.Reconnecting] && seen[status.Connecting]
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStopReturnsWhenReadsIgnoreCancellation(t *testing.T) {
	s := testStream(&fakeRedis{}, &recordingDispatcher{}, memCheckpoints{})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.machine.Current() == status.Ready }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a reader that ignores cancellation")
	}
}

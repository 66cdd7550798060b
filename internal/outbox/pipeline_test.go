package outbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/attachcrypto"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) SaveMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	args := m.Called(ctx, msg)
	conv, _ := args.Get(0).(*model.Conversation)
	return conv, args.Error(1)
}

func (m *mockStore) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *mockStore) UpdateAttachmentStatus(ctx context.Context, msgID string, position int, status model.AttachmentStatus) error {
	return m.Called(ctx, msgID, position, status).Error(0)
}

type mockTransport struct{ mock.Mock }

func (m *mockTransport) SendMessage(ctx context.Context, msg *model.Message, conv *model.Conversation) (*model.DeliveryOutcome, error) {
	args := m.Called(ctx, msg, conv)
	out, _ := args.Get(0).(*model.DeliveryOutcome)
	return out, args.Error(1)
}

func (m *mockTransport) RetrieveUploadURL(ctx context.Context) (*model.UploadDestination, error) {
	args := m.Called(ctx)
	dest, _ := args.Get(0).(*model.UploadDestination)
	return dest, args.Error(1)
}

func (m *mockTransport) CreateUpload(ctx context.Context, location, path string) (*model.UploadHandle, error) {
	args := m.Called(ctx, location, path)
	up, _ := args.Get(0).(*model.UploadHandle)
	return up, args.Error(1)
}

func (m *mockTransport) RunUpload(ctx context.Context, up *model.UploadHandle, notify bool, msg *model.Message) error {
	return m.Called(ctx, up, notify, msg).Error(0)
}

type fixedActive struct{ conv *model.Conversation }

func (a fixedActive) ActiveConversation() (*model.Conversation, bool) {
	return a.conv, a.conv != nil
}

type fixture struct {
	store     *mockStore
	transport *mockTransport
	bus       *bus.Bus
	tempDir   string
	pipeline  *Pipeline
}

func newFixture(t *testing.T, active *model.Conversation) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	f := &fixture{
		store:     &mockStore{},
		transport: &mockTransport{},
		bus:       bus.New(),
		tempDir:   filepath.Join(t.TempDir(), "attachments"),
	}
	f.pipeline = NewPipeline(f.store, f.transport, fixedActive{conv: active}, f.tempDir, f.bus, nil, logger)
	return f
}

func alice() *model.Conversation {
	return &model.Conversation{ID: "alice", Kind: model.KindContact, DisplayName: "Alice"}
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, size), 0o600))
	return path
}

func stagedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

// expectAttachmentRun sets up a full attachment run and returns the
// CreateUpload and RunUpload expectations for further customization.
func (f *fixture) expectAttachmentRun(uploadErr error) (create, run *mock.Call) {
	f.transport.On("RetrieveUploadURL", mock.Anything).Return(&model.UploadDestination{Location: "http://upload/x", ID: "attachments/x"}, nil)
	create = f.transport.On("CreateUpload", mock.Anything, "http://upload/x", mock.Anything).Return(&model.UploadHandle{ID: "up-1"}, nil)
	f.store.On("SaveMessage", mock.Anything, mock.Anything).Return(alice(), nil)
	run = f.transport.On("RunUpload", mock.Anything, mock.Anything, true, mock.Anything).Return(uploadErr)
	f.store.On("UpdateAttachmentStatus", mock.Anything, mock.Anything, 0, mock.Anything).Return(nil)
	f.store.On("UpdateMessageStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.transport.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&model.DeliveryOutcome{ServerID: "srv"}, nil)
	return create, run
}

func TestSendTextPersistsThenSends(t *testing.T) {
	f := newFixture(t, alice())
	ch, unsub := f.bus.Subscribe("outbox.", 8)
	defer unsub()

	f.store.On("SaveMessage", mock.Anything, mock.MatchedBy(func(m *model.Message) bool {
		return m.Content == "hello" && m.Direction == model.Outgoing && m.Read &&
			m.ComposedTimestamp == m.ReceivedTimestamp && len(m.Attachments) == 0 && m.SelfAuthored()
	})).Return(alice(), nil).Once()
	f.transport.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&model.DeliveryOutcome{ServerID: "1-0"}, nil).Once()
	f.store.On("UpdateMessageStatus", mock.Anything, mock.Anything, model.StatusConfirmed).Return(nil).Once()

	res := f.pipeline.Send(context.Background(), Compose{Text: "hello"})
	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, StageDone, res.Stage)
	require.NotNil(t, res.Message)
	assert.Equal(t, model.StatusConfirmed, res.Message.Status)

	persisted := <-ch
	assert.Equal(t, model.KindOutboxPersisted, persisted.Kind)
	update := <-ch
	assert.Equal(t, model.KindOutboxMessageUpdate, update.Kind)

	f.store.AssertExpectations(t)
	f.transport.AssertExpectations(t)
}

func TestSendTextWithoutActiveConversation(t *testing.T) {
	f := newFixture(t, nil)

	res := f.pipeline.Send(context.Background(), Compose{Text: "hello"})
	require.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrNoActiveConversation)
	assert.Equal(t, StageResolve, res.Stage)
	assert.Nil(t, res.Message)
	f.store.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything)
	f.transport.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendTextWhitespaceIsNoop(t *testing.T) {
	f := newFixture(t, alice())
	res := f.pipeline.Send(context.Background(), Compose{Text: "  \n\t"})
	assert.True(t, res.OK())
	f.store.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything)
}

func TestSendTextPersistFailure(t *testing.T) {
	f := newFixture(t, alice())
	f.store.On("SaveMessage", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))

	res := f.pipeline.Send(context.Background(), Compose{Text: "hi"})
	require.False(t, res.OK())
	var stageErr *StageError
	require.ErrorAs(t, res.Err, &stageErr)
	assert.Equal(t, StagePersist, stageErr.Stage)
	f.transport.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendTextTransportFailureMarksFailed(t *testing.T) {
	f := newFixture(t, alice())
	f.store.On("SaveMessage", mock.Anything, mock.Anything).Return(alice(), nil)
	f.transport.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("relay down"))
	f.store.On("UpdateMessageStatus", mock.Anything, mock.Anything, model.StatusFailed).Return(nil).Once()

	res := f.pipeline.Send(context.Background(), Compose{Text: "hi"})
	require.False(t, res.OK())
	assert.Equal(t, StageSend, res.Stage)
	require.NotNil(t, res.Message, "persisted message must be reported")
	assert.Equal(t, model.StatusFailed, res.Message.Status)
	f.store.AssertExpectations(t)
}

func TestAttachmentSizeKeyAndDigest(t *testing.T) {
	const size = 10 * 1024 * 1024
	path := writeFile(t, "big.bin", size)

	var keys [][]byte
	for run := 0; run < 2; run++ {
		f := newFixture(t, alice())
		var ciphertext []byte
		create, _ := f.expectAttachmentRun(nil)
		create.Run(func(args mock.Arguments) {
			data, err := os.ReadFile(args.String(2))
			require.NoError(t, err)
			ciphertext = data
		})

		res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker(path)})
		require.True(t, res.OK(), "err: %v", res.Err)
		require.NotNil(t, res.Message)
		require.Len(t, res.Message.Attachments, 1)
		att := res.Message.Attachments[0]

		assert.Equal(t, int64(size), att.Size)
		assert.Len(t, att.Key, attachcrypto.KeySize)
		sum := sha256.Sum256(ciphertext)
		assert.Equal(t, sum[:], att.Digest)
		assert.Greater(t, len(ciphertext), size)
		assert.Equal(t, "attachments/x", att.StorageID)
		assert.Equal(t, "up-1", att.UploadID)
		assert.Equal(t, model.AttachmentComplete, att.Status)
		assert.Equal(t, "big.bin", att.FileName)
		assert.Equal(t, 1, res.Message.AttachmentsCount)
		assert.Empty(t, res.Message.Content)

		assert.Empty(t, stagedFiles(t, f.tempDir), "staged ciphertext must be removed")
		keys = append(keys, att.Key)
	}
	assert.NotEqual(t, keys[0], keys[1], "keys must differ between runs")
}

func TestAttachmentUploadFailure(t *testing.T) {
	f := newFixture(t, alice())
	f.expectAttachmentRun(errors.New("connection reset"))
	path := writeFile(t, "a.txt", 10)

	res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker(path)})
	require.False(t, res.OK())
	assert.Equal(t, StageUpload, res.Stage)
	require.NotNil(t, res.Message)
	assert.Equal(t, model.AttachmentFailed, res.Message.Attachments[0].Status)
	f.store.AssertCalled(t, "UpdateAttachmentStatus", mock.Anything, res.Message.ID, 0, model.AttachmentFailed)
	f.transport.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, stagedFiles(t, f.tempDir))
}

func TestAttachmentCancelledDuringUpload(t *testing.T) {
	f := newFixture(t, alice())
	ctx, cancel := context.WithCancel(context.Background())
	_, run := f.expectAttachmentRun(context.Canceled)
	run.Run(func(mock.Arguments) { cancel() })
	path := writeFile(t, "a.txt", 10)

	res := f.pipeline.Send(ctx, Compose{Picker: PathPicker(path)})
	require.False(t, res.OK())
	assert.True(t, res.Cancelled)
	require.NotNil(t, res.Message, "persisted message must survive cancellation")
	f.store.AssertCalled(t, "UpdateAttachmentStatus", mock.Anything, res.Message.ID, 0, model.AttachmentFailed)
	assert.Empty(t, stagedFiles(t, f.tempDir))
}

func TestAttachmentPickCancelled(t *testing.T) {
	f := newFixture(t, alice())
	res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker("")})
	assert.True(t, res.OK())
	assert.Nil(t, res.Message)
	f.transport.AssertNotCalled(t, "RetrieveUploadURL", mock.Anything)
}

func TestAttachmentWithoutActiveConversation(t *testing.T) {
	f := newFixture(t, nil)
	res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker(writeFile(t, "a", 1))})
	assert.ErrorIs(t, res.Err, ErrNoActiveConversation)
}

func TestAttachmentUploadURLFailureCleansUp(t *testing.T) {
	f := newFixture(t, alice())
	f.transport.On("RetrieveUploadURL", mock.Anything).Return(nil, errors.New("minio down"))

	res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker(writeFile(t, "a.txt", 64))})
	require.False(t, res.OK())
	assert.Equal(t, StageUploadURL, res.Stage)
	assert.NotEmpty(t, res.TempFile)
	assert.Empty(t, stagedFiles(t, f.tempDir))
	f.store.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything)
}

func TestPublishedMessagesAreSnapshots(t *testing.T) {
	f := newFixture(t, alice())
	f.expectAttachmentRun(nil)
	ch, unsub := f.bus.SubscribeOrdered("outbox.")
	defer unsub()

	seen := make(chan []model.MessageStatus, 2)
	go func() {
		for evt := range ch {
			var msg *model.Message
			switch p := evt.Payload.(type) {
			case model.MessageEvent:
				msg = p.Message
			case *model.Message:
				msg = p
			}
			// Read while the pipeline may still be updating its own copy.
			statuses := []model.MessageStatus{msg.Status}
			for _, a := range msg.Attachments {
				_ = a.Status
			}
			seen <- statuses
		}
	}()

	res := f.pipeline.Send(context.Background(), Compose{Picker: PathPicker(writeFile(t, "a.txt", 64))})
	require.True(t, res.OK(), "err: %v", res.Err)

	var got []model.MessageStatus
	for len(got) < 2 {
		select {
		case s := <-seen:
			got = append(got, s...)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 outbox events", len(got))
		}
	}
	assert.Equal(t, []model.MessageStatus{model.StatusPending, model.StatusConfirmed}, got)
	assert.Equal(t, model.StatusConfirmed, res.Message.Status)
	assert.Equal(t, model.AttachmentComplete, res.Message.Attachments[0].Status)
}

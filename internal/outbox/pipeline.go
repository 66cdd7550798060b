package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/attachcrypto"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Store persists outgoing messages.
type Store interface {
	SaveMessage(ctx context.Context, m *model.Message) (*model.Conversation, error)
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error
	UpdateAttachmentStatus(ctx context.Context, msgID string, position int, status model.AttachmentStatus) error
}

// Transport delivers messages and uploads encrypted attachments.
type Transport interface {
	SendMessage(ctx context.Context, msg *model.Message, conv *model.Conversation) (*model.DeliveryOutcome, error)
	RetrieveUploadURL(ctx context.Context) (*model.UploadDestination, error)
	CreateUpload(ctx context.Context, location, path string) (*model.UploadHandle, error)
	RunUpload(ctx context.Context, up *model.UploadHandle, notify bool, msg *model.Message) error
}

// ActiveSource reports the currently selected conversation.
type ActiveSource interface {
	ActiveConversation() (*model.Conversation, bool)
}

// FileHandle is a file chosen for sending.
type FileHandle struct {
	Name        string
	ContentType string
	Path        string
}

// FilePicker asks the user for a file. It returns model.ErrPickCancelled
// when nothing was chosen.
type FilePicker interface {
	PickFile(ctx context.Context) (*FileHandle, error)
}

// EncryptFunc encrypts an attachment stream with a 64-byte key.
type EncryptFunc func(r io.Reader, key []byte) (*attachcrypto.Result, error)

// Compose is a user send action. An empty Text selects the attachment path.
type Compose struct {
	Text   string
	Picker FilePicker
}

// Pipeline turns compose actions into persisted, delivered messages.
type Pipeline struct {
	store     Store
	transport Transport
	active    ActiveSource
	encrypt   EncryptFunc
	tempDir   string
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline that stages encrypted attachments in tempDir.
func NewPipeline(store Store, transport Transport, active ActiveSource, tempDir string, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:     store,
		transport: transport,
		active:    active,
		encrypt:   attachcrypto.Encrypt,
		tempDir:   tempDir,
		bus:       b,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Send runs the pipeline for one compose action. Failures are reported in
// the result, never returned, so the caller can keep the input for a retry.
func (p *Pipeline) Send(ctx context.Context, in Compose) *Result {
	start := p.now()
	kind := "text"
	var res *Result
	switch {
	case in.Text == "":
		kind = "attachment"
		res = p.sendAttachment(ctx, in.Picker)
	case strings.TrimSpace(in.Text) == "":
		res = &Result{Stage: StageDone}
	default:
		res = p.sendText(ctx, in.Text)
	}

	p.metrics.SendFinished(kind, string(res.Stage), p.now().Sub(start))
	if !res.OK() {
		p.logger.Warn("send failed", zap.String("kind", kind), zap.String("stage", string(res.Stage)),
			zap.Bool("cancelled", res.Cancelled), zap.Error(res.Err))
	}
	return res
}

func (p *Pipeline) resolve() (*model.Conversation, error) {
	conv, ok := p.active.ActiveConversation()
	if !ok {
		return nil, ErrNoActiveConversation
	}
	return conv, nil
}

func (p *Pipeline) newMessage(conversationID, text string) *model.Message {
	now := p.now().UnixMilli()
	return &model.Message{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		ComposedTimestamp: now,
		ReceivedTimestamp: now,
		Content:           text,
		Direction:         model.Outgoing,
		Read:              true,
		Type:              model.TypeNormal,
		Status:            model.StatusPending,
	}
}

func (p *Pipeline) sendText(ctx context.Context, text string) *Result {
	res := &Result{Stage: StageResolve}
	conv, err := p.resolve()
	if err != nil {
		return res.fail(StageResolve, err)
	}

	msg := p.newMessage(conv.ID, text)
	if conv, err = p.persist(ctx, msg); err != nil {
		return res.fail(StagePersist, err)
	}
	res.Message = msg

	return p.deliver(ctx, res, msg, conv)
}

// persist saves msg and re-enters the sync path as a self-authored message.
// Published messages are snapshots: the pipeline keeps updating msg.
func (p *Pipeline) persist(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	conv, err := p.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	p.bus.Emit(model.KindOutboxPersisted, model.MessageEvent{Message: msg.Clone(), Conversation: conv.Clone(), View: model.ViewPrimary})
	return conv, nil
}

func (p *Pipeline) deliver(ctx context.Context, res *Result, msg *model.Message, conv *model.Conversation) *Result {
	outcome, sendErr := p.transport.SendMessage(ctx, msg, conv)
	status := model.StatusConfirmed
	if sendErr != nil {
		status = model.StatusFailed
	}
	msg.Status = status
	if err := p.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, status); err != nil {
		p.logger.Error("failed to persist message status", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	p.bus.Emit(model.KindOutboxMessageUpdate, msg.Clone())

	if sendErr != nil {
		res.Cancelled = ctx.Err() != nil
		return res.fail(StageSend, sendErr)
	}
	fields := []zap.Field{zap.String("msg_id", msg.ID)}
	if outcome != nil {
		fields = append(fields, zap.String("server_id", outcome.ServerID))
	}
	p.logger.Info("message sent", fields...)
	res.Stage = StageDone
	return res
}

func (p *Pipeline) sendAttachment(ctx context.Context, picker FilePicker) (res *Result) {
	res = &Result{Stage: StageResolve}
	conv, err := p.resolve()
	if err != nil {
		return res.fail(StageResolve, err)
	}

	res.Stage = StagePick
	if picker == nil {
		return res.fail(StagePick, errors.New("no file picker"))
	}
	file, err := picker.PickFile(ctx)
	if errors.Is(err, model.ErrPickCancelled) {
		res.Stage = StageDone
		return res
	}
	if err != nil {
		return res.fail(StagePick, err)
	}

	res.Stage = StageEncrypt
	key, err := attachcrypto.NewKey()
	if err != nil {
		return res.fail(StageEncrypt, err)
	}
	size, enc, err := p.encryptFile(file.Path, key)
	if err != nil {
		return res.fail(StageEncrypt, err)
	}
	if err := ctx.Err(); err != nil {
		res.Cancelled = true
		return res.fail(StageEncrypt, err)
	}

	res.Stage = StageStage
	tmp, err := p.stage(file.Name, enc.Ciphertext)
	if err != nil {
		return res.fail(StageStage, err)
	}
	res.TempFile = tmp
	defer func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove staged attachment", zap.String("path", tmp), zap.Error(err))
		}
	}()

	res.Stage = StageUploadURL
	dest, err := p.transport.RetrieveUploadURL(ctx)
	if err != nil {
		res.Cancelled = ctx.Err() != nil
		return res.fail(StageUploadURL, err)
	}

	att := &model.Attachment{
		ContentType: file.ContentType,
		Size:        size,
		FileName:    file.Name,
		Status:      model.AttachmentInProgress,
		Key:         key,
		Digest:      enc.Digest,
		StorageID:   dest.ID,
	}

	res.Stage = StageCreateUpload
	upload, err := p.transport.CreateUpload(ctx, dest.Location, tmp)
	if err != nil {
		res.Cancelled = ctx.Err() != nil
		return res.fail(StageCreateUpload, err)
	}
	upload.FileName = file.Name
	att.UploadID = upload.ID

	res.Stage = StagePersist
	msg := p.newMessage(conv.ID, "")
	msg.Attachments = []*model.Attachment{att}
	msg.AttachmentsCount = 1
	if conv, err = p.persist(ctx, msg); err != nil {
		return res.fail(StagePersist, err)
	}
	res.Message = msg

	res.Stage = StageUpload
	uploadErr := p.transport.RunUpload(ctx, upload, true, msg)
	att.Status = model.AttachmentComplete
	if uploadErr != nil {
		att.Status = model.AttachmentFailed
	}
	if err := p.store.UpdateAttachmentStatus(context.WithoutCancel(ctx), msg.ID, 0, att.Status); err != nil {
		p.logger.Error("failed to persist attachment status", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	p.metrics.UploadFinished(upload.Size, uploadErr)
	if uploadErr != nil {
		msg.Status = model.StatusFailed
		if err := p.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, msg.Status); err != nil {
			p.logger.Error("failed to persist message status", zap.String("msg_id", msg.ID), zap.Error(err))
		}
		p.bus.Emit(model.KindOutboxMessageUpdate, msg.Clone())
		res.Cancelled = ctx.Err() != nil
		return res.fail(StageUpload, uploadErr)
	}

	return p.deliver(ctx, res, msg, conv)
}

// encryptFile consumes the whole file and returns its plaintext length.
func (p *Pipeline) encryptFile(path string, key []byte) (int64, *attachcrypto.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cr := &countingReader{r: f}
	enc, err := p.encrypt(cr, key)
	if err != nil {
		return 0, nil, err
	}
	return cr.n, enc, nil
}

// stage writes ciphertext to a new uniquely named file in the temp dir.
func (p *Pipeline) stage(name string, ciphertext []byte) (string, error) {
	if err := os.MkdirAll(p.tempDir, 0o700); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(p.tempDir, filepath.Base(name)+"-*.encrypted")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(ciphertext); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"go.uber.org/zap"
)

// Uploader performs attachment transfers: an HTTP PUT of a staged file to a
// presigned location.
type Uploader struct {
	client *http.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*model.UploadHandle
}

// NewUploader creates an uploader. A nil client uses http.DefaultClient.
func NewUploader(client *http.Client, b *bus.Bus, logger *zap.Logger) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		client:  client,
		bus:     b,
		logger:  logger,
		pending: make(map[string]*model.UploadHandle),
	}
}

// CreateUpload registers a transfer of path to location.
func (u *Uploader) CreateUpload(_ context.Context, location, path string) (*model.UploadHandle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	h := &model.UploadHandle{
		ID:       uuid.NewString(),
		Location: location,
		Path:     path,
		Size:     info.Size(),
	}
	u.mu.Lock()
	u.pending[h.ID] = h
	u.mu.Unlock()
	return h, nil
}

// Pending returns the number of created but unfinished transfers.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// RunUpload executes the transfer. When notify is set, a user-visible
// notice is published with the outcome.
func (u *Uploader) RunUpload(ctx context.Context, h *model.UploadHandle, notify bool, msg *model.Message) error {
	defer func() {
		u.mu.Lock()
		delete(u.pending, h.ID)
		u.mu.Unlock()
	}()

	err := u.put(ctx, h)
	if err != nil {
		u.logger.Warn("upload failed", zap.String("upload_id", h.ID), zap.String("msg_id", msg.ID), zap.Error(err))
	} else {
		u.logger.Info("upload finished", zap.String("upload_id", h.ID), zap.String("msg_id", msg.ID), zap.Int64("bytes", h.Size))
	}

	if notify {
		name := h.FileName
		if name == "" {
			name = "attachment"
		}
		notice := model.UploadNotice{MessageID: msg.ID, FileName: name, Success: err == nil}
		if err == nil {
			notice.Text = name + " has finished uploading."
		} else {
			notice.Text = name + " has failed to upload."
		}
		u.bus.Emit(model.KindNotifyUpload, notice)
	}
	return err
}

func (u *Uploader) put(ctx context.Context, h *model.UploadHandle) error {
	f, err := os.Open(h.Path)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.Location, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = h.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Close = true

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", h.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: unexpected status %s", h.ID, resp.Status)
	}
	return nil
}

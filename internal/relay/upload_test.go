package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagedFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.encrypted")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func nextNotice(t *testing.T, ch <-chan bus.Event) model.UploadNotice {
	t.Helper()
	select {
	case evt := <-ch:
		notice, ok := evt.Payload.(model.UploadNotice)
		require.True(t, ok, "payload %T", evt.Payload)
		return notice
	case <-time.After(time.Second):
		t.Fatal("no upload notice")
	}
	return model.UploadNotice{}
}

func TestRunUploadPutsFile(t *testing.T) {
	payload := []byte("ciphertext bytes")
	var gotMethod, gotType string
	var gotLen int64
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotLen = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 4)
	defer unsub()

	u := NewUploader(srv.Client(), b, nil)
	h, err := u.CreateUpload(context.Background(), srv.URL+"/attachments/x", stagedFile(t, payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), h.Size)
	assert.Equal(t, 1, u.Pending())

	h.FileName = "photo.jpg"
	require.NoError(t, u.RunUpload(context.Background(), h, true, &model.Message{ID: "m1"}))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/octet-stream", gotType)
	assert.Equal(t, int64(len(payload)), gotLen)
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, 0, u.Pending())

	notice := nextNotice(t, ch)
	assert.True(t, notice.Success)
	assert.Equal(t, "photo.jpg has finished uploading.", notice.Text)
	assert.Equal(t, "m1", notice.MessageID)
}

func TestRunUploadRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 4)
	defer unsub()

	u := NewUploader(srv.Client(), b, nil)
	h, err := u.CreateUpload(context.Background(), srv.URL, stagedFile(t, []byte("x")))
	require.NoError(t, err)
	h.FileName = "doc.pdf"

	err = u.RunUpload(context.Background(), h, true, &model.Message{ID: "m2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, 0, u.Pending())

	notice := nextNotice(t, ch)
	assert.False(t, notice.Success)
	assert.Equal(t, "doc.pdf has failed to upload.", notice.Text)
}

func TestRunUploadWithoutNotify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 4)
	defer unsub()

	u := NewUploader(srv.Client(), b, nil)
	h, err := u.CreateUpload(context.Background(), srv.URL, stagedFile(t, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, u.RunUpload(context.Background(), h, false, &model.Message{ID: "m3"}))
	assert.Empty(t, ch)
}

func TestRunUploadCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	u := NewUploader(srv.Client(), nil, nil)
	h, err := u.CreateUpload(context.Background(), srv.URL, stagedFile(t, []byte("x")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = u.RunUpload(ctx, h, true, &model.Message{ID: "m4"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateUploadMissingFile(t *testing.T) {
	u := NewUploader(nil, nil, nil)
	_, err := u.CreateUpload(context.Background(), "http://127.0.0.1/x", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
	assert.Equal(t, 0, u.Pending())
}

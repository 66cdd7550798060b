package outbox

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/matheus3301/convsync/internal/model"
)

// PathPicker is a FilePicker for a path chosen up front, as the control CLI
// does. An empty path means nothing was chosen.
type PathPicker string

// PickFile implements FilePicker.
func (p PathPicker) PickFile(context.Context) (*FileHandle, error) {
	if p == "" {
		return nil, model.ErrPickCancelled
	}
	path := string(p)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("pick %s: is a directory", path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &FileHandle{Name: filepath.Base(path), ContentType: contentType, Path: path}, nil
}

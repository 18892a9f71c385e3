package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileRenderer writes each document as <dir>/<number>.json.
type FileRenderer struct {
	dir string
}

func NewFileRenderer(dir string) (*FileRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create invoice directory: %w", err)
	}
	return &FileRenderer{dir: dir}, nil
}

func (r *FileRenderer) Render(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice %s: %w", doc.Number, err)
	}

	path := filepath.Join(r.dir, doc.Number+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write invoice %s: %w", doc.Number, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to store invoice %s: %w", doc.Number, err)
	}
	return "file://" + path, nil
}

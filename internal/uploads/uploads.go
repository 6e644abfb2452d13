// Package uploads stores files fetched from messengers and serves them back
// over HTTP under a stable public path.
package uploads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/deskrelay/deskrelay/internal/config"
)

// MaxUploadBytes caps a single stored file.
const MaxUploadBytes int64 = 50 << 20

// Store writes attachment content to local disk. Keys are grouped by content
// kind so operators can reason about the tree.
type Store struct {
	logger     *slog.Logger
	root       string
	publicPath string
}

// NewStore creates a disk-backed upload store rooted at cfg.Root.
func NewStore(log *slog.Logger, cfg config.UploadsConfig) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	root := cfg.Root
	if root == "" {
		root = config.DefaultUploadsRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads root: %w", err)
	}
	publicPath := strings.TrimRight(cfg.Path, "/")
	if publicPath == "" {
		publicPath = config.DefaultUploadsPath
	}
	return &Store{
		logger:     log.With(slog.String("component", "uploads")),
		root:       root,
		publicPath: publicPath,
	}, nil
}

// Root returns the on-disk directory served at PublicPath.
func (s *Store) Root() string { return s.root }

// PublicPath returns the URL prefix the stored files are served under.
func (s *Store) PublicPath() string { return s.publicPath }

// Save writes the content under a fresh key and returns the public URL path.
// The original name only contributes its extension; the key itself is random
// so remote senders cannot collide or guess paths.
func (s *Store) Save(ctx context.Context, kind, originalName, mimeType string, reader io.Reader) (string, error) {
	if reader == nil {
		return "", fmt.Errorf("reader is required")
	}
	kind = sanitizeKind(kind)
	ext := extensionFor(originalName, mimeType)
	key := path.Join(kind, uuid.NewString()+ext)

	dir := filepath.Join(s.root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(reader, MaxUploadBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > MaxUploadBytes {
		err = fmt.Errorf("content exceeds %d bytes", MaxUploadBytes)
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("write upload: %w", err)
	}
	s.logger.Debug("stored upload",
		slog.String("key", key),
		slog.Int64("size_bytes", written))
	return s.publicPath + "/" + key, nil
}

// sanitizeKind keeps the key's first path segment to a known safe set.
func sanitizeKind(kind string) string {
	switch kind {
	case "photo", "video", "document", "voice", "audio", "sticker":
		return kind
	default:
		return "file"
	}
}

// extensionFor prefers the original file name's extension and falls back to
// the MIME type.
func extensionFor(originalName, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(originalName)); ext != "" && len(ext) <= 8 {
		return ext
	}
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

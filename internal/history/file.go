package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileSuffix  = ".json"
	writeSuffix = "_WRITE.json"
)

// FileBackend stores one file per event under <root>/<channel>/<event id>.json.
// Writes go to <event id>_WRITE.json first and are renamed into place.
type FileBackend struct {
	root string

	mu   sync.Mutex
	dirs map[string]string // channel -> directory
}

// NewFileBackend creates root if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("file history backend: %w: empty root", ErrInvalidName)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating history root %s: %w", root, err)
	}
	return &FileBackend{
		root: root,
		dirs: make(map[string]string),
	}, nil
}

// Root returns the directory the backend writes under.
func (b *FileBackend) Root() string { return b.root }

// escapeName maps an arbitrary channel or event id to a single safe path element.
func escapeName(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	escaped := url.PathEscape(name)
	if strings.Trim(escaped, ".") == "" {
		escaped = strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped, nil
}

func (b *FileBackend) channelDir(channel string, create bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir, ok := b.dirs[channel]; ok {
		return dir, nil
	}
	name, err := escapeName(channel)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(b.root, name)
	if !create {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating channel directory %s: %w", dir, err)
	}
	b.dirs[channel] = dir
	return dir, nil
}

func (b *FileBackend) eventPaths(channel, eventID string, create bool) (tmp, final string, err error) {
	dir, err := b.channelDir(channel, create)
	if err != nil {
		return "", "", err
	}
	name, err := escapeName(eventID)
	if err != nil {
		return "", "", err
	}
	if strings.HasSuffix(name, "_WRITE") {
		name = strings.TrimSuffix(name, "_WRITE") + "%5FWRITE"
	}
	return filepath.Join(dir, name+writeSuffix), filepath.Join(dir, name+fileSuffix), nil
}

// Put writes the payload to a temporary file and renames it to its final name.
func (b *FileBackend) Put(_ context.Context, e Entry) error {
	tmp, final, err := b.eventPaths(e.Channel, e.EventID, true)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, e.Payload, 0o644); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("writing %s: %w", tmp, err)
		}
		// Channel directory was removed underneath us; recreate once.
		b.forgetDir(e.Channel)
		if tmp, final, err = b.eventPaths(e.Channel, e.EventID, true); err != nil {
			return err
		}
		if err := os.WriteFile(tmp, e.Payload, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", tmp, err)
		}
	}
	if !e.StoredAt.IsZero() {
		if err := os.Chtimes(tmp, e.StoredAt, e.StoredAt); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("stamping %s: %w", tmp, err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func (b *FileBackend) forgetDir(channel string) {
	b.mu.Lock()
	delete(b.dirs, channel)
	b.mu.Unlock()
}

// Get reads a stored event.
func (b *FileBackend) Get(_ context.Context, channel, eventID string) ([]byte, error) {
	_, final, err := b.eventPaths(channel, eventID, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(final)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", final, err)
	}
	return data, nil
}

// Count returns the number of completed events stored for channel.
func (b *FileBackend) Count(_ context.Context, channel string) (int, error) {
	dir, err := b.channelDir(channel, false)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing %s: %w", dir, err)
	}
	n := 0
	for _, entry := range entries {
		if isEventFile(entry.Name()) && entry.Type().IsRegular() {
			n++
		}
	}
	return n, nil
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, fileSuffix) && !strings.HasSuffix(name, writeSuffix)
}

// DeleteOlderThan removes event files whose modification time is before cutoff.
// Leftover temporary files older than cutoff are removed as well.
func (b *FileBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return b.sweep(ctx, func(name string, info fs.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
}

// DeleteAll removes every completed event file. In-flight writes are left alone.
func (b *FileBackend) DeleteAll(ctx context.Context) (int, error) {
	return b.sweep(ctx, func(name string, _ fs.FileInfo) bool {
		return isEventFile(name)
	})
}

func (b *FileBackend) sweep(ctx context.Context, shouldDelete func(name string, info fs.FileInfo) bool) (int, error) {
	deleted := 0
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A channel directory can vanish mid-walk; keep sweeping the rest.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !shouldDelete(d.Name(), info) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("removing %s: %w", path, err)
		}
		if isEventFile(d.Name()) {
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Ping checks the root directory is still present.
func (b *FileBackend) Ping(_ context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("history root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("history root %s is not a directory", b.root)
	}
	return nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

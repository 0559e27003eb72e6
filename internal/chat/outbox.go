package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
)

//go:generate mockgen -source=outbox.go -destination=mock_filesender_test.go -package=chat -mock_names=fileSender=MockFileSender

const (
	outboxTick     = 500 * time.Millisecond
	outboxSettle   = 300 * time.Millisecond
	outboxMaxBytes = 50 * 1024 * 1024
)

// fileSender is the subset of Session that Outbox needs.
type fileSender interface {
	Connected() bool
	Active() models.ConversationKey
	SendFile(ctx context.Context, name string, r io.Reader) (models.Message, error)
}

// Outbox watches a directory and sends every file dropped into it as an
// attachment to the active conversation. Sent files are removed.
type Outbox struct {
	dir     string
	sender  fileSender
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// queued holds files that arrived while disconnected or with no
	// conversation open, keyed by absolute path.
	queued map[string]struct{}
}

// NewOutbox creates an outbox for dir that sends through session.
func NewOutbox(dir string, session *Session, logger *slog.Logger) *Outbox {
	return &Outbox{
		dir:    dir,
		sender: session,
		logger: logger,
		queued: make(map[string]struct{}),
	}
}

// Watch blocks until ctx is cancelled. Files already present when it
// starts are sent once the connection is up.
func (o *Outbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	o.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(o.dir, 0o700); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	if err := watcher.Add(o.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	if err := o.queueExisting(); err != nil {
		return err
	}

	o.logger.Info("outbox watcher started", slog.String("dir", o.dir))

	// Debounce: wait for a file to stop changing before sending it.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(outboxTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if o.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(o.queued, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			o.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			o.drainQueue(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < outboxSettle {
					continue
				}

				delete(pending, path)
				o.handleFile(ctx, path)
			}
		}
	}
}

func (o *Outbox) queueExisting() error {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return fmt.Errorf("reading outbox dir: %w", err)
	}

	for _, e := range entries {
		path := filepath.Join(o.dir, e.Name())
		if e.Type().IsRegular() && !o.shouldIgnore(path) {
			o.queued[path] = struct{}{}
		}
	}

	return nil
}

func (o *Outbox) handleFile(ctx context.Context, absPath string) {
	if !o.sender.Connected() {
		o.queued[absPath] = struct{}{}
		o.logger.Debug("queued file (disconnected)", slog.String("path", absPath))

		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Warn("stat failed", slog.String("path", absPath), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	if info.Size() > outboxMaxBytes {
		o.logger.Warn("file too large, skipping",
			slog.String("path", absPath),
			slog.String("size", humanize.Bytes(uint64(info.Size()))),
		)

		return
	}

	f, err := os.Open(absPath)
	if err != nil {
		o.logger.Warn("opening file", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}

	name := filepath.Base(absPath)
	_, err = o.sender.SendFile(ctx, name, f)
	f.Close()

	if err != nil {
		if errors.Is(err, chaterrors.ErrNoConversation) {
			o.queued[absPath] = struct{}{}
			o.logger.Info("no active conversation, file waits in outbox", slog.String("file", name))

			return
		}

		o.logger.Warn("sending file failed",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		o.requeueIfDisconnected(absPath)

		return
	}

	if err := os.Remove(absPath); err != nil {
		o.logger.Warn("removing sent file", slog.String("path", absPath), slog.String("error", err.Error()))
	}

	o.logger.Info("sent attachment",
		slog.String("file", name),
		slog.String("size", humanize.Bytes(uint64(info.Size()))),
	)
}

// requeueIfDisconnected keeps a failed file for the next reconnect. If
// still connected, the server rejected it and retrying won't help.
func (o *Outbox) requeueIfDisconnected(absPath string) {
	if !o.sender.Connected() {
		o.queued[absPath] = struct{}{}
		o.logger.Debug("re-queued after send failure", slog.String("path", absPath))
	}
}

// drainQueue sends queued files once the connection is up and a
// conversation is open.
func (o *Outbox) drainQueue(ctx context.Context) {
	if len(o.queued) == 0 || !o.sender.Connected() || o.sender.Active().IsZero() {
		return
	}

	o.logger.Info("draining queued files", slog.Int("count", len(o.queued)))

	paths := make([]string, 0, len(o.queued))
	for p := range o.queued {
		paths = append(paths, p)
	}

	for _, p := range paths {
		delete(o.queued, p)
		o.handleFile(ctx, p)

		if !o.sender.Connected() {
			break
		}
	}
}

func (o *Outbox) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") ||
		strings.HasSuffix(base, ".crdownload") {
		return true
	}

	return false
}

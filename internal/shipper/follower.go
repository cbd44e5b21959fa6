package shipper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/ptytee/internal/session"
)

const (
	debounceDefault = 200 * time.Millisecond
	pollDefault     = 2 * time.Second
)

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	BaseDir string
	Sinks   []Sink
	Store   *StateStore
	// LockPath holds the PID lock. Empty disables locking.
	LockPath      string
	Envelope      EnvelopeOptions
	BatchSize     int
	PollInterval  time.Duration
	PollOnly      bool
	FromBeginning bool
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Follower tails every transcript under BaseDir and ships new records to
// all sinks. Offsets advance only after every sink acknowledged a batch.
type Follower struct {
	cfg      FollowerConfig
	log      *slog.Logger
	tracked  map[string]bool
	debounce time.Duration
	// started is set after the initial scan; files discovered later were
	// created while following and start at offset zero.
	started bool
}

// NewFollower validates cfg and returns a follower.
func NewFollower(cfg FollowerConfig) (*Follower, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("shipper: base directory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("shipper: state store is required")
	}
	if len(cfg.Sinks) == 0 {
		return nil, errors.New("shipper: at least one sink is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = pollDefault
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Follower{
		cfg:      cfg,
		log:      log,
		tracked:  make(map[string]bool),
		debounce: debounceDefault,
	}, nil
}

// Run follows until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.cfg.BaseDir, 0o750); err != nil {
		return fmt.Errorf("shipper: create base dir: %w", err)
	}
	if f.cfg.LockPath != "" {
		if err := acquirePIDLock(f.cfg.LockPath); err != nil {
			return fmt.Errorf("shipper: acquire PID lock: %w", err)
		}
		defer func() { _ = os.Remove(f.cfg.LockPath) }()
	}

	f.log.Info("following transcripts", "base", f.cfg.BaseDir, "sinks", len(f.cfg.Sinks), "poll", f.cfg.PollOnly)
	f.Rescan(ctx)

	if f.cfg.PollOnly {
		return f.poll(ctx)
	}
	return f.watch(ctx)
}

func (f *Follower) poll(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Rescan(ctx)
		}
	}
}

func (f *Follower) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return f.poll(ctx)
	}
	defer func() { _ = watcher.Close() }()

	if err := addTree(watcher, f.cfg.BaseDir); err != nil {
		return fmt.Errorf("shipper: watch %s: %w", f.cfg.BaseDir, err)
	}

	dirty := make(map[string]bool)
	debounceTimer := time.NewTimer(f.debounce)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	rescan := time.NewTicker(f.cfg.PollInterval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-rescan.C:
			f.Rescan(ctx)

		case <-debounceTimer.C:
			for path := range dirty {
				f.ship(ctx, path)
			}
			dirty = make(map[string]bool)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						f.log.Warn("watch directory", "dir", event.Name, "error", err)
					}
					f.scanDir(ctx, event.Name)
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !session.IsTranscript(event.Name) {
				continue
			}
			if !f.tracked[event.Name] {
				f.track(ctx, event.Name, true)
			}
			dirty[event.Name] = true
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(f.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watcher error", "error", err)
		}
	}
}

// addTree watches dir and every directory below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Rescan discovers transcripts under the base directory and ships what is
// pending in each.
func (f *Follower) Rescan(ctx context.Context) {
	f.scanDir(ctx, f.cfg.BaseDir)
	f.started = true
	for path := range f.tracked {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			delete(f.tracked, path)
			if err := f.cfg.Store.Delete(ctx, path); err != nil {
				f.log.Warn("forget removed transcript", "path", path, "error", err)
			}
		}
	}
	f.setGauge()
}

func (f *Follower) scanDir(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !session.IsTranscript(path) {
			return nil
		}
		if !f.tracked[path] {
			f.track(ctx, path, f.started)
		}
		f.ship(ctx, path)
		return nil
	})
}

// track registers path. Files without a stored offset start at the
// beginning when fresh is set (created while following) or when
// FromBeginning is configured, else at their current size.
func (f *Follower) track(ctx context.Context, path string, fresh bool) {
	f.tracked[path] = true
	f.setGauge()
	_, ok, err := f.cfg.Store.Get(ctx, path)
	if err != nil {
		f.log.Warn("read offset", "path", path, "error", err)
		return
	}
	if ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	start := info.Size()
	if fresh || f.cfg.FromBeginning {
		start = 0
	}
	if err := f.cfg.Store.Put(ctx, Offset{Path: path, Offset: start, Size: info.Size(), MTime: info.ModTime()}); err != nil {
		f.log.Warn("store offset", "path", path, "error", err)
	}
}

func (f *Follower) setGauge() {
	if f.cfg.Metrics != nil {
		f.cfg.Metrics.Files.Set(float64(len(f.tracked)))
	}
}

// ship sends everything after the stored offset of path. It stops at the
// first batch a sink rejects so the next attempt resends it.
func (f *Follower) ship(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	off, _, err := f.cfg.Store.Get(ctx, path)
	if err != nil {
		f.log.Warn("read offset", "path", path, "error", err)
		return
	}
	off.Path = path
	if off.Offset > info.Size() {
		f.log.Info("transcript truncated, restarting from zero", "path", path)
		off.Offset = 0
	}
	if off.Offset == info.Size() {
		return
	}

	chunk, err := ReadFrom(path, off.Offset)
	if err != nil {
		f.log.Warn("read transcript", "path", path, "error", err)
		return
	}
	if chunk.Malformed > 0 {
		f.log.Warn("skipped malformed lines", "path", path, "count", chunk.Malformed)
	}

	for _, batch := range batches(chunk.Records, f.cfg.BatchSize) {
		events := envelopes(batch, f.cfg.Envelope)
		if err := f.fanOut(ctx, events); err != nil {
			f.log.Warn("ship batch", "path", path, "events", len(events), "error", err)
			return
		}
		off.Offset = batch[len(batch)-1].End
		f.commit(ctx, off, info)
		f.log.Debug("shipped batch", "path", path, "events", len(events))
	}
	if off.Offset < chunk.Next {
		off.Offset = chunk.Next
		f.commit(ctx, off, info)
	}
}

func (f *Follower) commit(ctx context.Context, off Offset, info os.FileInfo) {
	off.Size = info.Size()
	off.MTime = info.ModTime()
	if err := f.cfg.Store.Put(ctx, off); err != nil {
		f.log.Warn("store offset", "path", off.Path, "error", err)
	}
}

// fanOut sends events to every sink concurrently.
func (f *Follower) fanOut(ctx context.Context, events []Event) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range f.cfg.Sinks {
		g.Go(func() error {
			if err := s.Send(gctx, events); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/observability"
	"github.com/platinummonkey/datafold/internal/schema"
)

// Discoverer watches a directory of schema JSON files and loads newly
// dropped or modified schemas into a Store as Available, the way the
// system discovers schemas "on disk" per spec §4.3's state diagram.
type Discoverer struct {
	dir     string
	store   *Store
	logger  *observability.Logger
	watcher *fsnotify.Watcher
}

// NewDiscoverer creates a Discoverer rooted at dir. Call Scan once to pick
// up pre-existing files, then Watch to follow new ones.
func NewDiscoverer(dir string, store *Store, logger *observability.Logger) (*Discoverer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "lifecycle: creating schema directory watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fault.Wrap(fault.StorageFault, err, "lifecycle: watching %s", dir)
	}
	return &Discoverer{dir: dir, store: store, logger: logger, watcher: watcher}, nil
}

// Close stops the underlying filesystem watch.
func (d *Discoverer) Close() error { return d.watcher.Close() }

// Scan loads every *.json file currently in the schema directory.
func (d *Discoverer) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fault.Wrap(fault.StorageFault, err, "lifecycle: reading schema directory %s", d.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := d.loadFile(ctx, filepath.Join(d.dir, entry.Name())); err != nil {
			if d.logger != nil {
				d.logger.WithError(err).Warnf("lifecycle: skipping schema file %s", entry.Name())
			}
			continue
		}
	}
	return nil
}

// Watch blocks, loading any schema file that is created or written until
// ctx is cancelled.
func (d *Discoverer) Watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := d.loadFile(ctx, event.Name); err != nil && d.logger != nil {
				d.logger.WithError(err).Warnf("lifecycle: failed to load schema file %s", event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			if d.logger != nil {
				d.logger.WithError(err).Warn("lifecycle: schema directory watch error")
			}
		}
	}
}

func (d *Discoverer) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.StorageFault, err, "lifecycle: reading %s", path)
	}
	sc, err := schema.ParseJSON(data)
	if err != nil {
		return err
	}
	if err := d.store.LoadSchema(ctx, sc); err != nil {
		return err
	}
	if d.logger != nil {
		d.logger.Infof("lifecycle: discovered schema %s from %s", sc.Name, path)
	}
	return nil
}

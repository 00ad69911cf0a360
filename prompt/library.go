package prompt

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// Extensions recognised as prompt documents
var DocumentExtensions = []string{".prompt", ".tmpl", ".md"}

// Library is a directory of prompt documents, indexed by name.
// Several versions of one name may coexist; Get serves the highest.
type Library struct {
	dir    string
	log    *zap.SugaredLogger
	mu     sync.RWMutex
	byName map[string][]*Document // sorted by descending version

	debounce time.Duration
}

// NewLibrary creates an empty library rooted at dir. Call Load to read it.
func NewLibrary(dir string, log *zap.SugaredLogger) *Library {
	return &Library{
		dir:      dir,
		log:      logger.OrNop(log),
		byName:   make(map[string][]*Document),
		debounce: 250 * time.Millisecond,
	}
}

// OpenLibrary creates a library and loads it
func OpenLibrary(dir string, log *zap.SugaredLogger) (*Library, error) {
	lib := NewLibrary(dir, log)
	if err := lib.Load(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Dir returns the library directory
func (l *Library) Dir() string {
	return l.dir
}

// Load (re)reads every document in the directory. On error the previous
// contents are kept.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrapf(err, "read prompt library %s", l.dir)
	}

	byName := make(map[string][]*Document)
	for _, entry := range entries {
		if entry.IsDir() || !isDocumentFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		doc, err := LoadDocument(path)
		if err != nil {
			return err
		}
		byName[doc.Metadata.Name] = append(byName[doc.Metadata.Name], doc)
	}

	for name, docs := range byName {
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].SemVer().GreaterThan(docs[j].SemVer())
		})
		if len(docs) > 1 && docs[0].SemVer().Equal(docs[1].SemVer()) {
			return errors.Newf("prompt %q: %s and %s declare the same version %s",
				name, docs[0].Path, docs[1].Path, docs[0].SemVer())
		}
	}

	l.mu.Lock()
	l.byName = byName
	l.mu.Unlock()

	l.log.Debugw("Prompt library loaded", logger.FieldPath, l.dir, logger.FieldCount, len(byName))
	return nil
}

// LoadDocument reads one document. An unnamed document takes its file stem as name.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read prompt %s", path)
	}
	doc, err := ParseDocument(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "prompt %s", path)
	}
	doc.Path = path
	if doc.Metadata.Name == "" {
		base := filepath.Base(path)
		doc.Metadata.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return doc, nil
}

// Get returns the highest version of the named document
func (l *Library) Get(name string) (*Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	docs := l.byName[name]
	if len(docs) == 0 {
		return nil, errors.NewNotFoundError("prompt %q not in library %s", name, l.dir)
	}
	return docs[0], nil
}

// GetVersion returns the highest version of name satisfying constraint, e.g. "^1.2"
func (l *Library) GetVersion(name, constraint string) (*Document, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "version constraint %q: %v", constraint, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, doc := range l.byName[name] {
		if c.Check(doc.SemVer()) {
			return doc, nil
		}
	}
	return nil, errors.NewNotFoundError("prompt %q has no version matching %s", name, constraint)
}

// Names lists document names in sorted order
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the library when files in its directory change, until ctx is done.
// Bursts of events are debounced; a failed reload is logged and the previous
// contents stay in place.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return errors.Wrapf(err, "failed to watch %s", l.dir)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !isDocumentFile(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				l.log.Debugw("Prompt library change", logger.FieldPath, event.Name, "op", event.Op.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(l.debounce, func() {
					if err := l.Load(); err != nil {
						l.log.Warnw("Prompt library reload failed", logger.FieldError, err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warnw("Prompt library watcher error", logger.FieldError, err)
			}
		}
	}()
	return nil
}

func isDocumentFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range DocumentExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

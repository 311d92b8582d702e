// Package docs is the team document store: named files scoped per workflow
// instance, shared by agents through the document tools.
package docs

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Provider is the narrow surface the tool layer sees. Implementations map
// (workflow, tag, path) onto some backing store.
type Provider interface {
	// Read returns the document content, with found=false when it does
	// not exist.
	Read(workflow, tag, path string) (content string, found bool, err error)
	Write(workflow, tag, path, content string) error
	Append(workflow, tag, path, content string) error
	// List returns the document paths in a workflow instance, excluding
	// internal underscore-prefixed directories.
	List(workflow, tag string) ([]string, error)
	// Create writes a new document and fails if it already exists.
	Create(workflow, tag, path, content string) error
}

// Triggerable is poked after a same-process document write so a watcher
// does not depend on the OS delivering the event.
type Triggerable interface {
	Trigger(workflow, tag string)
}

// Dir is the default Provider: documents live under
// <base>/<workflow>/<tag>/<path>.
type Dir struct {
	base     string
	logger   *log.Logger
	notifier Triggerable // optional; set via SetNotifier after construction
}

// NewDir returns a file-backed provider rooted at base.
func NewDir(base string, logger *log.Logger) *Dir {
	return &Dir{base: base, logger: logger}
}

// SetNotifier attaches a Triggerable (e.g. *Watcher) poked after every write.
func (d *Dir) SetNotifier(n Triggerable) {
	d.notifier = n
}

// Read returns the document content, or found=false when it does not exist.
func (d *Dir) Read(workflow, tag, path string) (string, bool, error) {
	full, err := d.resolve(workflow, tag, path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read document %s: %w", path, err)
	}
	return string(data), true, nil
}

// Write stores the document, replacing any existing content and creating
// parent directories as needed.
func (d *Dir) Write(workflow, tag, path, content string) error {
	full, err := d.resolve(workflow, tag, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("write document %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", path, err)
	}
	d.poke(workflow, tag)
	return nil
}

// Append adds content to the end of the document, creating it when missing.
func (d *Dir) Append(workflow, tag, path, content string) error {
	full, err := d.resolve(workflow, tag, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("append document %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append document %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("append document %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("append document %s: %w", path, err)
	}
	d.poke(workflow, tag)
	return nil
}

// List returns the relative paths of all documents in the workflow
// instance, in lexical order. Underscore-prefixed directories are internal
// and skipped. A missing scope directory yields an empty list.
func (d *Dir) List(workflow, tag string) ([]string, error) {
	scope := filepath.Join(d.base, workflow, tag)
	var out []string
	err := filepath.WalkDir(scope, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == scope && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), "_") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(scope, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents %s:%s: %w", workflow, tag, err)
	}
	return out, nil
}

// Create writes a new document and fails if the target already exists.
func (d *Dir) Create(workflow, tag, path, content string) error {
	full, err := d.resolve(workflow, tag, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create document %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("document %s already exists", path)
	}
	if err != nil {
		return fmt.Errorf("create document %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("create document %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("create document %s: %w", path, err)
	}
	d.poke(workflow, tag)
	return nil
}

// resolve maps a document path into the scope directory. Paths come from
// untrusted worker input, so anything escaping the scope is rejected.
func (d *Dir) resolve(workflow, tag, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("document path is required")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("document path %q escapes the workspace", rel)
	}
	return filepath.Join(d.base, workflow, tag, clean), nil
}

func (d *Dir) poke(workflow, tag string) {
	if d.notifier != nil {
		d.notifier.Trigger(workflow, tag)
	}
}

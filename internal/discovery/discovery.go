// Package discovery manages the daemon discovery file: a small JSON record
// clients read to find the running daemon's address. A record whose pid is
// dead counts as no daemon.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Record is the discovery file's content.
type Record struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// Addr returns the daemon's host:port.
func (r Record) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Write stores the record at path, replacing a stale file from a dead
// daemon. A record from a live daemon is left alone and reported as an error.
func Write(path string, rec Record) error {
	if existing, err := Read(path); err == nil && existing.PID != rec.PID && IsAlive(existing.PID) {
		return fmt.Errorf("daemon already running (pid %d at %s)", existing.PID, existing.Addr())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create discovery dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode discovery record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write discovery file: %w", err)
	}
	return nil
}

// Read loads the record at path. A missing file is reported as os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode discovery file %s: %w", path, err)
	}
	return rec, nil
}

// Find returns the live daemon record at path, or ok=false when there is no
// file or its pid is dead.
func Find(path string) (Record, bool) {
	rec, err := Read(path)
	if err != nil {
		return Record{}, false
	}
	if !IsAlive(rec.PID) {
		return Record{}, false
	}
	return rec, true
}

// Remove deletes the discovery file. Already-gone files are fine.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// IsAlive reports whether a process with the given pid exists, using signal
// 0 which performs the check without delivering anything.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

var (
	ErrLocked   = errors.New("device is locked by another tick")
	ErrNotFound = errors.New("not found")
)

// testHookBeforeRename runs after the temp file is synced and before it
// replaces the canonical path.
var testHookBeforeRename func(tmp string) error

// Store persists DeviceState documents.
type Store struct {
	Layout Layout
}

func New(root string) Store {
	return Store{Layout: Layout{Root: root}}
}

// Load returns the persisted state, or a fresh default when none exists yet.
func (s Store) Load(deviceID string) (domain.DeviceState, error) {
	path := s.Layout.StatePath(deviceID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.NewDeviceState(deviceID), nil
		}
		return domain.DeviceState{}, fmt.Errorf("read state: %w", err)
	}
	var st domain.DeviceState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.DeviceState{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.DeviceID != deviceID {
		return domain.DeviceState{}, fmt.Errorf("state %s belongs to device %q", path, st.DeviceID)
	}
	normalize(&st)
	return st, nil
}

// Exists reports whether a state document has been saved.
func (s Store) Exists(deviceID string) bool {
	_, err := os.Stat(s.Layout.StatePath(deviceID))
	return err == nil
}

// Save atomically replaces state.json.
func (s Store) Save(deviceID string, st domain.DeviceState) error {
	if st.DeviceID != deviceID {
		return fmt.Errorf("refusing to save state of device %q as %q", st.DeviceID, deviceID)
	}
	normalize(&st)
	data, err := MarshalState(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Layout.DeviceDir(deviceID), 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}
	return WriteFileAtomic(s.Layout.StatePath(deviceID), data, 0o644)
}

// MarshalState renders the canonical state.json bytes.
func MarshalState(st domain.DeviceState) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteJSON writes v as indented JSON through WriteFileAtomic.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// WriteFileAtomic writes to a temp file in the same directory, fsyncs it,
// renames it over path and fsyncs the directory. A crash at any point leaves
// either the old or the new content at path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if testHookBeforeRename != nil {
		if err := testHookBeforeRename(tmpName); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return nil
}

func normalize(st *domain.DeviceState) {
	if st.SchemaVersion == "" {
		st.SchemaVersion = domain.SchemaVersion
	}
	if st.Status == "" {
		st.Status = domain.DeviceActive
	}
	if st.Tasks == nil {
		st.Tasks = []domain.Task{}
	}
	if st.HardwareRequests == nil {
		st.HardwareRequests = []domain.HardwareRequest{}
	}
	if st.Incidents == nil {
		st.Incidents = []domain.Incident{}
	}
	if st.Artifacts == nil {
		st.Artifacts = []domain.Artifact{}
	}
	for i := range st.Artifacts {
		if st.Artifacts[i].InputRefs == nil {
			st.Artifacts[i].InputRefs = []string{}
		}
	}
}

// Lock is an exclusive per-device lock held for the duration of a tick.
type Lock struct {
	fl *flock.Flock
}

// Lock acquires the device lock without blocking. It returns ErrLocked when
// another live process holds it.
func (s Store) Lock(deviceID string) (*Lock, error) {
	if err := os.MkdirAll(s.Layout.DeviceDir(deviceID), 0o755); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}
	fl := flock.New(s.Layout.LockPath(deviceID))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

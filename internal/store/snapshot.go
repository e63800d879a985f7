package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

const snapshotVersion = 1

// Snapshot is the persisted form of a marking session. It carries data
// only, so a resumed session starts with a fresh engine.
type Snapshot struct {
	Version     int                 `yaml:"version" toml:"version"`
	SavedAt     time.Time           `yaml:"savedAt" toml:"savedAt"`
	Scripts     []string            `yaml:"scripts" toml:"scripts"`
	Submissions []models.Submission `yaml:"submissions" toml:"submissions"`
}

// Snapshot exports the store together with the scripts that produced its results.
func (s *Store) Snapshot(scripts []string) Snapshot {
	return Snapshot{
		Version:     snapshotVersion,
		SavedAt:     time.Now().UTC(),
		Scripts:     append([]string(nil), scripts...),
		Submissions: s.All(),
	}
}

// FromSnapshot rebuilds a store from a snapshot.
func FromSnapshot(snap Snapshot) (*Store, error) {
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	st := New()
	for _, sub := range snap.Submissions {
		if err := st.Add(sub); err != nil {
			return nil, fmt.Errorf("restore %s: %w", sub.Directory, err)
		}
	}
	return st, nil
}

// SaveSnapshot writes snap to path, as TOML for a .toml extension and YAML otherwise.
func SaveSnapshot(path string, snap Snapshot) error {
	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	}

	// Write next to the target and rename so a crash never leaves half a backup.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a file written by SaveSnapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if isTOML(path) {
		err = toml.Unmarshal(data, &snap)
	} else {
		err = yaml.Unmarshal(data, &snap)
	}
	if err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

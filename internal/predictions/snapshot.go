package predictions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// snapshotter keeps one JSONL file of entries per project.
type snapshotter struct {
	dir string
	mu  sync.Mutex

	// One writer per project at a time; concurrent updates only mark it dirty.
	stateMu  sync.Mutex
	dirty    map[string]bool
	flushing map[string]bool
}

func newSnapshotter(dir string) *snapshotter {
	return &snapshotter{dir: dir, dirty: make(map[string]bool), flushing: make(map[string]bool)}
}

// schedule rewrites the project's snapshot from collect. If another caller is
// already writing that project, the change is left for it and schedule
// returns at once; the writer loops until no update arrived during its save.
func (s *snapshotter) schedule(projectID string, collect func() []Entry) {
	s.stateMu.Lock()
	s.dirty[projectID] = true
	if s.flushing[projectID] {
		s.stateMu.Unlock()
		return
	}
	s.flushing[projectID] = true
	for s.dirty[projectID] {
		s.dirty[projectID] = false
		s.stateMu.Unlock()

		if err := s.save(projectID, collect()); err != nil {
			log.Error().Err(err).Str("project", projectID).Msg("Failed to persist prediction snapshot")
		}

		s.stateMu.Lock()
	}
	delete(s.flushing, projectID)
	delete(s.dirty, projectID)
	s.stateMu.Unlock()
}

func (s *snapshotter) path(projectID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.predictions.jsonl", url.PathEscape(projectID)))
}

// load reads a project's snapshot. A missing file is not an error.
func (s *snapshotter) load(projectID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Warn().Err(err).Str("project", projectID).Msg("Skipping invalid JSON line in snapshot")
			continue
		}
		if e.Key.ProjectID != projectID {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading snapshot: %w", err)
	}

	log.Info().Str("project", projectID).Int("count", len(entries)).Msg("Loaded predictions from snapshot")
	return entries, nil
}

// save replaces a project's snapshot atomically. An empty set removes the file.
func (s *snapshotter) save(projectID string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(projectID)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}

	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	for _, e := range entries {
		if err := encoder.Encode(e); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	log.Debug().Str("project", projectID).Int("count", len(entries)).Msg("Prediction snapshot saved")
	return nil
}

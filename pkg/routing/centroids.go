package routing

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CentroidStore holds one L2-normalized prototype vector per route,
// loaded from gob files named <route>.gob. The directory is watched and
// centroids reload on change.
type CentroidStore struct {
	mu        sync.RWMutex
	dir       string
	centroids map[string][]float32
	watcher   *fsnotify.Watcher
}

// NewCentroidStore loads the directory and starts watching it. A
// missing directory yields an empty store; the centroid stage is then
// skipped.
func NewCentroidStore(dir string) *CentroidStore {
	s := &CentroidStore{dir: dir, centroids: make(map[string][]float32)}
	if err := s.Load(); err != nil {
		slog.Warn("Failed to load centroids", "dir", dir, "error", err)
	}
	s.watch()
	return s
}

// Load re-reads every centroid file. Broken files are skipped.
func (s *CentroidStore) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := make(map[string][]float32)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".gob") {
			continue
		}
		route := strings.TrimSuffix(name, ".gob")
		vec, err := readCentroid(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("Skipping centroid file", "file", name, "error", err)
			continue
		}
		loaded[route] = vec
	}

	s.mu.Lock()
	s.centroids = loaded
	s.mu.Unlock()

	if len(loaded) > 0 {
		slog.Info("Loaded centroids", "count", len(loaded), "dir", s.dir)
	}
	return nil
}

func (s *CentroidStore) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Centroid watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := s.Load(); err != nil {
						slog.Warn("Centroid reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Centroid watcher error", "error", err)
			}
		}
	}()
}

// Close stops the directory watcher.
func (s *CentroidStore) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Count reports how many centroids are loaded.
func (s *CentroidStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.centroids)
}

// Classify scores an embedded query against every centroid by dot
// product. Confidence is the gap between the top two scores. Exact ties
// resolve to the lexicographically smallest route name. ok is false when
// no centroids are loaded.
func (s *CentroidStore) Classify(vec []float32) (route string, confidence float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.centroids) == 0 {
		return "", 0, false
	}

	names := make([]string, 0, len(s.centroids))
	for name := range s.centroids {
		names = append(names, name)
	}
	sort.Strings(names)

	best, second := -2.0, -2.0
	bestName := ""
	for _, name := range names {
		score := dot(vec, s.centroids[name])
		// Strict improvement keeps the smallest name on ties.
		if score > best {
			second = best
			best = score
			bestName = name
		} else if score > second {
			second = score
		}
	}

	if len(names) == 1 {
		return bestName, best, true
	}
	return bestName, best - second, true
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func readCentroid(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vec []float32
	if err := gob.NewDecoder(f).Decode(&vec); err != nil {
		return nil, fmt.Errorf("failed to decode centroid: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty centroid vector")
	}
	return vec, nil
}

// WriteCentroid persists one route's centroid vector.
func WriteCentroid(dir, route string, vec []float32) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, route+".gob"))
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(vec)
}

package chunkserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	dfs "github.com/ApurboSM/hdfs-lite"
)

const filePerm = 0755

// diskStore keeps one file per chunk, named by chunk identifier, raw
// bytes as contents. No sidecar metadata.
type diskStore struct {
	mu     sync.RWMutex
	dir    string
	chunks map[dfs.ChunkID]string // chunk id -> path
}

// newDiskStore opens the storage directory and rediscovers surviving
// chunks by name.
func newDiskStore(dir string) (*diskStore, error) {
	if err := os.MkdirAll(dir, filePerm); err != nil {
		return nil, fmt.Errorf("storage dir %s: %w", dir, err)
	}
	s := &diskStore{dir: dir, chunks: make(map[dfs.ChunkID]string)}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// rescan enumerates the directory; every name conforming to the
// chunk-identifier grammar is a known chunk.
func (s *diskStore) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan storage dir %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[dfs.ChunkID]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "chunk_") {
			continue
		}
		sep := strings.LastIndex(e.Name(), "_")
		if sep < len("chunk_") {
			continue
		}
		if _, err := strconv.ParseUint(e.Name()[sep+1:], 10, 64); err != nil {
			continue
		}
		id := dfs.ChunkID(e.Name())
		s.chunks[id] = filepath.Join(s.dir, e.Name())
	}
	return nil
}

// Put persists the blob atomically: a stray temp file never shows up
// as a chunk, and a failed write leaves no partial blob behind.
func (s *diskStore) Put(id dfs.ChunkID, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("store %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store %s: %w", id, err)
	}

	final := filepath.Join(s.dir, string(id))
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store %s: %w", id, err)
	}

	s.mu.Lock()
	s.chunks[id] = final
	s.mu.Unlock()
	return nil
}

func (s *diskStore) Get(id dfs.ChunkID) ([]byte, error) {
	s.mu.RLock()
	path, ok := s.chunks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, dfs.Errorf(dfs.CodeChunkMissing, "Chunk not found: %s", id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dfs.Errorf(dfs.CodeInternal, "read chunk %s: %v", id, err)
	}
	return data, nil
}

func (s *diskStore) Delete(id dfs.ChunkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.chunks[id]
	if !ok {
		return dfs.Errorf(dfs.CodeChunkMissing, "Chunk not found: %s", id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dfs.Errorf(dfs.CodeInternal, "delete chunk %s: %v", id, err)
	}
	delete(s.chunks, id)
	return nil
}

// List returns the current inventory for heartbeat reporting.
func (s *diskStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		out = append(out, string(id))
	}
	return out
}

func (s *diskStore) Dir() string {
	return s.dir
}

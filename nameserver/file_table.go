package nameserver

import (
	"sort"
	"sync"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/wire"
	log "github.com/sirupsen/logrus"
)

// fileTable is the authoritative filename -> FileMeta index. Records
// are installed whole on upload_complete, so readers never observe a
// partial file.
type fileTable struct {
	sync.RWMutex
	files map[string]*dfs.FileMeta
}

func newFileTable() *fileTable {
	return &fileTable{files: make(map[string]*dfs.FileMeta)}
}

// Install creates the record for an uploaded file, overwriting any
// previous record under the same name (last writer wins).
func (ft *fileTable) Install(meta *dfs.FileMeta) {
	ft.Lock()
	defer ft.Unlock()

	meta.CreatedAt = time.Now()
	ft.files[meta.Name] = meta
	log.Infof("file uploaded: %v (%v bytes, %v chunks)", meta.Name, meta.Size, len(meta.Chunks))
}

// Get returns a deep copy so callers hold no reference into the table.
func (ft *fileTable) Get(name string) (*dfs.FileMeta, bool) {
	ft.RLock()
	defer ft.RUnlock()

	f, ok := ft.files[name]
	if !ok {
		return nil, false
	}
	cp := *f
	cp.Chunks = make(map[dfs.ChunkIndex][]dfs.NodeID, len(f.Chunks))
	for idx, nodes := range f.Chunks {
		cp.Chunks[idx] = append([]dfs.NodeID(nil), nodes...)
	}
	return &cp, true
}

// Delete removes the record. Chunk servers are not contacted; their
// blobs leak until reconciled out of band.
func (ft *fileTable) Delete(name string) bool {
	ft.Lock()
	defer ft.Unlock()

	if _, ok := ft.files[name]; !ok {
		return false
	}
	delete(ft.files, name)
	log.Infof("file deleted: %v", name)
	return true
}

// List returns summaries sorted by filename.
func (ft *fileTable) List() []wire.FileSummary {
	ft.RLock()
	defer ft.RUnlock()

	out := make([]wire.FileSummary, 0, len(ft.files))
	for _, f := range ft.files {
		out = append(out, wire.FileSummary{
			Filename:  f.Name,
			Size:      f.Size,
			Chunks:    len(f.Chunks),
			CreatedAt: f.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// RemoveNodes strips dead node ids from every chunk's replica list.
func (ft *fileTable) RemoveNodes(dead []dfs.NodeID) {
	if len(dead) == 0 {
		return
	}
	gone := make(map[dfs.NodeID]bool, len(dead))
	for _, id := range dead {
		gone[id] = true
	}

	ft.Lock()
	defer ft.Unlock()

	for name, f := range ft.files {
		for idx, nodes := range f.Chunks {
			kept := nodes[:0]
			for _, id := range nodes {
				if !gone[id] {
					kept = append(kept, id)
				} else {
					log.Infof("removed %v from %v chunk %v", id, name, idx)
				}
			}
			f.Chunks[idx] = kept
		}
	}
}

// UnderReplicated reports per-file chunk indices below the replication
// factor.
func (ft *fileTable) UnderReplicated() map[string][]dfs.ChunkIndex {
	ft.RLock()
	defer ft.RUnlock()

	out := make(map[string][]dfs.ChunkIndex)
	for name, f := range ft.files {
		if under := f.UnderReplicated(); len(under) > 0 {
			sort.Slice(under, func(i, j int) bool { return under[i] < under[j] })
			out[name] = under
		}
	}
	return out
}

// Totals returns file, byte and chunk counts.
func (ft *fileTable) Totals() (files int, bytes int64, chunks int) {
	ft.RLock()
	defer ft.RUnlock()

	for _, f := range ft.files {
		files++
		bytes += f.Size
		chunks += len(f.Chunks)
	}
	return
}

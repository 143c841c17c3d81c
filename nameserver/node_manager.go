package nameserver

import (
	"sort"
	"sync"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/wire"
	log "github.com/sirupsen/logrus"
)

// nodeManager tracks the chunk-server fleet. Records are created by
// register and mutated by heartbeats and the liveness scan; they are
// never destroyed.
type nodeManager struct {
	sync.RWMutex
	nodes           map[dfs.NodeID]*nodeInfo
	livenessTimeout time.Duration
}

type nodeInfo struct {
	id             dfs.NodeID
	host           string
	port           int
	lastHeartbeat  time.Time
	availableSpace uint64
	totalSpace     uint64
	chunks         map[dfs.ChunkID]bool
	alive          bool
}

func newNodeManager(livenessTimeout time.Duration) *nodeManager {
	return &nodeManager{
		nodes:           make(map[dfs.NodeID]*nodeInfo),
		livenessTimeout: livenessTimeout,
	}
}

func (nm *nodeManager) addr(n *nodeInfo) dfs.NodeAddr {
	return dfs.NodeAddr{ID: n.id, Host: n.host, Port: n.port}
}

// Register creates the record on first contact. Re-registering an
// existing id succeeds without mutation.
func (nm *nodeManager) Register(id dfs.NodeID, host string, port int) bool {
	nm.Lock()
	defer nm.Unlock()

	if _, ok := nm.nodes[id]; ok {
		return false
	}
	nm.nodes[id] = &nodeInfo{
		id:            id,
		host:          host,
		port:          port,
		lastHeartbeat: time.Now(),
		chunks:        make(map[dfs.ChunkID]bool),
		alive:         true,
	}
	log.Infof("datanode registered: %v (%v:%v)", id, host, port)
	return true
}

// Heartbeat refreshes the record. It is the only path that brings a
// dead node back to alive.
func (nm *nodeManager) Heartbeat(id dfs.NodeID, available, total uint64, chunks []string) error {
	nm.Lock()
	defer nm.Unlock()

	n, ok := nm.nodes[id]
	if !ok {
		return dfs.Errorf(dfs.CodeUnknownNode, "DataNode not registered")
	}
	n.lastHeartbeat = time.Now()
	n.availableSpace = available
	n.totalSpace = total
	n.chunks = make(map[dfs.ChunkID]bool, len(chunks))
	for _, c := range chunks {
		n.chunks[dfs.ChunkID(c)] = true
	}
	n.alive = true
	return nil
}

// Place snapshots the live fleet sorted descending by available bytes
// and returns the top count. Fewer live nodes than count is the
// caller's failure to surface.
func (nm *nodeManager) Place(count int) []dfs.NodeAddr {
	nm.RLock()
	defer nm.RUnlock()

	var live []*nodeInfo
	for _, n := range nm.nodes {
		if n.alive {
			live = append(live, n)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].availableSpace != live[j].availableSpace {
			return live[i].availableSpace > live[j].availableSpace
		}
		return live[i].id < live[j].id
	})
	if len(live) > count {
		live = live[:count]
	}

	addrs := make([]dfs.NodeAddr, 0, len(live))
	for _, n := range live {
		addrs = append(addrs, nm.addr(n))
	}
	return addrs
}

// FilterAlive maps replica ids to addresses, dropping dead or unknown
// nodes and keeping the stored order.
func (nm *nodeManager) FilterAlive(ids []dfs.NodeID) []dfs.NodeAddr {
	nm.RLock()
	defer nm.RUnlock()

	var out []dfs.NodeAddr
	for _, id := range ids {
		if n, ok := nm.nodes[id]; ok && n.alive {
			out = append(out, nm.addr(n))
		}
	}
	return out
}

// ScanDead flips stale nodes to dead and returns the newly-dead ids.
func (nm *nodeManager) ScanDead() []dfs.NodeID {
	nm.Lock()
	defer nm.Unlock()

	now := time.Now()
	var dead []dfs.NodeID
	for id, n := range nm.nodes {
		if n.alive && now.Sub(n.lastHeartbeat) >= nm.livenessTimeout {
			n.alive = false
			dead = append(dead, id)
			log.Warningf("datanode dead: %v (no heartbeat)", id)
		}
	}
	return dead
}

// Status reports every record, dead or alive.
func (nm *nodeManager) Status() []wire.NodeStatus {
	nm.RLock()
	defer nm.RUnlock()

	out := make([]wire.NodeStatus, 0, len(nm.nodes))
	for _, n := range nm.nodes {
		out = append(out, wire.NodeStatus{
			NodeID:         string(n.id),
			Host:           n.host,
			Port:           n.port,
			LastHeartbeat:  n.lastHeartbeat.Unix(),
			AvailableSpace: n.availableSpace,
			TotalSpace:     n.totalSpace,
			IsAlive:        n.alive,
			ChunkCount:     len(n.chunks),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns alive and total node counts.
func (nm *nodeManager) Counts() (alive, total int) {
	nm.RLock()
	defer nm.RUnlock()

	for _, n := range nm.nodes {
		if n.alive {
			alive++
		}
	}
	return alive, len(nm.nodes)
}

package dfs

import (
	"fmt"
	"time"
)

type NodeID string
type ChunkIndex int
type ChunkID string

// NodeAddr is how the name server hands out data-plane endpoints.
type NodeAddr struct {
	ID   NodeID `json:"node_id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a NodeAddr) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// MakeChunkID derives the wire key a chunk is stored under.
// The grammar is chunk_<filename>_<index>; file names containing
// "chunk_" or trailing _<digits> make it ambiguous, which is accepted.
func MakeChunkID(filename string, index ChunkIndex) ChunkID {
	return ChunkID(fmt.Sprintf("chunk_%s_%d", filename, index))
}

// FileMeta is the name server's record of one uploaded file.
type FileMeta struct {
	Name              string
	Size              int64
	ChunkSize         int64
	ReplicationFactor int
	CreatedAt         time.Time
	Chunks            map[ChunkIndex][]NodeID
}

// NumChunks returns ceil(Size / ChunkSize).
func (f *FileMeta) NumChunks() int {
	return NumChunks(f.Size, f.ChunkSize)
}

// UnderReplicated returns the chunk indices whose replica count is
// below the file's replication factor.
func (f *FileMeta) UnderReplicated() []ChunkIndex {
	var under []ChunkIndex
	for idx, nodes := range f.Chunks {
		if len(nodes) < f.ReplicationFactor {
			under = append(under, idx)
		}
	}
	return under
}

func NumChunks(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// system defaults
const (
	DefaultChunkSize         = 1 << 20 // 1 MiB
	DefaultReplicationFactor = 3

	HeartbeatInterval        = 10 * time.Second
	LivenessTimeout          = 30 * time.Second
	HeartbeatCheckInterval   = 10 * time.Second
	ReplicationCheckInterval = 30 * time.Second
	StatsInterval            = 30 * time.Second

	ControlTimeout = 5 * time.Second
	DataTimeout    = 10 * time.Second
)

// NameServerConfig configures the metadata server.
type NameServerConfig struct {
	Addr              string // control-plane listen address
	AdminAddr         string // HTTP monitoring address, empty disables
	ChunkSize         int64
	ReplicationFactor int

	LivenessTimeout          time.Duration
	HeartbeatCheckInterval   time.Duration
	ReplicationCheckInterval time.Duration
	StatsInterval            time.Duration
}

// ChunkServerConfig configures a chunk server.
type ChunkServerConfig struct {
	ID             NodeID
	Host           string
	Port           int
	StorageDir     string
	NameServerAddr string

	HeartbeatInterval time.Duration
	ControlTimeout    time.Duration
	DataTimeout       time.Duration
}

// ClientConfig configures a client.
type ClientConfig struct {
	NameServerAddr string
	ControlTimeout time.Duration
	DataTimeout    time.Duration
}

var (
	DefaultNameServerConfig = NameServerConfig{
		Addr:                     ":8000",
		ChunkSize:                DefaultChunkSize,
		ReplicationFactor:        DefaultReplicationFactor,
		LivenessTimeout:          LivenessTimeout,
		HeartbeatCheckInterval:   HeartbeatCheckInterval,
		ReplicationCheckInterval: ReplicationCheckInterval,
		StatsInterval:            StatsInterval,
	}

	DefaultChunkServerConfig = ChunkServerConfig{
		Host:              "localhost",
		Port:              8001,
		NameServerAddr:    "localhost:8000",
		HeartbeatInterval: HeartbeatInterval,
		ControlTimeout:    ControlTimeout,
		DataTimeout:       DataTimeout,
	}

	DefaultClientConfig = ClientConfig{
		NameServerAddr: "localhost:8000",
		ControlTimeout: ControlTimeout,
		DataTimeout:    DataTimeout,
	}
)

// WithDefaults fills zero-valued knobs from the package defaults.
func (c NameServerConfig) WithDefaults() NameServerConfig {
	d := DefaultNameServerConfig
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.HeartbeatCheckInterval == 0 {
		c.HeartbeatCheckInterval = d.HeartbeatCheckInterval
	}
	if c.ReplicationCheckInterval == 0 {
		c.ReplicationCheckInterval = d.ReplicationCheckInterval
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = d.StatsInterval
	}
	return c
}

func (c ChunkServerConfig) WithDefaults() ChunkServerConfig {
	d := DefaultChunkServerConfig
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.NameServerAddr == "" {
		c.NameServerAddr = d.NameServerAddr
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = d.ControlTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = d.DataTimeout
	}
	return c
}

func (c ClientConfig) WithDefaults() ClientConfig {
	d := DefaultClientConfig
	if c.NameServerAddr == "" {
		c.NameServerAddr = d.NameServerAddr
	}
	if c.ControlTimeout == 0 {
		c.ControlTimeout = d.ControlTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = d.DataTimeout
	}
	return c
}

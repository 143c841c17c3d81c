// Package chunkserver implements the data server: a disk-backed chunk
// store behind per-connection data-plane commands, plus the register
// and heartbeat protocol against the name server.
package chunkserver

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/wire"
)

// ChunkServer stores opaque chunk blobs and streams them to clients.
type ChunkServer struct {
	cfg      dfs.ChunkServerConfig
	store    *diskStore
	l        net.Listener
	shutdown chan struct{}
	dead     bool
}

// NewAndServe starts a chunk server: it opens the store, registers
// with the name server, then serves the data plane and heartbeats.
func NewAndServe(cfg dfs.ChunkServerConfig) (*ChunkServer, error) {
	cfg = cfg.WithDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("chunkserver: node id is required")
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = fmt.Sprintf("datanode_%s_storage", cfg.ID)
	}

	store, err := newDiskStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	cs := &ChunkServer{
		cfg:      cfg,
		store:    store,
		shutdown: make(chan struct{}),
	}

	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("chunkserver listen: %w", err)
	}
	cs.l = l
	if cfg.Port == 0 {
		cs.cfg.Port = l.Addr().(*net.TCPAddr).Port
	}

	if err := cs.register(); err != nil {
		l.Close()
		return nil, err
	}

	go cs.acceptLoop()
	go cs.heartbeatLoop()

	log.Infof("ChunkServer is now running. id = %v addr = %v root path = %v nameserver = %v",
		cfg.ID, cs.Addr(), cfg.StorageDir, cfg.NameServerAddr)
	return cs, nil
}

// Addr returns the bound data-plane address.
func (cs *ChunkServer) Addr() string {
	return cs.l.Addr().String()
}

// Shutdown stops the listener and the heartbeat loop.
func (cs *ChunkServer) Shutdown() {
	if cs.dead {
		return
	}
	log.Warning(cs.cfg.ID, " shutdown")
	cs.dead = true
	close(cs.shutdown)
	cs.l.Close()
}

// register announces the node, retrying with exponential backoff so a
// chunk server can come up before its name server.
func (cs *ChunkServer) register() error {
	req := wire.RegisterRequest{
		Command: wire.CmdRegisterDataNode,
		NodeID:  string(cs.cfg.ID),
		Host:    cs.cfg.Host,
		Port:    cs.cfg.Port,
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		var resp wire.Response
		if err := wire.Call(cs.cfg.NameServerAddr, cs.cfg.ControlTimeout, req, &resp); err != nil {
			log.Warning("register attempt failed: ", err)
			return err
		}
		return resp.Err()
	}, policy)
}

// heartbeatLoop reports liveness, disk capacity and the full chunk
// inventory. Failures are logged and the loop keeps going.
func (cs *ChunkServer) heartbeatLoop() {
	ticker := time.NewTicker(cs.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cs.shutdown:
			return
		case <-ticker.C:
			if err := cs.sendHeartbeat(); err != nil {
				log.Warning("heartbeat failed: ", err)
			}
		}
	}
}

func (cs *ChunkServer) sendHeartbeat() error {
	available, total := cs.storageUsage()
	req := wire.HeartbeatRequest{
		Command:        wire.CmdHeartbeat,
		NodeID:         string(cs.cfg.ID),
		AvailableSpace: available,
		TotalSpace:     total,
		Chunks:         cs.store.List(),
	}
	var resp wire.Response
	if err := wire.Call(cs.cfg.NameServerAddr, cs.cfg.ControlTimeout, req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (cs *ChunkServer) storageUsage() (available, total uint64) {
	usage, err := disk.Usage(cs.store.Dir())
	if err != nil {
		log.Warning("disk usage: ", err)
		return 0, 0
	}
	return usage.Free, usage.Total
}

func (cs *ChunkServer) acceptLoop() {
	for {
		conn, err := cs.l.Accept()
		if err != nil {
			select {
			case <-cs.shutdown:
				return
			default:
				log.Warning("chunkserver accept error: ", err)
				continue
			}
		}
		go cs.handle(conn)
	}
}

// handle serves one data-plane command, closing the connection on all
// exit paths.
func (cs *ChunkServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(cs.cfg.DataTimeout))

	data, err := wire.ReadMessage(conn)
	if err != nil {
		return
	}
	var env wire.Envelope
	if err := wire.Decode(data, &env); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	switch env.Command {
	case wire.CmdStoreChunk:
		cs.handleStore(conn, data)
	case wire.CmdRetrieveChunk:
		cs.handleRetrieve(conn, data)
	case wire.CmdDeleteChunk:
		cs.handleDelete(conn, data)
	case wire.CmdReplicateChunk:
		wire.WriteJSON(conn, wire.ErrorResponse(
			dfs.Errorf(dfs.CodeNotImplemented, "Not implemented")))
	default:
		wire.WriteJSON(conn, wire.ErrorResponse(
			dfs.Errorf(dfs.CodeInternal, "Unknown command: %s", env.Command)))
	}
}

// handleStore runs the two-phase store: control JSON in, READY out,
// exactly chunk_size raw bytes in, JSON with the MD5 out. An I/O
// failure leaves no partial blob.
func (cs *ChunkServer) handleStore(conn net.Conn, data []byte) {
	var req wire.StoreChunkRequest
	if err := wire.Decode(data, &req); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	if err := wire.WriteReady(conn); err != nil {
		return
	}
	payload, err := wire.ReadPayload(conn, req.ChunkSize)
	if err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	id := dfs.ChunkID(req.ChunkID)
	if err := cs.store.Put(id, payload); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	sum := md5.Sum(payload)
	log.Infof("chunk stored: %v (%v bytes)", id, len(payload))
	wire.WriteJSON(conn, wire.StoreChunkResponse{
		Response: wire.Success(),
		ChunkID:  req.ChunkID,
		Size:     int64(len(payload)),
		Checksum: hex.EncodeToString(sum[:]),
	})
}

// handleRetrieve runs the reverse handshake: JSON with the size out,
// READY in, raw bytes out.
func (cs *ChunkServer) handleRetrieve(conn net.Conn, data []byte) {
	var req wire.ChunkRequest
	if err := wire.Decode(data, &req); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	payload, err := cs.store.Get(dfs.ChunkID(req.ChunkID))
	if err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	resp := wire.RetrieveChunkResponse{
		Response: wire.Success(),
		ChunkID:  req.ChunkID,
		Size:     int64(len(payload)),
	}
	if err := wire.WriteJSON(conn, resp); err != nil {
		return
	}
	if err := wire.AwaitReady(conn); err != nil {
		return
	}
	if err := wire.WritePayload(conn, payload); err != nil {
		return
	}
	log.Infof("chunk retrieved: %v (%v bytes)", req.ChunkID, len(payload))
}

func (cs *ChunkServer) handleDelete(conn net.Conn, data []byte) {
	var req wire.ChunkRequest
	if err := wire.Decode(data, &req); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}
	if err := cs.store.Delete(dfs.ChunkID(req.ChunkID)); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}
	log.Infof("chunk deleted: %v", req.ChunkID)
	wire.WriteJSON(conn, wire.Successf("Chunk %s deleted", req.ChunkID))
}

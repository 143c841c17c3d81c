// Package nameserver implements the metadata server: the file index,
// the chunk-server registry, placement, and the health supervisors.
package nameserver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/wire"
	log "github.com/sirupsen/logrus"
)

// NameServer owns all file and node metadata. State is volatile; a
// restart starts from an empty fleet.
type NameServer struct {
	cfg      dfs.NameServerConfig
	l        net.Listener
	shutdown chan struct{}

	nodes *nodeManager
	files *fileTable
}

// NewAndServe starts a name server and returns the pointer to it.
func NewAndServe(cfg dfs.NameServerConfig) (*NameServer, error) {
	cfg = cfg.WithDefaults()
	ns := &NameServer{
		cfg:      cfg,
		shutdown: make(chan struct{}),
		nodes:    newNodeManager(cfg.LivenessTimeout),
		files:    newFileTable(),
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("nameserver listen: %w", err)
	}
	ns.l = l

	go ns.acceptLoop()
	go ns.livenessScanner()
	go ns.replicationSupervisor()
	go ns.statsReporter()
	if cfg.AdminAddr != "" {
		go ns.serveAdmin(cfg.AdminAddr)
	}

	log.Infof("NameServer is running now. addr = %v chunk size = %v replication = %v",
		ns.Addr(), cfg.ChunkSize, cfg.ReplicationFactor)
	return ns, nil
}

// Addr returns the bound control-plane address.
func (ns *NameServer) Addr() string {
	return ns.l.Addr().String()
}

// Shutdown stops the accept loop and the supervisors.
func (ns *NameServer) Shutdown() {
	select {
	case <-ns.shutdown:
		return
	default:
	}
	close(ns.shutdown)
	ns.l.Close()
}

func (ns *NameServer) acceptLoop() {
	for {
		conn, err := ns.l.Accept()
		if err != nil {
			select {
			case <-ns.shutdown:
				return
			default:
				log.Warning("nameserver accept error: ", err)
				continue
			}
		}
		go ns.handle(conn)
	}
}

// handle serves exactly one request on the connection. Any failure
// becomes an error response; nothing escapes to the accept loop.
func (ns *NameServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dfs.ControlTimeout))

	data, err := wire.ReadMessage(conn)
	if err != nil {
		return
	}
	var env wire.Envelope
	if err := wire.Decode(data, &env); err != nil {
		wire.WriteJSON(conn, wire.ErrorResponse(err))
		return
	}

	resp := ns.dispatch(env.Command, data)
	if err := wire.WriteJSON(conn, resp); err != nil {
		log.Warning("nameserver write response: ", err)
	}
}

func (ns *NameServer) dispatch(command string, data []byte) interface{} {
	resp, err := ns.process(command, data)
	if err != nil {
		requestsTotal.WithLabelValues(command, wire.StatusError).Inc()
		log.Warningf("%v failed: %v", command, err)
		return wire.ErrorResponse(err)
	}
	requestsTotal.WithLabelValues(command, wire.StatusSuccess).Inc()
	return resp
}

func (ns *NameServer) process(command string, data []byte) (interface{}, error) {
	switch command {
	case wire.CmdRegisterDataNode:
		return ns.handleRegister(data)
	case wire.CmdHeartbeat:
		return ns.handleHeartbeat(data)
	case wire.CmdUploadInit:
		return ns.handleUploadInit(data)
	case wire.CmdUploadComplete:
		return ns.handleUploadComplete(data)
	case wire.CmdDownloadInit:
		return ns.handleDownloadInit(data)
	case wire.CmdListFiles:
		return ns.handleListFiles()
	case wire.CmdDeleteFile:
		return ns.handleDeleteFile(data)
	case wire.CmdFileInfo:
		return ns.handleFileInfo(data)
	case wire.CmdClusterStatus:
		return ns.handleClusterStatus()
	default:
		return nil, dfs.Errorf(dfs.CodeInternal, "Unknown command: %s", command)
	}
}

func (ns *NameServer) handleRegister(data []byte) (interface{}, error) {
	var req wire.RegisterRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}
	if ns.nodes.Register(dfs.NodeID(req.NodeID), req.Host, req.Port) {
		return wire.Successf("DataNode registered"), nil
	}
	return wire.Successf("DataNode already registered"), nil
}

func (ns *NameServer) handleHeartbeat(data []byte) (interface{}, error) {
	var req wire.HeartbeatRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}
	if err := ns.nodes.Heartbeat(dfs.NodeID(req.NodeID), req.AvailableSpace, req.TotalSpace, req.Chunks); err != nil {
		return nil, err
	}
	return wire.Success(), nil
}

func (ns *NameServer) handleUploadInit(data []byte) (interface{}, error) {
	var req wire.UploadInitRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}

	numChunks := dfs.NumChunks(req.Filesize, ns.cfg.ChunkSize)
	assignments := make(map[string][]dfs.NodeAddr, numChunks)
	for idx := 0; idx < numChunks; idx++ {
		nodes := ns.nodes.Place(ns.cfg.ReplicationFactor)
		if len(nodes) < ns.cfg.ReplicationFactor {
			return nil, dfs.Errorf(dfs.CodeInsufficientCapacity,
				"Insufficient DataNodes. Need %d, found %d", ns.cfg.ReplicationFactor, len(nodes))
		}
		assignments[strconv.Itoa(idx)] = nodes
	}

	return wire.UploadInitResponse{
		Response:         wire.Success(),
		ChunkSize:        ns.cfg.ChunkSize,
		NumChunks:        numChunks,
		ChunkAssignments: assignments,
	}, nil
}

func (ns *NameServer) handleUploadComplete(data []byte) (interface{}, error) {
	var req wire.UploadCompleteRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}

	chunks := make(map[dfs.ChunkIndex][]dfs.NodeID, len(req.Chunks))
	for key, ids := range req.Chunks {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, dfs.Errorf(dfs.CodeInternal, "bad chunk index %q", key)
		}
		seen := make(map[dfs.NodeID]bool, len(ids))
		var list []dfs.NodeID
		for _, id := range ids {
			if nid := dfs.NodeID(id); !seen[nid] {
				seen[nid] = true
				list = append(list, nid)
			}
		}
		chunks[dfs.ChunkIndex(idx)] = list
	}

	ns.files.Install(&dfs.FileMeta{
		Name:              req.Filename,
		Size:              req.Filesize,
		ChunkSize:         ns.cfg.ChunkSize,
		ReplicationFactor: ns.cfg.ReplicationFactor,
		Chunks:            chunks,
	})
	return wire.Successf("File %s uploaded successfully", req.Filename), nil
}

func (ns *NameServer) handleDownloadInit(data []byte) (interface{}, error) {
	var req wire.DownloadInitRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}

	meta, ok := ns.files.Get(req.Filename)
	if !ok {
		return nil, dfs.Errorf(dfs.CodeNotFound, "File not found: %s", req.Filename)
	}

	locations := make(map[string][]dfs.NodeAddr, len(meta.Chunks))
	for idx, ids := range meta.Chunks {
		alive := ns.nodes.FilterAlive(ids)
		if len(alive) == 0 {
			return nil, dfs.Errorf(dfs.CodeUnrecoverableChunk, "No healthy DataNodes for chunk %d", idx)
		}
		locations[strconv.Itoa(int(idx))] = alive
	}

	return wire.DownloadInitResponse{
		Response:       wire.Success(),
		Filename:       meta.Name,
		Filesize:       meta.Size,
		ChunkSize:      meta.ChunkSize,
		ChunkLocations: locations,
	}, nil
}

func (ns *NameServer) handleListFiles() (interface{}, error) {
	return wire.ListFilesResponse{
		Response: wire.Success(),
		Files:    ns.files.List(),
	}, nil
}

func (ns *NameServer) handleDeleteFile(data []byte) (interface{}, error) {
	var req wire.FileRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}
	if !ns.files.Delete(req.Filename) {
		return nil, dfs.Errorf(dfs.CodeNotFound, "File not found: %s", req.Filename)
	}
	return wire.Successf("File %s deleted", req.Filename), nil
}

func (ns *NameServer) handleFileInfo(data []byte) (interface{}, error) {
	var req wire.FileRequest
	if err := wire.Decode(data, &req); err != nil {
		return nil, err
	}
	meta, ok := ns.files.Get(req.Filename)
	if !ok {
		return nil, dfs.Errorf(dfs.CodeNotFound, "File not found: %s", req.Filename)
	}

	chunks := make(map[string][]string, len(meta.Chunks))
	for idx, ids := range meta.Chunks {
		list := make([]string, len(ids))
		for i, id := range ids {
			list[i] = string(id)
		}
		chunks[strconv.Itoa(int(idx))] = list
	}

	return wire.FileInfoResponse{
		Response: wire.Success(),
		File: wire.FileDetail{
			Filename:          meta.Name,
			Size:              meta.Size,
			ChunkSize:         meta.ChunkSize,
			ReplicationFactor: meta.ReplicationFactor,
			CreatedAt:         meta.CreatedAt.Unix(),
			Chunks:            chunks,
		},
	}, nil
}

func (ns *NameServer) handleClusterStatus() (interface{}, error) {
	files, bytes, _ := ns.files.Totals()
	return wire.ClusterStatusResponse{
		Response:   wire.Success(),
		DataNodes:  ns.nodes.Status(),
		TotalFiles: files,
		TotalSize:  bytes,
	}, nil
}

// livenessScanner flips stale nodes to dead and strips them from every
// replica list. Registry first, then files, never both at once.
func (ns *NameServer) livenessScanner() {
	ticker := time.NewTicker(ns.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ns.shutdown:
			return
		case <-ticker.C:
			dead := ns.nodes.ScanDead()
			ns.files.RemoveNodes(dead)
		}
	}
}

// replicationSupervisor logs under-replicated chunks. Repair is a hook
// for future work; no copy is initiated.
func (ns *NameServer) replicationSupervisor() {
	ticker := time.NewTicker(ns.cfg.ReplicationCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ns.shutdown:
			return
		case <-ticker.C:
			under := ns.files.UnderReplicated()
			total := 0
			for name, idxs := range under {
				total += len(idxs)
				log.Warningf("under-replicated chunks in %v: %v", name, idxs)
			}
			underReplicatedChunks.Set(float64(total))
		}
	}
}

func (ns *NameServer) statsReporter() {
	ticker := time.NewTicker(ns.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ns.shutdown:
			return
		case <-ticker.C:
			alive, total := ns.nodes.Counts()
			files, bytes, chunks := ns.files.Totals()
			nodesAlive.Set(float64(alive))
			nodesTotal.Set(float64(total))
			filesTotal.Set(float64(files))
			chunksTotal.Set(float64(chunks))
			bytesTotal.Set(float64(bytes))
			log.Infof("stats: nodes %v/%v | files %v | chunks %v", alive, total, files, chunks)
		}
	}
}

// Package wire implements the JSON-over-TCP protocol spoken between the
// name server, chunk servers and clients. Every control message is one
// JSON document written in a single send and received with a single read
// of up to 64 KiB. Chunk payloads bypass this framing: they follow a
// 5-byte READY handshake as raw bytes.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
)

// MaxMessageSize bounds a single control message.
const MaxMessageSize = 64 << 10

// ReadyToken is the literal sentinel exchanged before bulk bytes.
var ReadyToken = []byte("READY")

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// control-plane commands
const (
	CmdRegisterDataNode = "register_datanode"
	CmdHeartbeat        = "heartbeat"
	CmdUploadInit       = "upload_init"
	CmdUploadComplete   = "upload_complete"
	CmdDownloadInit     = "download_init"
	CmdListFiles        = "list_files"
	CmdDeleteFile       = "delete_file"
	CmdFileInfo         = "file_info"
	CmdClusterStatus    = "cluster_status"
)

// data-plane commands
const (
	CmdStoreChunk     = "store_chunk"
	CmdRetrieveChunk  = "retrieve_chunk"
	CmdDeleteChunk    = "delete_chunk"
	CmdReplicateChunk = "replicate_chunk"
)

// Envelope is the part of every request needed to dispatch it.
type Envelope struct {
	Command string `json:"command"`
}

type RegisterRequest struct {
	Command string `json:"command"`
	NodeID  string `json:"node_id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type HeartbeatRequest struct {
	Command        string   `json:"command"`
	NodeID         string   `json:"node_id"`
	AvailableSpace uint64   `json:"available_space"`
	TotalSpace     uint64   `json:"total_space"`
	Chunks         []string `json:"chunks"`
}

type UploadInitRequest struct {
	Command  string `json:"command"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

type UploadCompleteRequest struct {
	Command  string              `json:"command"`
	Filename string              `json:"filename"`
	Filesize int64               `json:"filesize"`
	Chunks   map[string][]string `json:"chunks"`
}

type DownloadInitRequest struct {
	Command  string `json:"command"`
	Filename string `json:"filename"`
}

type FileRequest struct {
	Command  string `json:"command"`
	Filename string `json:"filename"`
}

type BareRequest struct {
	Command string `json:"command"`
}

type StoreChunkRequest struct {
	Command   string `json:"command"`
	ChunkID   string `json:"chunk_id"`
	ChunkSize int64  `json:"chunk_size"`
}

type ChunkRequest struct {
	Command string `json:"command"`
	ChunkID string `json:"chunk_id"`
}

// Response is the envelope every reply shares. Errors carry an
// additive code field next to the message.
type Response struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Err converts an error response back into a typed error.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	code := dfs.ErrorCode(r.Code)
	if code == "" {
		code = dfs.CodeInternal
	}
	return dfs.Error{Code: code, Msg: r.Message}
}

func Success() Response {
	return Response{Status: StatusSuccess}
}

func Successf(format string, args ...interface{}) Response {
	return Response{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

// ErrorResponse builds an error response from a typed failure.
func ErrorResponse(err error) Response {
	return Response{
		Status:  StatusError,
		Code:    string(dfs.CodeOf(err)),
		Message: err.Error(),
	}
}

type UploadInitResponse struct {
	Response
	ChunkSize        int64                     `json:"chunk_size,omitempty"`
	NumChunks        int                       `json:"num_chunks,omitempty"`
	ChunkAssignments map[string][]dfs.NodeAddr `json:"chunk_assignments,omitempty"`
}

type DownloadInitResponse struct {
	Response
	Filename       string                    `json:"filename,omitempty"`
	Filesize       int64                     `json:"filesize,omitempty"`
	ChunkSize      int64                     `json:"chunk_size,omitempty"`
	ChunkLocations map[string][]dfs.NodeAddr `json:"chunk_locations,omitempty"`
}

type FileSummary struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Chunks    int    `json:"chunks"`
	CreatedAt string `json:"created_at"`
}

type ListFilesResponse struct {
	Response
	Files []FileSummary `json:"files"`
}

type FileDetail struct {
	Filename          string              `json:"filename"`
	Size              int64               `json:"size"`
	ChunkSize         int64               `json:"chunk_size"`
	ReplicationFactor int                 `json:"replication_factor"`
	CreatedAt         int64               `json:"created_at"`
	Chunks            map[string][]string `json:"chunks"`
}

type FileInfoResponse struct {
	Response
	File FileDetail `json:"file,omitempty"`
}

type NodeStatus struct {
	NodeID         string `json:"node_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	LastHeartbeat  int64  `json:"last_heartbeat"`
	AvailableSpace uint64 `json:"available_space"`
	TotalSpace     uint64 `json:"total_space"`
	IsAlive        bool   `json:"is_alive"`
	ChunkCount     int    `json:"chunk_count"`
}

type ClusterStatusResponse struct {
	Response
	DataNodes  []NodeStatus `json:"datanodes"`
	TotalFiles int          `json:"total_files"`
	TotalSize  int64        `json:"total_size"`
}

type StoreChunkResponse struct {
	Response
	ChunkID  string `json:"chunk_id,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

type RetrieveChunkResponse struct {
	Response
	ChunkID string `json:"chunk_id,omitempty"`
	Size    int64  `json:"size"`
}

// WriteJSON marshals v and writes it in one send.
func WriteJSON(conn net.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dfs.Errorf(dfs.CodeInternal, "encode message: %v", err)
	}
	if len(data) > MaxMessageSize {
		return dfs.Errorf(dfs.CodeInternal, "message too large: %d bytes", len(data))
	}
	if _, err := conn.Write(data); err != nil {
		return dfs.Errorf(dfs.CodeNetworkError, "write message: %v", err)
	}
	return nil
}

// ReadMessage performs the protocol's single bounded read.
func ReadMessage(conn net.Conn) ([]byte, error) {
	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, dfs.Errorf(dfs.CodeNetworkError, "read message: %v", err)
	}
	return buf[:n], nil
}

// ReadJSON reads one message and unmarshals it into v.
func ReadJSON(conn net.Conn, v interface{}) error {
	data, err := ReadMessage(conn)
	if err != nil {
		return err
	}
	return Decode(data, v)
}

// Decode unmarshals an already-received message.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return dfs.Errorf(dfs.CodeNetworkError, "malformed message: %v", err)
	}
	return nil
}

// WriteReady emits the 5-byte sentinel.
func WriteReady(conn net.Conn) error {
	if _, err := conn.Write(ReadyToken); err != nil {
		return dfs.Errorf(dfs.CodeNetworkError, "write ready: %v", err)
	}
	return nil
}

// AwaitReady blocks until the 5-byte sentinel arrives.
func AwaitReady(conn net.Conn) error {
	buf := make([]byte, len(ReadyToken))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return dfs.Errorf(dfs.CodeNetworkError, "read ready: %v", err)
	}
	if string(buf) != string(ReadyToken) {
		return dfs.Errorf(dfs.CodeNetworkError, "bad ready token %q", buf)
	}
	return nil
}

// ReadPayload reads exactly size raw bytes, looping until done.
func ReadPayload(conn net.Conn, size int64) ([]byte, error) {
	if size < 0 {
		return nil, dfs.Errorf(dfs.CodeNetworkError, "read payload: negative size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, dfs.Errorf(dfs.CodeNetworkError, "read payload: %v", err)
	}
	return buf, nil
}

// WritePayload writes raw chunk bytes after a handshake.
func WritePayload(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		return dfs.Errorf(dfs.CodeNetworkError, "write payload: %v", err)
	}
	return nil
}

// Dial opens a connection with the whole exchange bounded by timeout.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, dfs.Errorf(dfs.CodeNetworkError, "connect %s: %v", addr, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

// Call performs one request/response exchange on a fresh connection.
func Call(addr string, timeout time.Duration, req, resp interface{}) error {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteJSON(conn, req); err != nil {
		return err
	}
	return ReadJSON(conn, resp)
}

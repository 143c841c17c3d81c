// Package client implements the stateless DFS client: it stripes
// files into chunks on upload, ships them to their assigned chunk
// servers, and reassembles them in order on download.
package client

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	log "github.com/sirupsen/logrus"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/wire"
)

// Client talks to the name server for control and to chunk servers
// for data. It keeps no state between operations beyond per-node
// circuit breakers.
type Client struct {
	cfg dfs.ClientConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg dfs.ClientConfig) *Client {
	return &Client{
		cfg:      cfg.WithDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(addr string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if br, ok := c.breakers[addr]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "datanode-" + addr,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warningf("circuit %v: %v -> %v", name, from, to)
		},
	})
	c.breakers[addr] = br
	return br
}

func (c *Client) callNameServer(req, resp interface{}) error {
	return wire.Call(c.cfg.NameServerAddr, c.cfg.ControlTimeout, req, resp)
}

func retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.WithMaxRetries(policy, 2)
}

// Upload stripes the local file into chunks and ships each chunk to
// every assigned node. A chunk that lands on no node at all aborts
// the upload before upload_complete.
func (c *Client) Upload(localPath, remoteName string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	size := info.Size()

	var initResp wire.UploadInitResponse
	err = c.callNameServer(wire.UploadInitRequest{
		Command:  wire.CmdUploadInit,
		Filename: remoteName,
		Filesize: size,
	}, &initResp)
	if err != nil {
		return err
	}
	if err := initResp.Err(); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	log.Infof("upload %v: %v bytes, %v chunks", remoteName, size, initResp.NumChunks)

	uploaded := make(map[string][]string, initResp.NumChunks)
	for idx := 0; idx < initResp.NumChunks; idx++ {
		chunkLen := initResp.ChunkSize
		if remaining := size - int64(idx)*initResp.ChunkSize; remaining < chunkLen {
			chunkLen = remaining
		}
		data := make([]byte, chunkLen)
		if _, err := io.ReadFull(f, data); err != nil {
			return fmt.Errorf("read chunk %d: %w", idx, err)
		}

		id := dfs.MakeChunkID(remoteName, dfs.ChunkIndex(idx))
		var acked []string
		for _, node := range initResp.ChunkAssignments[strconv.Itoa(idx)] {
			if err := c.storeChunk(node, id, data); err != nil {
				log.Warningf("store %v on %v: %v", id, node.ID, err)
				continue
			}
			acked = append(acked, string(node.ID))
		}
		if len(acked) == 0 {
			return dfs.Errorf(dfs.CodeNetworkError, "chunk %d stored on no node", idx)
		}
		uploaded[strconv.Itoa(idx)] = acked
	}

	var doneResp wire.Response
	err = c.callNameServer(wire.UploadCompleteRequest{
		Command:  wire.CmdUploadComplete,
		Filename: remoteName,
		Filesize: size,
		Chunks:   uploaded,
	}, &doneResp)
	if err != nil {
		return err
	}
	return doneResp.Err()
}

// storeChunk pushes one chunk to one node through its breaker, with
// bounded retries underneath.
func (c *Client) storeChunk(node dfs.NodeAddr, id dfs.ChunkID, data []byte) error {
	_, err := c.breaker(node.Addr()).Execute(func() (interface{}, error) {
		return nil, backoff.Retry(func() error {
			return c.storeChunkOnce(node, id, data)
		}, retryPolicy())
	})
	return err
}

func (c *Client) storeChunkOnce(node dfs.NodeAddr, id dfs.ChunkID, data []byte) error {
	conn, err := wire.Dial(node.Addr(), c.cfg.DataTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = wire.WriteJSON(conn, wire.StoreChunkRequest{
		Command:   wire.CmdStoreChunk,
		ChunkID:   string(id),
		ChunkSize: int64(len(data)),
	})
	if err != nil {
		return err
	}
	if err := wire.AwaitReady(conn); err != nil {
		return err
	}
	if err := wire.WritePayload(conn, data); err != nil {
		return err
	}

	var resp wire.StoreChunkResponse
	if err := wire.ReadJSON(conn, &resp); err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}

	sum := md5.Sum(data)
	if want := hex.EncodeToString(sum[:]); resp.Checksum != want {
		return dfs.Errorf(dfs.CodeNetworkError, "checksum mismatch for %s: sent %s, stored %s", id, want, resp.Checksum)
	}
	return nil
}

// Download pulls every chunk, trying replicas in the order the name
// server listed them, and writes the bytes out in ascending chunk
// order.
func (c *Client) Download(remoteName, localPath string) error {
	var initResp wire.DownloadInitResponse
	err := c.callNameServer(wire.DownloadInitRequest{
		Command:  wire.CmdDownloadInit,
		Filename: remoteName,
	}, &initResp)
	if err != nil {
		return err
	}
	if err := initResp.Err(); err != nil {
		return err
	}

	indices := make([]int, 0, len(initResp.ChunkLocations))
	for key := range initResp.ChunkLocations {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return dfs.Errorf(dfs.CodeInternal, "bad chunk index %q", key)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	log.Infof("download %v: %v bytes, %v chunks", remoteName, initResp.Filesize, len(indices))

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}

	for _, idx := range indices {
		id := dfs.MakeChunkID(remoteName, dfs.ChunkIndex(idx))
		data, err := c.fetchChunk(initResp.ChunkLocations[strconv.Itoa(idx)], id)
		if err != nil {
			out.Close()
			os.Remove(localPath)
			return err
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			os.Remove(localPath)
			return fmt.Errorf("write %s: %w", localPath, err)
		}
	}
	return out.Close()
}

// fetchChunk tries each replica in listed order until one delivers.
func (c *Client) fetchChunk(nodes []dfs.NodeAddr, id dfs.ChunkID) ([]byte, error) {
	for _, node := range nodes {
		data, err := c.retrieveChunk(node, id)
		if err != nil {
			log.Warningf("retrieve %v from %v: %v", id, node.ID, err)
			continue
		}
		return data, nil
	}
	return nil, dfs.Errorf(dfs.CodeNetworkError, "all replicas failed for %s", id)
}

func (c *Client) retrieveChunk(node dfs.NodeAddr, id dfs.ChunkID) ([]byte, error) {
	data, err := c.breaker(node.Addr()).Execute(func() (interface{}, error) {
		return c.retrieveChunkOnce(node, id)
	})
	if err != nil {
		return nil, err
	}
	return data.([]byte), nil
}

func (c *Client) retrieveChunkOnce(node dfs.NodeAddr, id dfs.ChunkID) ([]byte, error) {
	conn, err := wire.Dial(node.Addr(), c.cfg.DataTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = wire.WriteJSON(conn, wire.ChunkRequest{
		Command: wire.CmdRetrieveChunk,
		ChunkID: string(id),
	})
	if err != nil {
		return nil, err
	}

	var resp wire.RetrieveChunkResponse
	if err := wire.ReadJSON(conn, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	if err := wire.WriteReady(conn); err != nil {
		return nil, err
	}
	return wire.ReadPayload(conn, resp.Size)
}

// List returns summaries for every file in the cluster.
func (c *Client) List() ([]wire.FileSummary, error) {
	var resp wire.ListFilesResponse
	err := c.callNameServer(wire.BareRequest{Command: wire.CmdListFiles}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Delete removes the file record from the name server.
func (c *Client) Delete(remoteName string) error {
	var resp wire.Response
	err := c.callNameServer(wire.FileRequest{
		Command:  wire.CmdDeleteFile,
		Filename: remoteName,
	}, &resp)
	if err != nil {
		return err
	}
	return resp.Err()
}

// Info returns the full record including per-chunk replica lists.
func (c *Client) Info(remoteName string) (*wire.FileDetail, error) {
	var resp wire.FileInfoResponse
	err := c.callNameServer(wire.FileRequest{
		Command:  wire.CmdFileInfo,
		Filename: remoteName,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp.File, nil
}

// ClusterStatus returns every node record plus cluster totals.
func (c *Client) ClusterStatus() (*wire.ClusterStatusResponse, error) {
	var resp wire.ClusterStatusResponse
	err := c.callNameServer(wire.BareRequest{Command: wire.CmdClusterStatus}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

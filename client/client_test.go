package client_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/chunkserver"
	"github.com/ApurboSM/hdfs-lite/client"
	"github.com/ApurboSM/hdfs-lite/nameserver"
)

const testChunkSize = 1024

type cluster struct {
	ns  *nameserver.NameServer
	css []*chunkserver.ChunkServer
}

// startCluster boots a name server and n chunk servers on loopback
// ports with fast heartbeat cadences.
func startCluster(t *testing.T, n, replicas int) (*cluster, *client.Client) {
	t.Helper()

	ns, err := nameserver.NewAndServe(dfs.NameServerConfig{
		Addr:                     "127.0.0.1:0",
		ChunkSize:                testChunkSize,
		ReplicationFactor:        replicas,
		LivenessTimeout:          250 * time.Millisecond,
		HeartbeatCheckInterval:   50 * time.Millisecond,
		ReplicationCheckInterval: 100 * time.Millisecond,
		StatsInterval:            time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ns.Shutdown)

	c := &cluster{ns: ns}
	for i := 0; i < n; i++ {
		cs, err := chunkserver.NewAndServe(dfs.ChunkServerConfig{
			ID:                dfs.NodeID(fmt.Sprintf("cs%d", i)),
			Host:              "127.0.0.1",
			Port:              0,
			StorageDir:        t.TempDir(),
			NameServerAddr:    ns.Addr(),
			HeartbeatInterval: 50 * time.Millisecond,
			ControlTimeout:    time.Second,
			DataTimeout:       2 * time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(cs.Shutdown)
		c.css = append(c.css, cs)
	}

	cl := client.New(dfs.ClientConfig{
		NameServerAddr: ns.Addr(),
		ControlTimeout: 2 * time.Second,
		DataTimeout:    2 * time.Second,
	})
	return c, cl
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func roundTrip(t *testing.T, cl *client.Client, name string, data []byte) {
	t.Helper()
	if err := cl.Upload(writeTemp(t, data), name); err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}

	out := filepath.Join(t.TempDir(), "output.bin")
	if err := cl.Download(name, out); err != nil {
		t.Fatalf("download %s: %v", name, err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("%s: downloaded %d bytes differ from uploaded %d bytes", name, len(got), len(data))
	}
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestUploadDownloadThreeChunks(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	data := bytes.Repeat([]byte{0x41}, 3*testChunkSize)
	if err := cl.Upload(writeTemp(t, data), "big.bin"); err != nil {
		t.Fatal(err)
	}

	info, err := cl.Info("big.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Chunks) != 3 {
		t.Errorf("chunks = %d, want 3", len(info.Chunks))
	}
	if info.Size != int64(len(data)) {
		t.Errorf("size = %d", info.Size)
	}
	for idx, nodes := range info.Chunks {
		if len(nodes) != 3 {
			t.Errorf("chunk %s has %d replicas, want 3", idx, len(nodes))
		}
	}

	out := filepath.Join(t.TempDir(), "big.out")
	if err := cl.Download("big.bin", out); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestUploadDownloadSingleShortChunk(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	data := patterned(500)
	if err := cl.Upload(writeTemp(t, data), "small.bin"); err != nil {
		t.Fatal(err)
	}

	info, err := cl.Info("small.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Chunks) != 1 {
		t.Errorf("chunks = %d, want 1", len(info.Chunks))
	}

	out := filepath.Join(t.TempDir(), "small.out")
	if err := cl.Download("small.bin", out); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestUploadChunkBoundaries(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	sizes := []int{0, 1, testChunkSize - 1, testChunkSize, testChunkSize + 1, 3*testChunkSize + 7}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size%d", size), func(t *testing.T) {
			roundTrip(t, cl, fmt.Sprintf("file%d.bin", size), patterned(size))
		})
	}
}

func TestChunkSizePlusOneMakesTwoChunks(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	data := patterned(testChunkSize + 1)
	if err := cl.Upload(writeTemp(t, data), "split.bin"); err != nil {
		t.Fatal(err)
	}

	info, err := cl.Info("split.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(info.Chunks))
	}

	out := filepath.Join(t.TempDir(), "split.out")
	if err := cl.Download("split.bin", out); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
}

func TestDownloadSurvivesOneDeadNode(t *testing.T) {
	c, cl := startCluster(t, 3, 3)

	data := patterned(2 * testChunkSize)
	if err := cl.Upload(writeTemp(t, data), "survivor.bin"); err != nil {
		t.Fatal(err)
	}

	c.css[0].Shutdown()
	time.Sleep(600 * time.Millisecond) // past the liveness timeout

	out := filepath.Join(t.TempDir(), "survivor.out")
	if err := cl.Download("survivor.bin", out); err != nil {
		t.Fatalf("download with one dead node: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}

	status, err := cl.ClusterStatus()
	if err != nil {
		t.Fatal(err)
	}
	if len(status.DataNodes) != 3 {
		t.Fatalf("datanodes = %d", len(status.DataNodes))
	}
	deadSeen := false
	for _, n := range status.DataNodes {
		if n.NodeID == "cs0" {
			deadSeen = true
			if n.IsAlive {
				t.Error("cs0 should be reported dead")
			}
		}
	}
	if !deadSeen {
		t.Error("dead node missing from cluster status")
	}
}

func TestUploadInsufficientNodes(t *testing.T) {
	_, cl := startCluster(t, 2, 3)

	err := cl.Upload(writeTemp(t, patterned(100)), "wontfit.bin")
	if err == nil {
		t.Fatal("upload should fail with 2 nodes and replication 3")
	}
	if dfs.CodeOf(err) != dfs.CodeInsufficientCapacity {
		t.Errorf("code = %v", dfs.CodeOf(err))
	}

	files, lerr := cl.List()
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(files) != 0 {
		t.Errorf("files = %d, want 0", len(files))
	}
}

func TestDeleteFileLifecycle(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	if err := cl.Upload(writeTemp(t, patterned(300)), "hello.bin"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Delete("hello.bin"); err != nil {
		t.Fatal(err)
	}

	err := cl.Download("hello.bin", filepath.Join(t.TempDir(), "x"))
	if err == nil {
		t.Fatal("download after delete should fail")
	}
	if dfs.CodeOf(err) != dfs.CodeNotFound {
		t.Errorf("code = %v", dfs.CodeOf(err))
	}

	files, err := cl.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if f.Filename == "hello.bin" {
			t.Error("deleted file still listed")
		}
	}
}

func TestConcurrentUploadsDistinctNames(t *testing.T) {
	_, cl := startCluster(t, 3, 3)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := patterned(testChunkSize + i*37)
			errs <- cl.Upload(writeTemp(t, data), fmt.Sprintf("conc%d.bin", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}

	files, err := cl.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 {
		t.Errorf("files = %d, want 4", len(files))
	}
}

func TestFileInfoMatchesUpload(t *testing.T) {
	_, cl := startCluster(t, 3, 2)

	data := patterned(2*testChunkSize + 11)
	if err := cl.Upload(writeTemp(t, data), "meta.bin"); err != nil {
		t.Fatal(err)
	}

	info, err := cl.Info("meta.bin")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", info.Size, len(data))
	}
	if len(info.Chunks) != 3 {
		t.Errorf("chunks = %d, want 3", len(info.Chunks))
	}
	if info.ChunkSize != testChunkSize {
		t.Errorf("chunk_size = %d", info.ChunkSize)
	}
}

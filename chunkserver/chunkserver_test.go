package chunkserver_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/chunkserver"
	"github.com/ApurboSM/hdfs-lite/wire"
)

// fakeNameServer accepts register and heartbeat calls, answering
// success and remembering the most recent reported inventory.
type fakeNameServer struct {
	l net.Listener

	mu        sync.Mutex
	inventory []string
}

func newFakeNameServer(t *testing.T) *fakeNameServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeNameServer{l: l}
	go f.serve()
	t.Cleanup(func() { l.Close() })
	return f
}

func (f *fakeNameServer) serve() {
	for {
		conn, err := f.l.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			data, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			var hb wire.HeartbeatRequest
			if wire.Decode(data, &hb) == nil && hb.Command == wire.CmdHeartbeat {
				f.mu.Lock()
				f.inventory = append([]string(nil), hb.Chunks...)
				f.mu.Unlock()
			}
			wire.WriteJSON(conn, wire.Success())
		}(conn)
	}
}

func (f *fakeNameServer) lastInventory() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inventory...)
}

func (f *fakeNameServer) resetInventory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = nil
}

func startChunkServer(t *testing.T, id, dir, nsAddr string) *chunkserver.ChunkServer {
	t.Helper()
	cs, err := chunkserver.NewAndServe(dfs.ChunkServerConfig{
		ID:                dfs.NodeID(id),
		Host:              "127.0.0.1",
		Port:              0,
		StorageDir:        dir,
		NameServerAddr:    nsAddr,
		HeartbeatInterval: 50 * time.Millisecond,
		ControlTimeout:    time.Second,
		DataTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cs.Shutdown)
	return cs
}

func storeChunk(t *testing.T, addr, id string, data []byte) wire.StoreChunkResponse {
	t.Helper()
	conn, err := wire.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = wire.WriteJSON(conn, wire.StoreChunkRequest{
		Command:   wire.CmdStoreChunk,
		ChunkID:   id,
		ChunkSize: int64(len(data)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.AwaitReady(conn); err != nil {
		t.Fatal(err)
	}
	if err := wire.WritePayload(conn, data); err != nil {
		t.Fatal(err)
	}

	var resp wire.StoreChunkResponse
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func retrieveChunk(t *testing.T, addr, id string) ([]byte, wire.RetrieveChunkResponse) {
	t.Helper()
	conn, err := wire.Dial(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	err = wire.WriteJSON(conn, wire.ChunkRequest{
		Command: wire.CmdRetrieveChunk,
		ChunkID: id,
	})
	if err != nil {
		t.Fatal(err)
	}

	var resp wire.RetrieveChunkResponse
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		return nil, resp
	}
	if err := wire.WriteReady(conn); err != nil {
		t.Fatal(err)
	}
	data, err := wire.ReadPayload(conn, resp.Size)
	if err != nil {
		t.Fatal(err)
	}
	return data, resp
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	payload := bytes.Repeat([]byte{0x41}, 4096)
	resp := storeChunk(t, cs.Addr(), "chunk_a.bin_0", payload)
	if !resp.OK() {
		t.Fatalf("store: %s", resp.Message)
	}
	if resp.Size != int64(len(payload)) {
		t.Errorf("size = %d", resp.Size)
	}

	sum := md5.Sum(payload)
	if want := hex.EncodeToString(sum[:]); resp.Checksum != want {
		t.Errorf("checksum = %q, want %q", resp.Checksum, want)
	}

	got, rresp := retrieveChunk(t, cs.Addr(), "chunk_a.bin_0")
	if !rresp.OK() {
		t.Fatalf("retrieve: %s", rresp.Message)
	}
	if !bytes.Equal(got, payload) {
		t.Error("retrieved bytes differ from stored bytes")
	}
}

func TestStoreOverwriteSameID(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	storeChunk(t, cs.Addr(), "chunk_a.bin_0", []byte("old"))
	resp := storeChunk(t, cs.Addr(), "chunk_a.bin_0", []byte("newer"))
	if !resp.OK() {
		t.Fatalf("overwrite: %s", resp.Message)
	}

	got, _ := retrieveChunk(t, cs.Addr(), "chunk_a.bin_0")
	if string(got) != "newer" {
		t.Errorf("got %q after overwrite", got)
	}
}

func TestRetrieveUnknownChunk(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	_, resp := retrieveChunk(t, cs.Addr(), "chunk_missing.bin_0")
	if resp.OK() {
		t.Fatal("retrieve of unknown chunk should fail")
	}
	if resp.Code != string(dfs.CodeChunkMissing) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestDeleteChunk(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	storeChunk(t, cs.Addr(), "chunk_a.bin_0", []byte("data"))

	var resp wire.Response
	err := wire.Call(cs.Addr(), 2*time.Second, wire.ChunkRequest{
		Command: wire.CmdDeleteChunk,
		ChunkID: "chunk_a.bin_0",
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("delete: %s", resp.Message)
	}

	_, rresp := retrieveChunk(t, cs.Addr(), "chunk_a.bin_0")
	if rresp.OK() {
		t.Fatal("chunk should be gone after delete")
	}

	// deleting again reports the missing key
	err = wire.Call(cs.Addr(), 2*time.Second, wire.ChunkRequest{
		Command: wire.CmdDeleteChunk,
		ChunkID: "chunk_a.bin_0",
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK() || resp.Code != string(dfs.CodeChunkMissing) {
		t.Errorf("second delete: %+v", resp)
	}
}

func TestReplicateChunkNotImplemented(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	var resp wire.Response
	err := wire.Call(cs.Addr(), 2*time.Second, wire.ChunkRequest{
		Command: wire.CmdReplicateChunk,
		ChunkID: "chunk_a.bin_0",
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK() {
		t.Fatal("replicate_chunk should not be implemented")
	}
	if resp.Code != string(dfs.CodeNotImplemented) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestUnknownCommand(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	var resp wire.Response
	err := wire.Call(cs.Addr(), 2*time.Second, wire.BareRequest{Command: "mystery"}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK() {
		t.Fatal("unknown command should fail")
	}
}

func TestRestartRepublishesInventory(t *testing.T) {
	fns := newFakeNameServer(t)
	dir := t.TempDir()

	cs := startChunkServer(t, "cs1", dir, fns.l.Addr().String())
	storeChunk(t, cs.Addr(), "chunk_a.bin_0", []byte("aaa"))
	storeChunk(t, cs.Addr(), "chunk_a.bin_1", []byte("bbb"))
	cs.Shutdown()

	// a stray non-chunk file must not show up as inventory
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	fns.resetInventory()
	cs2 := startChunkServer(t, "cs1", dir, fns.l.Addr().String())

	deadline := time.Now().Add(2 * time.Second)
	for {
		inv := fns.lastInventory()
		if len(inv) == 2 {
			found := map[string]bool{}
			for _, id := range inv {
				found[id] = true
			}
			if !found["chunk_a.bin_0"] || !found["chunk_a.bin_1"] {
				t.Fatalf("inventory = %v", inv)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inventory never republished, last = %v", inv)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// the surviving blob is still readable
	got, resp := retrieveChunk(t, cs2.Addr(), "chunk_a.bin_0")
	if !resp.OK() {
		t.Fatalf("retrieve after restart: %s", resp.Message)
	}
	if string(got) != "aaa" {
		t.Errorf("got %q", got)
	}
}

func TestStoreZeroByteChunk(t *testing.T) {
	fns := newFakeNameServer(t)
	cs := startChunkServer(t, "cs1", t.TempDir(), fns.l.Addr().String())

	resp := storeChunk(t, cs.Addr(), "chunk_empty.bin_0", nil)
	if !resp.OK() {
		t.Fatalf("store empty: %s", resp.Message)
	}

	got, rresp := retrieveChunk(t, cs.Addr(), "chunk_empty.bin_0")
	if !rresp.OK() {
		t.Fatalf("retrieve empty: %s", rresp.Message)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes", len(got))
	}
}

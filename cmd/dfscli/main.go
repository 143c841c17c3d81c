package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dfscli [-nameserver addr] <command> [args]

commands:
  upload <local-path> [remote-name]
  download <remote-name> [local-path]
  list
  delete <remote-name>
  info <remote-name>
  status
`)
	os.Exit(2)
}

func main() {
	cfg := dfs.DefaultClientConfig
	flag.StringVar(&cfg.NameServerAddr, "nameserver", cfg.NameServerAddr, "name server address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	c := client.New(cfg)

	var err error
	switch args[0] {
	case "upload":
		if len(args) < 2 {
			usage()
		}
		remote := filepath.Base(args[1])
		if len(args) > 2 {
			remote = args[2]
		}
		if err = c.Upload(args[1], remote); err == nil {
			fmt.Printf("uploaded %s\n", remote)
		}
	case "download":
		if len(args) < 2 {
			usage()
		}
		local := args[1]
		if len(args) > 2 {
			local = args[2]
		}
		if err = c.Download(args[1], local); err == nil {
			fmt.Printf("downloaded %s -> %s\n", args[1], local)
		}
	case "list":
		err = listFiles(c)
	case "delete":
		if len(args) < 2 {
			usage()
		}
		if err = c.Delete(args[1]); err == nil {
			fmt.Printf("deleted %s\n", args[1])
		}
	case "info":
		if len(args) < 2 {
			usage()
		}
		err = fileInfo(c, args[1])
	case "status":
		err = clusterStatus(c)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listFiles(c *client.Client) error {
	files, err := c.List()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("no files")
		return nil
	}
	fmt.Printf("%-40s %-15s %-10s %-20s\n", "Filename", "Size", "Chunks", "Created")
	for _, f := range files {
		fmt.Printf("%-40s %-15d %-10d %-20s\n", f.Filename, f.Size, f.Chunks, f.CreatedAt)
	}
	fmt.Printf("total files: %d\n", len(files))
	return nil
}

func fileInfo(c *client.Client, name string) error {
	info, err := c.Info(name)
	if err != nil {
		return err
	}
	fmt.Printf("Filename: %s\n", info.Filename)
	fmt.Printf("Size: %d bytes\n", info.Size)
	fmt.Printf("Chunk Size: %d bytes\n", info.ChunkSize)
	fmt.Printf("Replication Factor: %d\n", info.ReplicationFactor)
	fmt.Printf("Chunks: %d\n", len(info.Chunks))

	indices := make([]int, 0, len(info.Chunks))
	for key := range info.Chunks {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		fmt.Printf("  chunk %d: %v\n", idx, info.Chunks[strconv.Itoa(idx)])
	}
	return nil
}

func clusterStatus(c *client.Client) error {
	status, err := c.ClusterStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Total Files: %d\n", status.TotalFiles)
	fmt.Printf("Total Size: %d bytes\n", status.TotalSize)
	fmt.Printf("%-15s %-25s %-8s %-8s %-30s\n", "Node ID", "Host:Port", "Status", "Chunks", "Space")
	for _, n := range status.DataNodes {
		state := "Alive"
		if !n.IsAlive {
			state = "Dead"
		}
		space := fmt.Sprintf("%d MB / %d MB", n.AvailableSpace>>20, n.TotalSpace>>20)
		fmt.Printf("%-15s %-25s %-8s %-8d %-30s\n",
			n.NodeID, fmt.Sprintf("%s:%d", n.Host, n.Port), state, n.ChunkCount, space)
	}
	return nil
}

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/chunkserver"
)

func main() {
	cfg := dfs.DefaultChunkServerConfig
	id := flag.String("id", "", "node id (defaults to a generated UUID)")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "data-plane host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "data-plane port")
	flag.StringVar(&cfg.StorageDir, "storage", "", "storage directory")
	flag.StringVar(&cfg.NameServerAddr, "nameserver", cfg.NameServerAddr, "name server address")
	flag.Parse()

	if *id == "" {
		*id = uuid.NewString()
		log.Infof("no node id supplied, using %v", *id)
	}
	cfg.ID = dfs.NodeID(*id)

	cs, err := chunkserver.NewAndServe(cfg)
	if err != nil {
		log.Fatal("chunkserver: ", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down ChunkServer %v", cfg.ID)
	cs.Shutdown()
}

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	dfs "github.com/ApurboSM/hdfs-lite"
	"github.com/ApurboSM/hdfs-lite/nameserver"
)

func main() {
	cfg := dfs.DefaultNameServerConfig
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "control-plane listen address")
	flag.StringVar(&cfg.AdminAddr, "admin", "", "HTTP monitoring address (empty disables)")
	flag.Int64Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	flag.IntVar(&cfg.ReplicationFactor, "replicas", cfg.ReplicationFactor, "replication factor")
	flag.Parse()

	ns, err := nameserver.NewAndServe(cfg)
	if err != nil {
		log.Fatal("nameserver: ", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down NameServer")
	ns.Shutdown()
}

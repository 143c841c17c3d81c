package nameserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// serveAdmin exposes a read-only HTTP monitoring surface. The JSON
// control plane stays the only way to mutate metadata.
func (ns *NameServer) serveAdmin(addr string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", ns.adminHealth)
	router.GET("/system/nodes", ns.adminNodes)
	router.GET("/system/files", ns.adminFiles)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Infof("admin endpoint listening on %v", addr)
	if err := router.Run(addr); err != nil {
		log.Warning("admin endpoint stopped: ", err)
	}
}

func (ns *NameServer) adminHealth(c *gin.Context) {
	alive, total := ns.nodes.Counts()
	status := "healthy"
	if alive < total || total == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"aliveNodes": alive,
		"totalNodes": total,
	})
}

func (ns *NameServer) adminNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": ns.nodes.Status()})
}

func (ns *NameServer) adminFiles(c *gin.Context) {
	files, bytes, chunks := ns.files.Totals()
	c.JSON(http.StatusOK, gin.H{
		"files":      ns.files.List(),
		"totalFiles": files,
		"totalSize":  bytes,
		"chunks":     chunks,
	})
}

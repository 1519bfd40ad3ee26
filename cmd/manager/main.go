package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livefabric/internal/cascade"
	"livefabric/internal/cluster"
	"livefabric/internal/core/domain"
	"livefabric/pkg/config"
	"livefabric/pkg/logger"

	"github.com/gin-gonic/gin"
)

// The manager binary is the cluster overview tier: it reads the shared
// registry, exposes the node and stream placement view, and can stitch two
// edges together by triggering a reforward on the source node.
func main() {
	configPaths := []string{
		"configs/manager.yaml",
		"./manager.yaml",
	}
	if env := os.Getenv("LIVEFABRIC_CONFIG"); env != "" {
		configPaths = append([]string{env}, configPaths...)
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if cfg, err = config.Load(path); err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if !cfg.Cluster.Enabled {
		log.Fatalw("manager requires cluster.enabled with a redis address")
	}
	registry, err := cluster.NewRedisRegistry(
		cfg.Cluster.Redis.Address, cfg.Cluster.Redis.Password,
		cfg.Cluster.Redis.DB, cfg.Cluster.Redis.PoolSize, log)
	if err != nil {
		log.Fatalw("failed to connect cluster registry", "error", err)
	}
	defer registry.Close()

	client := cascade.NewClient(cfg.Cascade.ConnectTimeout, cfg.Cascade.TotalTimeout, log)

	if cfg.Logging.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Cluster view: all nodes with liveness.
	router.GET("/api/nodes", func(c *gin.Context) {
		nodes, err := registry.Nodes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		now := time.Now()
		type nodeView struct {
			domain.NodeRecord
			Alive bool `json:"alive"`
		}
		out := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeView{NodeRecord: n, Alive: n.Alive(now)})
		}
		c.JSON(http.StatusOK, out)
	})

	// Aggregated stream view across all alive nodes.
	router.GET("/api/streams", func(c *gin.Context) {
		nodes, err := registry.Nodes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		now := time.Now()
		out := make(map[string][]domain.StreamSnapshot)
		for _, n := range nodes {
			if !n.Alive(now) {
				continue
			}
			infos, err := client.StreamInfo(c.Request.Context(), n.URL, n.Metadata.Auth.Authorization, nil)
			if err != nil {
				log.Warnw("node info failed", "node", n.URL, "error", err)
				continue
			}
			out[n.Alias] = infos
		}
		c.JSON(http.StatusOK, out)
	})

	type stitchRequest struct {
		SourceURL string `json:"sourceUrl" binding:"required"`
		TargetURL string `json:"targetUrl" binding:"required"`
	}

	// Stitch: ask the source node to push the stream to the target node.
	router.POST("/api/reforward/:stream", func(c *gin.Context) {
		var req stitchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stream := domain.StreamID(c.Param("stream"))

		var adminAuth string
		if nodes, err := registry.Nodes(c.Request.Context()); err == nil {
			for _, n := range nodes {
				if n.URL == req.SourceURL {
					adminAuth = n.Metadata.Auth.AdminAuthorization
				}
			}
		}

		targetWhip := req.TargetURL + "/whip/" + string(stream)
		if err := client.Reforward(c.Request.Context(), req.SourceURL, adminAuth, stream, targetWhip); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Node.Address, Handler: router}
	go func() {
		log.Infow("manager listening", "address", cfg.Node.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// cmd/server is the main entrypoint for a gossipkv node.
//
// Configuration comes from a YAML file (see internal/config), with a
// handful of flags available to override individual fields for quick
// single-node experiments without editing a file.
//
// Example — single node:
//
//	./gossipkv-server --id node1 --port 8080 --data-dir /var/gossipkv/node1
//
// Example — a 3-node gossip mesh, one invocation per node:
//
//	./gossipkv-server --id node1 --port 8080 --data-dir /tmp/n1 \
//	                  --peers localhost:8081,localhost:8082
//	./gossipkv-server --id node2 --port 8081 --data-dir /tmp/n2 \
//	                  --peers localhost:8080,localhost:8082
//	./gossipkv-server --id node3 --port 8082 --data-dir /tmp/n3 \
//	                  --peers localhost:8080,localhost:8081
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gossipkv/internal/api"
	"gossipkv/internal/config"
	"gossipkv/internal/node"
	"gossipkv/internal/nodeid"
	"gossipkv/internal/store"
)

var log = logrus.WithField("component", "cmd/server")

func main() {
	var (
		configPath string
		nodeID     string
		port       int
		dataDir    string
		peersFlag  string
	)

	root := &cobra.Command{
		Use:   "gossipkv-server",
		Short: "Run a gossipkv replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if port != 0 {
				cfg.Port = port
			}
			if dataDir != "" {
				cfg.Store.DataDir = dataDir
			}
			if peersFlag != "" {
				cfg.Peers = strings.Split(peersFlag, ",")
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if cfg.NodeID == "" {
				cfg.NodeID = nodeid.New()
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&nodeID, "id", "", "unique node identifier (random if omitted)")
	root.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	root.Flags().StringVar(&dataDir, "data-dir", "", "directory for WAL and snapshots (overrides config)")
	root.Flags().StringVar(&peersFlag, "peers", "", "comma-separated list of peer host:port addresses (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	nodeDataDir := fmt.Sprintf("%s/%s", cfg.Store.DataDir, cfg.NodeID)
	storage, err := store.NewFileStorage(nodeDataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	n, err := node.New(node.Options{NodeID: cfg.NodeID, Cfg: cfg, Storage: storage})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	handler := api.NewHandler(n)
	handler.Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second, // must exceed the /subscribe long-poll ping interval
		WriteTimeout: 0,                // streaming endpoints (subscribe, gossip) must not be cut off
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.WithField("addr", srv.Addr).WithField("nodeId", cfg.NodeID).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Give the listener a moment to come up before dialing peers and
	// accepting their dials back.
	time.Sleep(100 * time.Millisecond)
	n.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.WithField("nodeId", cfg.NodeID).Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := n.Shutdown(shutdownCtx, 2*time.Second); err != nil {
		log.WithError(err).Warn("node shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	return nil
}

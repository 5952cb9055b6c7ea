// Package api wires up the Gin HTTP router with all handler functions,
// fronting the node.Node facade instead of the teacher's
// cluster.Replicator/Membership pair.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gossipkv/internal/node"
	"gossipkv/internal/resolve"
	"gossipkv/internal/store"
	"gossipkv/internal/subscribe"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	node *node.Node
}

// NewHandler creates a Handler.
func NewHandler(n *node.Node) *Handler {
	return &Handler{node: n}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	kv := r.Group("/kv")
	kv.GET("/*path", h.Get)
	kv.PUT("/*path", h.Put)
	kv.DELETE("/*path", h.Delete)

	r.GET("/scan", h.Scan)
	r.GET("/history/*path", h.History)
	r.GET("/subscribe", h.Subscribe)
	r.GET("/cluster/peers", h.ListPeers)

	admin := r.Group("/admin")
	admin.POST("/sync", h.RunAntiEntropy)
	admin.POST("/conflict-strategy", h.SetConflictStrategy)

	// Internal endpoint used only by peer nodes to establish a gossip
	// session (handshake, broadcast, anti-entropy all ride this socket).
	r.GET("/gossip", h.Gossip)

	r.GET("/health", h.Health)
}

// ─── Public KV handlers ───────────────────────────────────────────────────

// Put handles PUT /kv/*path. Body: {"value": <any JSON>}
func (h *Handler) Put(c *gin.Context) {
	path := c.Param("path")

	var body struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.node.Put(c.Request.Context(), path, body.Value)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":  path,
		"value": rec.Value,
		"clock": rec.VectorClock,
	})
}

// Get handles GET /kv/*path
func (h *Handler) Get(c *gin.Context) {
	path := c.Param("path")
	val := h.node.Get(path)
	if val == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "path not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": val})
}

// Delete handles DELETE /kv/*path
func (h *Handler) Delete(c *gin.Context) {
	path := c.Param("path")
	if err := h.node.Del(c.Request.Context(), path); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": path})
}

// Scan handles GET /scan?prefix=&limit=
func (h *Handler) Scan(c *gin.Context) {
	prefix := c.Query("prefix")
	limit := 0
	if l := c.Query("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	records := h.node.Scan(prefix, limit)
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// History handles GET /history/*path
func (h *Handler) History(c *gin.Context) {
	path := c.Param("path")
	c.JSON(http.StatusOK, gin.H{"path": path, "history": h.node.GetVersionHistory(path)})
}

// Subscribe handles GET /subscribe?prefix= by streaming Server-Sent Events
// for every commit under prefix until the client disconnects.
func (h *Handler) Subscribe(c *gin.Context) {
	prefix := c.Query("prefix")

	events := make(chan subscribe.Event, 16)
	id := h.node.Subscribe(prefix, func(ev subscribe.Event) {
		select {
		case events <- ev:
		default:
			// A stalled client must not block the commit path; drop.
		}
	})
	defer h.node.Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case ev := <-events:
			c.SSEvent("commit", gin.H{"path": ev.Path, "value": ev.Record.Value, "deleted": ev.Record.Deleted})
			return true
		case <-c.Request.Context().Done():
			return false
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}

// ListPeers handles GET /cluster/peers
func (h *Handler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.node.Peers()})
}

// ─── Admin handlers ─────────────────────────────────────────────────────

// RunAntiEntropy handles POST /admin/sync: manually triggers a sync pass
// against every open peer, per spec.md §7.
func (h *Handler) RunAntiEntropy(c *gin.Context) {
	h.node.RunAntiEntropy(c.Request.Context())
	c.Status(http.StatusAccepted)
}

// SetConflictStrategy handles POST /admin/conflict-strategy.
// Body: {"prefix": "...", "strategy": "..."}
func (h *Handler) SetConflictStrategy(c *gin.Context) {
	var body struct {
		Prefix   string `json:"prefix"`
		Strategy string `json:"strategy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.node.SetConflictStrategy(body.Prefix, resolve.Strategy(body.Strategy)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Gossip handles GET /gossip: upgrades the HTTP connection to a
// websocket-backed peer session for an inbound-dialing peer.
func (h *Handler) Gossip(c *gin.Context) {
	if err := h.node.Registry().AcceptInbound(c.Request.Context(), c.Writer, c.Request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"node": h.node.ID(), "status": "ok"})
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, store.ErrInvalidValue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, node.ErrDraining):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Package httpapi is the HTTP façade: read-only query endpoints plus an
// SSE stream of newly committed AggregateRows. It never writes to
// either store (the ingest task is the only writer), and it never
// panics on malformed client input.
package httpapi

import (
	"context"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/loggo"

	"github.com/SurmountSystems/gabriel-v3/internal/aggregates"
	"github.com/SurmountSystems/gabriel-v3/internal/bus"
	"github.com/SurmountSystems/gabriel-v3/internal/database"
	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

var log = loggo.GetLogger("httpapi")

const defaultLatestNumBlocks = 10

// Server is the read-only HTTP façade over the Aggregates Store and
// Subscriber Bus.
type Server struct {
	aggStore *aggregates.Store
	bus      *bus.Bus
	engine   *gin.Engine
	httpSrv  *http.Server
}

// New builds the gin router and wraps it in an *http.Server listening
// on listenAddr. Call Run to serve.
func New(aggStore *aggregates.Store, b *bus.Bus, listenAddr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		aggStore: aggStore,
		bus:      b,
		engine:   r,
	}

	api := r.Group("/api")
	{
		api.GET("/blocks/latest", s.handleLatest)
		api.GET("/blocks/range", s.handleByDateRange)
		api.GET("/block/hash/:hash", s.handleByHash)
		api.GET("/block/height/:height", s.handleByHeight)
		api.GET("/blocks/stream", s.handleStream)
	}

	s.httpSrv = &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests
// with a bounded shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %v", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
			return
		}
		errC <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		<-errC
		return nil
	case err := <-errC:
		return err
	}
}

func jsonError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// handleLatest serves GET /api/blocks/latest?address_type=&num_blocks=
func (s *Server) handleLatest(c *gin.Context) {
	kindStr := c.DefaultQuery("address_type", "p2pk")
	kind, ok := parseAddressType(kindStr)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid address_type, want p2pk or p2tr")
		return
	}

	numBlocks := defaultLatestNumBlocks
	if raw := c.Query("num_blocks"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(c, http.StatusBadRequest, "invalid num_blocks")
			return
		}
		numBlocks = n
	}

	all, err := s.aggStore.Latest()
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "failed to query latest aggregates")
		return
	}

	var filtered []gabriel.AggregateRow
	for _, r := range all {
		if r.ScriptKind == kind {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		c.JSON(http.StatusOK, []aggregateRowJSON{})
		return
	}

	tip, err := s.aggStore.ChainTip()
	if err == nil {
		from := tip.Height
		if uint32(numBlocks) <= from {
			from = tip.Height - uint32(numBlocks) + 1
		} else {
			from = 0
		}
		rows, err := s.aggStore.ByHeightRange(from, tip.Height)
		if err == nil {
			filtered = filtered[:0]
			for _, r := range rows {
				if r.ScriptKind == kind {
					filtered = append(filtered, r)
				}
			}
		}
	}

	c.JSON(http.StatusOK, renderRows(filtered))
}

// handleByHash serves GET /api/block/hash/:hash
func (s *Server) handleByHash(c *gin.Context) {
	hashHex := c.Param("hash")
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil || len(hashBytes) != 32 {
		jsonError(c, http.StatusBadRequest, "invalid block hash, want 64 hex characters")
		return
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	hash = gabriel.ReverseHash(hash) // :hash arrives in display order; rows are keyed internally

	// The Aggregates Store is keyed by height; resolve the chain tip and
	// search the row set for a matching hash. Stores at Gabriel's scale
	// keep the whole recent tip window in one page, so this is a plain
	// linear scan rather than a second hash index.
	tip, err := s.aggStore.ChainTip()
	if err != nil {
		if database.ErrZeroRows.Is(err) {
			jsonError(c, http.StatusNotFound, "no blocks committed yet")
			return
		}
		jsonError(c, http.StatusInternalServerError, "failed to query chain tip")
		return
	}

	rows, err := s.aggStore.ByHeightRange(0, tip.Height)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "failed to query aggregates")
		return
	}
	var matched []gabriel.AggregateRow
	for _, r := range rows {
		if r.BlockHash == hash {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		jsonError(c, http.StatusNotFound, "block not found")
		return
	}
	c.JSON(http.StatusOK, renderRows(matched))
}

// handleByDateRange serves GET /api/blocks/range?from=&to= (YYYY-MM-DD,
// inclusive on both ends).
func (s *Server) handleByDateRange(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")
	if from == "" || to == "" {
		jsonError(c, http.StatusBadRequest, "from and to are required, YYYY-MM-DD")
		return
	}

	rows, err := s.aggStore.ByDateRange(from, to)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "failed to query aggregates")
		return
	}
	c.JSON(http.StatusOK, renderRows(rows))
}

// handleByHeight serves GET /api/block/height/:height
func (s *Server) handleByHeight(c *gin.Context) {
	heightStr := c.Param("height")
	height, err := strconv.ParseUint(heightStr, 10, 32)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "invalid height")
		return
	}

	rows, err := s.aggStore.ByHeightRange(uint32(height), uint32(height))
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "failed to query aggregates")
		return
	}
	if len(rows) == 0 {
		jsonError(c, http.StatusNotFound, "block not found")
		return
	}
	c.JSON(http.StatusOK, renderRows(rows))
}

// handleStream serves GET /api/blocks/stream: an SSE stream of newly
// committed AggregateRows, P2PK only by default.
func (s *Server) handleStream(c *gin.Context) {
	kind, ok := parseAddressType(c.DefaultQuery("address_type", "p2pk"))
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid address_type, want p2pk or p2tr")
		return
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-sub.Dropped:
			c.SSEvent("terminal", gin.H{"reason": "subscriber buffer overflow"})
			return false
		case row, ok := <-sub.Rows:
			if !ok {
				return false
			}
			if row.ScriptKind != kind {
				return true
			}
			c.SSEvent("aggregate", renderRow(row))
			return true
		}
	})
}

func parseAddressType(s string) (gabriel.ScriptKind, bool) {
	switch s {
	case "p2pk":
		return gabriel.P2PK, true
	case "p2tr":
		return gabriel.P2TR, true
	default:
		return 0, false
	}
}

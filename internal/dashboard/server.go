package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookflow/config"
	"bookflow/internal/aggregate"
	"bookflow/internal/book"
	"bookflow/internal/history"
	"bookflow/logger"
	"bookflow/models"
)

// DepthSource provides the live books for one canonical symbol, priority
// order. The processor satisfies it.
type DepthSource interface {
	Books(canonical string) []*book.OrderBook
}

// GapSource exposes the aggregator's bounded gap window and alert states.
type GapSource interface {
	Recent(canonical string) []aggregate.GapReading
	AlertStates() []models.AlertState
}

// HistorySource reads persisted analytics rows. Nil when history is disabled.
type HistorySource interface {
	Recent(symbol string, n int) ([]history.Record, error)
}

// Server hosts the read-only JSON API over the engine's state. It only ever
// reads: book access goes through the RWMutex read path and analytics come
// from the snapshot sink.
type Server struct {
	cfg         config.DashboardConfig
	log         *logger.Log
	store       *snapshotStore
	depth       DepthSource
	gaps        GapSource
	hist        HistorySource
	symbols     []string
	depthLevels int
	httpServer  *http.Server
	started     time.Time
}

// NewServer constructs the dashboard server when enabled; disabled config
// yields a nil server, safe to Run. depthLevels is the default level count
// for the depth endpoint when the request does not ask for a specific one.
func NewServer(cfg config.DashboardConfig, depthLevels int, symbols []string, depth DepthSource, gaps GapSource, hist HistorySource) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = 100
	}
	if depthLevels <= 0 {
		depthLevels = 10
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	return &Server{
		cfg:         cfg,
		log:         logger.GetLogger(),
		store:       newSnapshotStore(),
		depth:       depth,
		gaps:        gaps,
		hist:        hist,
		symbols:     sorted,
		depthLevels: depthLevels,
	}
}

// Run consumes the snapshot sink and serves the API until the context is
// cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context, snapshots <-chan models.AnalyticsSnapshot) error {
	if s == nil {
		return nil
	}

	s.started = time.Now().UTC()
	go s.store.run(ctx, snapshots)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", s.handleHealth)
	router.GET("/api/symbols", s.handleSymbols)
	router.GET("/api/analytics", s.handleAnalyticsAll)
	router.GET("/api/analytics/:symbol", s.handleAnalytics)
	router.GET("/api/depth/:symbol", s.handleDepth)
	router.GET("/api/gaps/:symbol", s.handleGaps)
	router.GET("/api/history/:symbol", s.handleHistory)
	router.GET("/api/alerts", s.handleAlerts)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	synced := 0
	total := 0
	for _, symbol := range s.symbols {
		for _, b := range s.depth.Books(symbol) {
			total++
			if b.IsSynced() {
				synced++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.started).String(),
		"books":        total,
		"books_synced": synced,
	})
}

func (s *Server) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.symbols})
}

func (s *Server) handleAnalyticsAll(c *gin.Context) {
	snaps := s.store.all()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Symbol < snaps[j].Symbol })
	c.JSON(http.StatusOK, gin.H{"analytics": snaps})
}

func (s *Server) handleAnalytics(c *gin.Context) {
	symbol := c.Param("symbol")
	snap, ok := s.store.get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analytics for symbol", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDepth(c *gin.Context) {
	symbol := c.Param("symbol")
	levels := intQuery(c, "levels", s.depthLevels)
	exchangeFilter := c.Query("exchange")

	books := s.depth.Books(symbol)
	if len(books) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol", "symbol": symbol})
		return
	}

	payload := make([]gin.H, 0, len(books))
	for _, b := range books {
		if exchangeFilter != "" && !strings.EqualFold(b.Exchange(), exchangeFilter) {
			continue
		}
		bids, asks := b.Depth(levels)
		payload = append(payload, gin.H{
			"exchange":      b.Exchange(),
			"synced":        b.IsSynced(),
			"last_sequence": b.LastSequence(),
			"last_update":   b.LastUpdate(),
			"bids":          bids,
			"asks":          asks,
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "books": payload})
}

func (s *Server) handleGaps(c *gin.Context) {
	symbol := c.Param("symbol")
	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"readings": s.gaps.Recent(symbol),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	symbol := c.Param("symbol")
	limit := intQuery(c, "limit", s.cfg.History)

	rows, err := s.hist.Recent(symbol, limit)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Error("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "rows": rows})
}

func (s *Server) handleAlerts(c *gin.Context) {
	states := s.gaps.AlertStates()
	sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })
	c.JSON(http.StatusOK, gin.H{"alerts": states})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

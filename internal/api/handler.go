// Package api serves the book over HTTP and reports health over HTTP and
// gRPC.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/caesar-terminal/l2book/internal/engine"
	"github.com/caesar-terminal/l2book/internal/feed"
)

const (
	bookPath    = "/v1/book"
	statsPath   = "/v1/stats"
	levelPath   = "/v1/level"
	stopPath    = "/v1/stop"
	healthPath  = "/healthz"
	metricsPath = "/metrics"

	maxDepth = 1000
)

var (
	errInvalidDepth = errors.New("depth must be an integer between 1 and 1000")
	errNoFeed       = errors.New("no feed to stop")
	errInvalidSide  = errors.New("side must be buy or sell")
	errInvalidPrice = errors.New("price must be a non-negative decimal")
)

// Book is the read side of the engine.
type Book interface {
	View(n int) book.View
	Stats() engine.Stats
	SizeAt(side book.Side, price decimal.Decimal) (decimal.Decimal, bool)
}

// Health reports whether the book can be trusted. Satisfied by
// *adapter.CircuitBreaker.
type Health interface {
	Status() (bool, string)
}

// Stopper stops the market-data feed. Satisfied by *coinbase.Feed.
type Stopper interface {
	Stop() error
}

// Config wires the handler to its collaborators. Health, Feed, Stream and
// Gatherer may be nil.
type Config struct {
	Book     Book
	Health   Health
	Feed     Stopper
	Stream   *Broadcaster
	Gatherer prometheus.Gatherer
	Depth    int
	Log      *logrus.Entry
}

type Handler struct {
	router *gin.Engine
	cfg    Config
}

// NewHandler builds the router.
func NewHandler(cfg Config) *Handler {
	if cfg.Depth <= 0 {
		cfg.Depth = 8
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{router: router, cfg: cfg}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET(bookPath, h.getBook)
	h.router.GET(statsPath, h.getStats)
	h.router.GET(levelPath, h.getLevel)
	h.router.POST(stopPath, h.stopFeed)
	h.router.GET(healthPath, h.getHealth)

	if h.cfg.Stream != nil {
		h.router.GET(streamPath, h.cfg.Stream.serve)
	}
	if h.cfg.Gatherer != nil {
		h.router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

// getBook returns up to depth levels per side. Prices and sizes are
// decimal strings; asks are ascending and bids descending.
func (h *Handler) getBook(c *gin.Context) {
	depth := h.cfg.Depth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDepth {
			writeError(c, http.StatusBadRequest, errInvalidDepth)
			return
		}
		depth = n
	}
	c.JSON(http.StatusOK, h.cfg.Book.View(depth))
}

func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg.Book.Stats())
}

// getLevel returns the size resting at one price. An absent level has size 0.
func (h *Handler) getLevel(c *gin.Context) {
	var side book.Side
	switch c.Query("side") {
	case feed.SideBuy:
		side = book.Bid
	case feed.SideSell:
		side = book.Ask
	default:
		writeError(c, http.StatusBadRequest, errInvalidSide)
		return
	}
	price, err := decimal.NewFromString(c.Query("price"))
	if err != nil || price.IsNegative() {
		writeError(c, http.StatusBadRequest, errInvalidPrice)
		return
	}

	size, ok := h.cfg.Book.SizeAt(side, price)
	if !ok {
		size = decimal.Zero
	}
	c.JSON(http.StatusOK, gin.H{
		"side":  c.Query("side"),
		"price": price.String(),
		"size":  size.String(),
	})
}

// stopFeed unsubscribes and closes the feed. The book keeps serving its
// last state.
func (h *Handler) stopFeed(c *gin.Context) {
	if h.cfg.Feed == nil {
		writeError(c, http.StatusNotFound, errNoFeed)
		return
	}
	if err := h.cfg.Feed.Stop(); err != nil {
		h.cfg.Log.WithError(err).Warn("api: stop feed")
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handler) getHealth(c *gin.Context) {
	if h.cfg.Health == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true, "reason": "ok"})
		return
	}
	ok, reason := h.cfg.Health.Status()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": ok, "reason": reason})
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Package web serves the ops HTTP API: health, metrics and a few admin actions.
package web

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/admission"
	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	PageSize        = 50
	shutdownTimeout = 10 * time.Second
)

type ConfigProvider interface {
	Get(ctx context.Context) types.CapacityConfig
}

type SlotCounter interface {
	AvailableSlots(ctx context.Context) (admission.Slots, error)
}

type BreakerResetter interface {
	Reset(ctx context.Context, chipID int64) error
}

type EntryCanceller interface {
	Cancel(ctx context.Context, entryID int64) error
}

type LinkLister interface {
	ListByStatus(ctx context.Context, status state.LinkStatus, page int, pageSize int) (*types.PaginationResult[types.Link], error)
	CountAllGroupedByStatus(ctx context.Context) (map[state.LinkStatus]int, error)
}

type EntryCounter interface {
	CountAllGroupedByStatus(ctx context.Context) (map[state.EntryStatus]int, error)
}

type HttpRouteHandler struct {
	Capacity   ConfigProvider
	Slots      SlotCounter
	Breaker    BreakerResetter
	Entries    EntryCanceller
	Links      LinkLister
	Queue      EntryCounter
	Gatherer   prometheus.Gatherer
	AdminToken string
	Logger     logrus.FieldLogger
}

// Router builds the gin engine. Admin routes are only mounted when an admin token is set.
func (handler *HttpRouteHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(handler.Gatherer, promhttp.HandlerOpts{})))

	if handler.AdminToken == "" {
		handler.Logger.Warn("ops admin token not set, admin routes disabled")
		return r
	}

	admin := r.Group("/admin", requireAdminToken(handler.AdminToken, handler.Logger))
	admin.GET("/capacity", handler.handleCapacity)
	admin.GET("/links", handler.handleLinks)
	admin.GET("/stats", handler.handleStats)
	admin.POST("/chips/:id/circuit-breaker/reset", handler.handleBreakerReset)
	admin.POST("/entries/:id/cancel", handler.handleEntryCancel)

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (handler *HttpRouteHandler) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: handler.Router()}

	errCh := make(chan error, 1)
	go func() {
		handler.Logger.WithField("addr", addr).Info("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (handler *HttpRouteHandler) handleCapacity(c *gin.Context) {
	ctx := c.Request.Context()
	cfg := handler.Capacity.Get(ctx)

	phases := make(gin.H, len(cfg.Phases))
	for phase, limits := range cfg.Phases {
		phases[string(phase)] = gin.H{
			"daily_limit":     limits.DailyLimit,
			"six_hour_limit":  limits.SixHourLimit,
			"minimum_delay":   limits.MinimumDelay.String(),
			"window_start":    limits.Window.Start.String(),
			"window_end":      limits.Window.End.String(),
			"window_weekdays": limits.Window.Days,
		}
	}

	slots, err := handler.Slots.AvailableSlots(ctx)
	if err != nil {
		respondError(c, handler.Logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trust_minimum":            cfg.TrustMinimum,
		"max_consecutive_failures": cfg.MaxConsecutiveFailures,
		"timezone":                 cfg.Location().String(),
		"phases":                   phases,
		"available": gin.H{
			"daily":    slots.Daily,
			"six_hour": slots.SixHour,
			"chips":    slots.Chips,
		},
	})
}

func (handler *HttpRouteHandler) handleLinks(c *gin.Context) {
	status := state.LinkStatus(c.DefaultQuery("status", string(state.LinkValidated)))
	if !slices.Contains(state.AllLinkStatuses, status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown link status"})
		return
	}

	links, err := handler.Links.ListByStatus(c.Request.Context(), status, getPageNumber(c), PageSize)
	if err != nil {
		respondError(c, handler.Logger, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

func (handler *HttpRouteHandler) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	links, err := handler.Links.CountAllGroupedByStatus(ctx)
	if err != nil {
		respondError(c, handler.Logger, err)
		return
	}
	entries, err := handler.Queue.CountAllGroupedByStatus(ctx)
	if err != nil {
		respondError(c, handler.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "queue_entries": entries})
}

func (handler *HttpRouteHandler) handleBreakerReset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := handler.Breaker.Reset(c.Request.Context(), id); err != nil {
		respondError(c, handler.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chip_id": id, "circuit_breaker_open": false})
}

func (handler *HttpRouteHandler) handleEntryCancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := handler.Entries.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, handler.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": id, "status": state.EntryCancelled})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, logger logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, custom_errors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, custom_errors.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("ops request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Package health exposes a read-only liveness surface for the worker loop.
// It may observe orchestrator state but never mutates it and never blocks
// the worker.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// Stats collects worker counters. All fields are atomics, so the status
// server can read them without coordinating with the worker.
type Stats struct {
	started   time.Time
	cycles    atomic.Int64
	messages  atomic.Int64
	succeeded atomic.Int64
	rejected  atomic.Int64
	transient atomic.Int64
	lastCycle atomic.Int64 // unix nanoseconds, 0 until the first cycle
}

// NewStats creates a Stats anchored at the current time.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// CycleFinished records the completion of one polling cycle.
func (s *Stats) CycleFinished() {
	s.cycles.Add(1)
	s.lastCycle.Store(time.Now().UnixNano())
}

// MessageProcessed records one fully handled mailbox message.
func (s *Stats) MessageProcessed() {
	s.messages.Add(1)
}

// OutcomeRecorded tallies one submission outcome.
func (s *Stats) OutcomeRecorded(status types.OutcomeStatus) {
	switch status {
	case types.Succeeded:
		s.succeeded.Add(1)
	case types.RejectedByValidation:
		s.rejected.Add(1)
	case types.TransientFailure:
		s.transient.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds     int64      `json:"uptime_seconds"`
	Cycles            int64      `json:"cycles"`
	MessagesProcessed int64      `json:"messages_processed"`
	RecordsSucceeded  int64      `json:"records_succeeded"`
	RecordsRejected   int64      `json:"records_rejected"`
	RecordsTransient  int64      `json:"records_transient"`
	LastCycle         *time.Time `json:"last_cycle,omitempty"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		Cycles:            s.cycles.Load(),
		MessagesProcessed: s.messages.Load(),
		RecordsSucceeded:  s.succeeded.Load(),
		RecordsRejected:   s.rejected.Load(),
		RecordsTransient:  s.transient.Load(),
	}
	if ns := s.lastCycle.Load(); ns != 0 {
		t := time.Unix(0, ns)
		snap.LastCycle = &t
	}
	return snap
}

// Server serves the liveness and status endpoints.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

// NewServer builds the status server. seenCount is read lazily on each
// /status request; it must be cheap and must not block.
func NewServer(addr string, stats *Stats, seenCount func() int, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/status", func(c *gin.Context) {
		snap := stats.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"stats":         snap,
			"messages_seen": seenCount(),
		})
	})

	return &Server{
		srv:    &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.srv.Addr).Info("Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Status server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

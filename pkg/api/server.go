// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the control loop over HTTP: event intake next to the
// Kafka source, and a read-only view of the live remediations.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/source"
)

// maxEventSize bounds request bodies on the intake route.
const maxEventSize = 1 << 20

// Remediations is the part of the control loop the API serves.
type Remediations interface {
	HandleEvent(ctx context.Context, ev *event.Event)
	Lookup(requestID string) (*eventmanager.Manager, bool)
	Remediations() []*eventmanager.Manager
}

type Config struct {
	Addr  string `yaml:"addr,omitempty"`
	Debug bool   `yaml:"debug,omitempty"`
}

// Status summarizes one remediation. History is only filled for single
// lookups.
type Status struct {
	RequestID        string           `json:"requestId"`
	ClosedLoopName   string           `json:"closedLoopControlName"`
	State            string           `json:"state"`
	FinalResult      string           `json:"finalResult,omitempty"`
	Onsets           int              `json:"onsets"`
	Abatements       int              `json:"abatements"`
	Attempts         int              `json:"attempts"`
	RemainingSeconds float64          `json:"remainingSeconds"`
	History          []outcome.Record `json:"history,omitempty"`
}

func statusOf(m *eventmanager.Manager, withHistory bool) Status {
	onsets, abatements := m.Counts()

	s := Status{
		RequestID:        m.RequestID(),
		ClosedLoopName:   m.ClosedLoopName(),
		State:            string(m.State()),
		FinalResult:      string(m.FinalResult()),
		Onsets:           onsets,
		Abatements:       abatements,
		Attempts:         m.Attempts(),
		RemainingSeconds: m.Remaining().Seconds(),
	}

	if withHistory {
		s.History = m.FullHistory()
	}

	return s
}

type Server struct {
	cfg    Config
	loop   Remediations
	router *gin.Engine
	server *http.Server
	logger *zap.SugaredLogger
}

func NewServer(cfg Config, loop Remediations) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		loop:   loop,
		logger: logger.For(logger.ComponentAPI),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.loggingMiddleware())

	router.GET("/healthz", s.health)

	v1 := router.Group("/v1")
	v1.POST("/events", s.postEvent)
	v1.GET("/remediations", s.listRemediations)
	v1.GET("/remediations/:requestId", s.getRemediation)

	s.router = router

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Infow("Starting API server", "addr", s.cfg.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping API server")

	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debugw("API request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": len(s.loop.Remediations())})
}

func (s *Server) postEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEventSize)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})

		return
	}

	ev, err := source.Decode(body)
	if err != nil {
		metrics.RecordEvent("DECODE_ERROR")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	// the outcome is reported through notifications, not the response
	s.loop.HandleEvent(c.Request.Context(), ev)

	c.JSON(http.StatusAccepted, gin.H{"requestId": ev.RequestID})
}

func (s *Server) listRemediations(c *gin.Context) {
	managers := s.loop.Remediations()

	out := make([]Status, 0, len(managers))
	for _, m := range managers {
		out = append(out, statusOf(m, false))
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) getRemediation(c *gin.Context) {
	m, ok := s.loop.Lookup(c.Param("requestId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no remediation for request " + c.Param("requestId")})

		return
	}

	c.JSON(http.StatusOK, statusOf(m, true))
}

// Copyright 2023 UMH Systems GmbH
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

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/adms"
	"go.uber.org/zap"
)

// maxPayloadBytes bounds a single terminal upload.
const maxPayloadBytes = 16 << 20

type server struct {
	engine    *adms.Engine
	handshake adms.HandshakeOptions
	shutdown  interface{ ShuttingDown() bool }
}

// newRouter builds the terminal endpoints below /iclock and the management API below /api/v1.
// accounts may be empty, the API is unauthenticated then.
func newRouter(s *server, accounts gin.Accounts) *gin.Engine {
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	// Healthcheck
	router.GET("/", func(c *gin.Context) {
		if s.shutdown != nil && s.shutdown.ShuttingDown() {
			c.String(http.StatusOK, "shutdown")
		} else {
			c.String(http.StatusOK, "online")
		}
	})

	iclock := router.Group("/iclock")
	{
		iclock.GET("/cdata", s.getHandshake)
		iclock.POST("/cdata", s.postData)
		iclock.GET("/getrequest", s.getRequest)
		iclock.POST("/devicecmd", s.postDeviceCmd)
		iclock.GET("/ping", s.getPing)
	}

	middleware := []gin.HandlerFunc{gzip.Gzip(gzip.DefaultCompression)}
	if len(accounts) > 0 {
		middleware = append(middleware, gin.BasicAuth(accounts))
	}
	v1 := router.Group("/api/v1", middleware...)
	{
		v1.GET("/devices", s.getDevices)
		v1.POST("/users/bulk", s.postBulkUsers)
		v1.POST("/users/fetch", s.postUserFetch)
		v1.POST("/attlog/fetch", s.postAttLogFetch)
		v1.GET("/devices/:sn/commands", s.getCommands)
		v1.GET("/devices/:sn/events", s.getEvents)
		v1.GET("/devices/:sn/raw", s.getRaw)
		v1.GET("/devices/:sn/queue", s.getQueue)
		v1.GET("/devices/:sn/users", s.getUsers)
	}
	return router
}

// serialFrom reads the terminal serial, firmwares differ in its casing.
func serialFrom(c *gin.Context) string {
	if sn := strings.TrimSpace(c.Query("SN")); sn != "" {
		return sn
	}
	return strings.TrimSpace(c.Query("sn"))
}

func handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw(
		"Internal server error",
		"error", adms.SanitizeLine(err.Error()),
	)
	c.String(http.StatusInternalServerError, "The server had an internal error.")
}

func handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Errorw(
		"Invalid input error",
		"error", adms.SanitizeLine(err.Error()),
	)
	c.String(http.StatusBadRequest, "You have provided a wrong input. Please check your parameters")
}

func (s *server) getHandshake(c *gin.Context) {
	serial := serialFrom(c)
	if serial == "" {
		zap.S().Warnf("Handshake without serial from %s", c.ClientIP())
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(http.StatusOK, s.engine.Handshake(serial, s.handshake))
}

// postData ingests an upload. Terminals cannot act on errors, so every outcome is acknowledged with OK.
func (s *server) postData(c *gin.Context) {
	serial := serialFrom(c)
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		// A cut off body ends in a partial line that may still parse as a record
		zap.S().Warnf("Dropping upload of %s from %s after %d bytes: %s", serial, c.ClientIP(), len(body), err)
		if serial != "" {
			s.engine.Touch(serial)
		}
		c.String(http.StatusOK, "OK")
		return
	}
	if serial == "" {
		zap.S().Warnf("Upload without serial from %s (%d bytes) ignored", c.ClientIP(), len(body))
		c.String(http.StatusOK, "OK")
		return
	}
	// Storage must finish even if the terminal hangs up
	ctx := context.WithoutCancel(c.Request.Context())
	s.engine.Ingest(ctx, adms.IngestRequest{
		Serial:     serial,
		Table:      c.Query("table"),
		RemoteAddr: c.ClientIP(),
		Body:       body,
	})
	c.String(http.StatusOK, "OK")
}

func (s *server) getRequest(c *gin.Context) {
	serial := serialFrom(c)
	if serial == "" {
		c.String(http.StatusOK, "OK")
		return
	}
	body, _ := s.engine.Poll(serial, c.ClientIP())
	c.String(http.StatusOK, body)
}

func (s *server) postDeviceCmd(c *gin.Context) {
	serial := serialFrom(c)
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		zap.S().Warnf("Dropping command results of %s after %d bytes: %s", serial, len(body), err)
		c.String(http.StatusOK, "OK")
		return
	}
	if serial != "" {
		s.engine.CommandResults(serial, body)
	}
	c.String(http.StatusOK, "OK")
}

func (s *server) getPing(c *gin.Context) {
	if serial := serialFrom(c); serial != "" {
		s.engine.Touch(serial)
	}
	c.String(http.StatusOK, "OK")
}

func (s *server) getDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Devices())
}

func (s *server) postBulkUsers(c *gin.Context) {
	serial := serialFrom(c)
	if serial == "" {
		handleInvalidInputError(c, adms.ErrMissingSerial)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		handleInvalidInputError(c, err)
		return
	}
	var req adms.BulkRequest
	if err = json.Unmarshal(raw, &req); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	result, err := s.engine.BulkInsertUsers(serial, req, c.ClientIP())
	if err != nil {
		if errors.Is(err, adms.ErrMissingSerial) {
			handleInvalidInputError(c, err)
			return
		}
		handleInternalServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type queuedResponse struct {
	Serial  string `json:"serial"`
	Command string `json:"command"`
	Queued  bool   `json:"queued"`
}

func (s *server) postAttLogFetch(c *gin.Context) {
	serial := serialFrom(c)
	if serial == "" {
		handleInvalidInputError(c, adms.ErrMissingSerial)
		return
	}
	var dialect adms.FetchDialect
	if raw := c.Query("dialect"); raw != "" {
		var err error
		if dialect, err = adms.ParseFetchDialect(raw); err != nil {
			handleInvalidInputError(c, err)
			return
		}
	}
	command, queued := s.engine.QueueFetchWindow(serial, dialect, c.ClientIP())
	c.JSON(http.StatusOK, queuedResponse{Serial: serial, Command: command, Queued: queued})
}

func (s *server) postUserFetch(c *gin.Context) {
	serial := serialFrom(c)
	if serial == "" {
		handleInvalidInputError(c, adms.ErrMissingSerial)
		return
	}
	command, queued := s.engine.QueueUserFetch(serial, c.ClientIP())
	c.JSON(http.StatusOK, queuedResponse{Serial: serial, Command: command, Queued: queued})
}

func (s *server) getCommands(c *gin.Context) {
	c.JSON(http.StatusOK, emptyIfNil(s.engine.Commands(c.Param("sn"))))
}

func (s *server) getEvents(c *gin.Context) {
	c.JSON(http.StatusOK, emptyIfNil(s.engine.Events(c.Param("sn"))))
}

func (s *server) getRaw(c *gin.Context) {
	c.JSON(http.StatusOK, emptyIfNil(s.engine.RawPayloads(c.Param("sn"))))
}

func (s *server) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, emptyIfNil(s.engine.PendingCommands(c.Param("sn"))))
}

func (s *server) getUsers(c *gin.Context) {
	c.JSON(http.StatusOK, emptyIfNil(s.engine.Users(c.Param("sn"))))
}

// emptyIfNil makes unknown devices render as [] instead of null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

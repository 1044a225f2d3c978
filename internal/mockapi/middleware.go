// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ============================================================================
// Auth Middleware
// ============================================================================

// authRequired rejects API requests without the configured bearer token.
// The health check stays open.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !ValidateBearerToken(token, s.opts.Token) {
			s.log.Info("auth denied",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		c.Next()
	}
}

// ValidateBearerToken compares tokens in constant time. Empty tokens never match.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// Failure Injection
// ============================================================================

// failureInjector fails API requests queued with FailNext.
func (s *Server) failureInjector() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		s.mu.Lock()
		status := 0
		if len(s.failNext) > 0 {
			status = s.failNext[0]
			s.failNext = s.failNext[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"detail": "injected failure"})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Request Logging
// ============================================================================

// requestLogger logs one line per request with status and duration.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Defaults applied by New.
const (
	DefaultFragmentDelay = 40 * time.Millisecond
	DefaultMaxFileSize   = 50 * 1024 * 1024
	DefaultPageLimit     = 50
	MaxPageLimit         = 500
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer credential on every request.
	Token string

	// FragmentDelay is the pause between streamed fragments. Negative
	// disables the pause.
	FragmentDelay time.Duration

	// ProcessingDelay is how long an upload reports processed=false.
	ProcessingDelay time.Duration

	MaxFileSize int64

	// DBPath persists state to a BoltDB file when set.
	DBPath string

	// Reply overrides the canned reply text.
	Reply func(content string, files []api.RemoteFile) string

	Logger *zap.Logger
}

// =============================================================================
// SERVER
// =============================================================================

type conversationState struct {
	conv     model.Conversation
	messages []model.Message
}

// Server is the development backend.
type Server struct {
	mu            sync.Mutex
	conversations map[string]*conversationState
	files         map[string]api.RemoteFile
	streams       map[string]*reply
	failNext      []int

	opts   Options
	db     *boltStore
	router *gin.Engine
	log    *zap.Logger
	now    func() time.Time
}

// New creates a server, loading persisted state when DBPath is set.
func New(opts Options) (*Server, error) {
	if opts.FragmentDelay == 0 {
		opts.FragmentDelay = DefaultFragmentDelay
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Reply == nil {
		opts.Reply = cannedReply
	}

	s := &Server{
		conversations: make(map[string]*conversationState),
		files:         make(map[string]api.RemoteFile),
		streams:       make(map[string]*reply),
		opts:          opts,
		log:           logging.OrNop(opts.Logger).Named("mockapi"),
		now:           func() time.Time { return time.Now().UTC() },
	}

	if opts.DBPath != "" {
		db, err := openBoltStore(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("mockapi: %w", err)
		}
		convs, files, err := db.load()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mockapi: %w", err)
		}
		for _, rec := range convs {
			s.conversations[rec.Conversation.ID] = &conversationState{conv: rec.Conversation, messages: rec.Messages}
		}
		for _, f := range files {
			s.files[f.ID] = f
		}
		s.db = db
		s.log.Info("state loaded", zap.String("path", opts.DBPath), zap.Int("conversations", len(convs)), zap.Int("files", len(files)))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.failureInjector(), s.authRequired())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	apiGroup := r.Group("/api")
	apiGroup.GET("/conversations", s.handleListConversations)
	apiGroup.POST("/conversations", s.handleCreateConversation)
	apiGroup.DELETE("/conversations/:id", s.handleDeleteConversation)
	apiGroup.GET("/conversations/:id/messages", s.handleGetMessages)
	apiGroup.POST("/conversations/:id/messages", s.handleSendMessage)
	apiGroup.GET("/conversations/:id/stream/:streamId", s.handleStream)
	apiGroup.POST("/files/upload", s.handleUpload)
	apiGroup.GET("/files/:id/status", s.handleFileStatus)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mockapi: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mockapi: %w", err)
	}
	return s.Serve(ctx, l)
}

// Close releases the persistence file, if any.
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FailNext makes the next API request fail with status. Calls queue up.
func (s *Server) FailNext(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, status)
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (s *Server) sortedConversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, st := range s.conversations {
		out = append(out, st.conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// persistLocked writes one conversation through to disk.
func (s *Server) persistLocked(id string) {
	if s.db == nil {
		return
	}
	var err error
	if st, ok := s.conversations[id]; ok {
		err = s.db.putConversation(conversationRecord{Conversation: st.conv, Messages: st.messages})
	} else {
		err = s.db.deleteConversation(id)
	}
	if err != nil {
		s.log.Warn("persist failed", zap.String("conversation_id", id), zap.Error(err))
	}
}

func (s *Server) persistFileLocked(f api.RemoteFile) {
	if s.db == nil {
		return
	}
	if err := s.db.putFile(f); err != nil {
		s.log.Warn("persist failed", zap.String("file_id", f.ID), zap.Error(err))
	}
}

func newID(prefix string) string {
	return prefix + uuid.NewString()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/api"
	"github.com/jeranaias/ragchat/internal/model"
)

// ============================================================================
// Conversations
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListConversations(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0)
	if err != nil || skip < 0 {
		badRequest(c, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(c, "limit", DefaultPageLimit)
	if err != nil || limit < 1 || limit > MaxPageLimit {
		badRequest(c, "limit must be between 1 and 500")
		return
	}

	s.mu.Lock()
	all := s.sortedConversationsLocked()
	s.mu.Unlock()

	page := model.ConversationPage{
		Conversations: []model.Conversation{},
		Total:         len(all),
		Skip:          skip,
		Limit:         limit,
	}
	if skip < len(all) {
		end := min(skip+limit, len(all))
		page.Conversations = all[skip:end]
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req api.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON body")
		return
	}

	now := s.now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = model.DefaultTitle
	}
	conv := model.Conversation{ID: newID("conv_"), Title: title, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	s.conversations[conv.ID] = &conversationState{conv: conv, messages: []model.Message{}}
	s.persistLocked(conv.ID)
	s.mu.Unlock()

	s.log.Info("conversation created", zap.String("conversation_id", conv.ID))
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	_, ok := s.conversations[id]
	if ok {
		delete(s.conversations, id)
		for sid, r := range s.streams {
			if r.conversationID == id {
				delete(s.streams, sid)
			}
		}
		s.persistLocked(id)
	}
	s.mu.Unlock()

	if !ok {
		notFound(c, "Conversation not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// Messages
// ============================================================================

func (s *Server) handleGetMessages(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	st, ok := s.conversations[id]
	var msgs []model.Message
	if ok {
		msgs = append([]model.Message{}, st.messages...)
	}
	s.mu.Unlock()

	if !ok {
		notFound(c, "Conversation not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	id := c.Param("id")

	var req api.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		unprocessable(c, "content must not be empty")
		return
	}

	s.mu.Lock()
	st, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		notFound(c, "Conversation not found")
		return
	}
	files := make([]api.RemoteFile, 0, len(req.FileIDs))
	for _, fid := range req.FileIDs {
		f, ok := s.files[fid]
		if !ok {
			s.mu.Unlock()
			unprocessable(c, "unknown file id: "+fid)
			return
		}
		files = append(files, f)
	}

	now := s.now()
	msg := model.Message{ID: newID("msg_"), Role: model.RoleUser, Content: content, Timestamp: now}
	st.messages = append(st.messages, msg)
	st.conv.Touch(now)

	r := newReply(id, s.opts.Reply(content, files), files, parseFault(content))
	s.streams[r.streamID] = r
	s.persistLocked(id)
	s.mu.Unlock()

	c.JSON(http.StatusOK, api.SendMessageResponse{Message: msg, StreamID: r.streamID})
}

// commitReply appends a fully streamed reply to its conversation.
func (s *Server) commitReply(r *reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conversations[r.conversationID]
	if !ok {
		return
	}
	now := s.now()
	st.messages = append(st.messages, model.Message{
		ID:        r.messageID,
		Role:      model.RoleAssistant,
		Content:   r.text(),
		Timestamp: now,
		Citations: r.citations,
	})
	st.conv.Touch(now)
	s.persistLocked(r.conversationID)
}

// takeStream claims a pending reply. Each stream can be consumed once.
func (s *Server) takeStream(conversationID, streamID string) (*reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.streams[streamID]
	if !ok || r.conversationID != conversationID {
		return nil, false
	}
	delete(s.streams, streamID)
	return r, true
}

// ============================================================================
// Files
// ============================================================================

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxFileSize+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" is required")
		return
	}
	if header.Size > s.opts.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "File too large"})
		return
	}

	file := api.RemoteFile{
		ID:          newID("file_"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Processed:   s.opts.ProcessingDelay <= 0,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	s.files[file.ID] = file
	s.persistFileLocked(file)
	s.mu.Unlock()

	status := "processed"
	if !file.Processed {
		status = "processing"
		time.AfterFunc(s.opts.ProcessingDelay, func() { s.markProcessed(file.ID) })
	}

	s.log.Info("file uploaded", zap.String("file_id", file.ID), zap.String("filename", file.Filename), zap.Int64("size", file.Size))
	c.JSON(http.StatusOK, api.UploadResult{File: file, ProcessingStatus: status})
}

func (s *Server) markProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return
	}
	f.Processed = true
	s.files[id] = f
	s.persistFileLocked(f)
}

func (s *Server) handleFileStatus(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	f, ok := s.files[id]
	s.mu.Unlock()

	if !ok {
		notFound(c, "File not found")
		return
	}
	c.JSON(http.StatusOK, api.FileStatus{DocumentID: f.ID, Filename: f.Filename, Processed: f.Processed})
}

// ============================================================================
// Helpers
// ============================================================================

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
}

func unprocessable(c *gin.Context, detail string) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": detail})
}

func notFound(c *gin.Context, detail string) {
	c.JSON(http.StatusNotFound, gin.H{"detail": detail})
}

package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

// handleHealth answers liveness probes. Exempt from auth.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleModels lists the served model IDs in OpenAI list form.
func (s *Server) handleModels(c *gin.Context) {
	ids := kirotranslator.ModelIDs()
	data := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  0,
			"owned_by": "kiro",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleChatCompletions serves POST /v1/chat/completions. The body is
// normalized into the internal message shape before dispatch; the response
// is rendered back in chat-completion form.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	normalized, err := kirotranslator.NormalizeOpenAIRequest(body)
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, err.Error())
		return
	}

	model := gjson.GetBytes(body, "model").String()
	inputTokens, warning := requestBudget(normalized)

	if gjson.GetBytes(body, "stream").Bool() {
		s.streamOpenAI(c, model, normalized, inputTokens, warning)
		return
	}

	events, err := s.dispatcher.Complete(c.Request.Context(), model, normalized)
	if err != nil {
		status, message := dispatchStatus(err)
		writeOpenAIError(c, status, message)
		return
	}
	response, err := kirotranslator.BuildChatCompletion(model, events, inputTokens)
	if err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if warning != "" {
		response, _ = sjson.SetBytes(response, "warning", warning)
	}
	c.Data(http.StatusOK, "application/json", response)
}

// handleMessages serves POST /v1/messages. The body is already in the
// internal message shape; it passes through to dispatch as-is.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !hasMessages(body) {
		writeAnthropicError(c, http.StatusBadRequest, kirotranslator.ErrNoMessages.Error())
		return
	}

	model := gjson.GetBytes(body, "model").String()
	inputTokens, warning := requestBudget(body)

	if gjson.GetBytes(body, "stream").Bool() {
		s.streamAnthropic(c, model, body, inputTokens, warning)
		return
	}

	events, err := s.dispatcher.Complete(c.Request.Context(), model, body)
	if err != nil {
		status, message := dispatchStatus(err)
		writeAnthropicError(c, status, message)
		return
	}
	response, err := kirotranslator.BuildAnthropicMessage(model, events, inputTokens)
	if err != nil {
		writeAnthropicError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if warning != "" {
		response, _ = sjson.SetBytes(response, "warning", warning)
	}
	c.Data(http.StatusOK, "application/json", response)
}

// handleCountTokens estimates input tokens without an upstream call.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !hasMessages(body) {
		writeAnthropicError(c, http.StatusBadRequest, kirotranslator.ErrNoMessages.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": kirotranslator.CountRequestTokens(body)})
}

// streamOpenAI renders the dispatched stream as chat-completion chunks.
// Dispatch failures happen before any byte is written, so they still get a
// plain JSON error; once frames flow, errors terminate the stream in-band.
func (s *Server) streamOpenAI(c *gin.Context, model string, payload []byte, inputTokens int, warning string) {
	stream, err := s.dispatcher.CompleteStream(c.Request.Context(), model, payload)
	if err != nil {
		status, message := dispatchStatus(err)
		writeOpenAIError(c, status, message)
		return
	}

	writer := newSSEWriter(c)
	out := kirotranslator.NewOpenAIStream(model, inputTokens, warning)
	writer.WriteFrames(out.Start())

	for result := range stream {
		if result.Err != nil {
			log.Errorf("api: stream interrupted: %v", result.Err)
			writer.WriteFrame(out.ErrorEvent(result.Err.Error()))
			writer.WriteFrame(kirotranslator.DoneSSE)
			return
		}
		writer.WriteFrames(out.Push(result.Event))
	}
	if c.Request.Context().Err() != nil {
		return
	}
	writer.WriteFrames(out.Finish())
}

// streamAnthropic renders the dispatched stream as Anthropic SSE events.
func (s *Server) streamAnthropic(c *gin.Context, model string, payload []byte, inputTokens int, warning string) {
	stream, err := s.dispatcher.CompleteStream(c.Request.Context(), model, payload)
	if err != nil {
		status, message := dispatchStatus(err)
		writeAnthropicError(c, status, message)
		return
	}

	writer := newSSEWriter(c)
	out := kirotranslator.NewAnthropicStream(model, inputTokens, warning)
	writer.WriteFrames(out.Start())

	for result := range stream {
		if result.Err != nil {
			log.Errorf("api: stream interrupted: %v", result.Err)
			writer.WriteFrame(out.ErrorEvent(result.Err.Error()))
			return
		}
		writer.WriteFrames(out.Push(result.Event))
	}
	if c.Request.Context().Err() != nil {
		return
	}
	writer.WriteFrames(out.Finish())
}

// requestBudget estimates the prompt size and surfaces the context warning
// attached to oversized requests. Nothing is rejected on size.
func requestBudget(payload []byte) (int, string) {
	inputTokens := kirotranslator.CountRequestTokens(payload)
	warning := kirotranslator.ContextWarning(inputTokens)
	if warning != "" {
		log.Warnf("api: %s", warning)
	}
	return inputTokens, warning
}

func hasMessages(body []byte) bool {
	messages := gjson.GetBytes(body, "messages")
	return messages.IsArray() && len(messages.Array()) > 0
}

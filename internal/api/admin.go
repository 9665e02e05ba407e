package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/logging"
	"github.com/kirolink/kiro-gateway/internal/store"
)

//go:embed portal.html
var portalHTML []byte

// logReplayCount is how many buffered entries a new log stream client gets.
const logReplayCount = 200

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The portal is served from this same process; auth already ran.
	CheckOrigin: func(*http.Request) bool { return true },
}

type adminUsage struct {
	Limit   int `json:"limit"`
	Current int `json:"current"`
}

type adminAccount struct {
	ID        string      `json:"id"`
	Email     string      `json:"email,omitempty"`
	Label     string      `json:"label,omitempty"`
	Status    string      `json:"status"`
	LastError string      `json:"lastError,omitempty"`
	AddedAt   time.Time   `json:"addedAt,omitempty"`
	Usage     *adminUsage `json:"usage,omitempty"`
}

// handleAdminPortal serves the embedded dashboard page.
func (s *Server) handleAdminPortal(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", portalHTML)
}

// handleAdminData returns the pool and proxy state the portal renders.
func (s *Server) handleAdminData(c *gin.Context) {
	accounts, err := s.accounts.List(c.Request.Context())
	if err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]adminAccount, 0, len(accounts))
	for _, account := range accounts {
		entry := adminAccount{
			ID:        account.ID,
			Email:     account.Email,
			Label:     account.Label,
			Status:    account.Status,
			LastError: account.LastError,
			AddedAt:   account.AddedAt,
		}
		if account.Usage != nil {
			entry.Usage = &adminUsage{Limit: account.Usage.Limit, Current: account.Usage.Current}
		}
		out = append(out, entry)
	}

	cfg := s.getConfig()
	c.JSON(http.StatusOK, gin.H{
		"accounts": out,
		"proxy": gin.H{
			"enabled":   s.serving.Load(),
			"port":      cfg.Port,
			"apiKeySet": len(cfg.APIKeys) > 0,
		},
	})
}

// handleAdminProxy updates the gateway's serving state and key. A port
// change is recorded in the config snapshot and takes effect on restart.
func (s *Server) handleAdminProxy(c *gin.Context) {
	var req struct {
		Enabled *bool  `json:"enabled"`
		Port    int    `json:"port"`
		APIKey  string `json:"apiKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := s.getConfig()
	updated := *cfg
	updated.APIKeys = append([]string(nil), cfg.APIKeys...)
	if req.Port > 0 {
		updated.Port = req.Port
		if req.Port != cfg.Port {
			log.Infof("api: admin set port %d, effective on restart", req.Port)
		}
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		updated.APIKeys = []string{key}
		log.Info("api: admin replaced the API key")
	}
	s.cfgHolder.Store(&updated)

	if req.Enabled != nil {
		s.serving.Store(*req.Enabled)
		if *req.Enabled {
			log.Info("api: gateway enabled via admin")
		} else {
			log.Warn("api: gateway disabled via admin")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":   s.serving.Load(),
		"port":      updated.Port,
		"apiKeySet": len(updated.APIKeys) > 0,
	})
}

// handleAdminAccountUpload imports an account from a multipart pair: the
// token JSON and an optional Identity Center client JSON.
func (s *Server) handleAdminAccountUpload(c *gin.Context) {
	tokenData, tokenName, err := formFileBytes(c, "tokenFile")
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, "tokenFile: "+err.Error())
		return
	}
	token, err := kiroauth.ParseToken(tokenData)
	if err != nil {
		writeOpenAIError(c, http.StatusBadRequest, err.Error())
		return
	}

	if clientData, _, errClient := formFileBytes(c, "clientFile"); errClient == nil {
		var client struct {
			ClientID     string `json:"clientId"`
			ClientSecret string `json:"clientSecret"`
		}
		if err := json.Unmarshal(clientData, &client); err != nil {
			writeOpenAIError(c, http.StatusBadRequest, "clientFile: invalid JSON")
			return
		}
		if client.ClientID != "" {
			token.ClientID = client.ClientID
		}
		if client.ClientSecret != "" {
			token.ClientSecret = client.ClientSecret
		}
	}

	if strings.TrimSpace(token.RefreshToken) == "" {
		writeOpenAIError(c, http.StatusBadRequest, "token file carries no refreshToken")
		return
	}

	id := strings.TrimSuffix(filepath.Base(tokenName), filepath.Ext(tokenName))
	if id == "" || id == "." {
		id = uuid.NewString()[:8]
	}

	account := store.NewAccount(id, token)
	if err := s.accounts.Save(c.Request.Context(), account); err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("api: imported account %s via admin upload", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": account.Status})
}

// handleAdminAccountDelete removes an account from the pool. Stores treat
// deleting an unknown ID as a no-op, so existence is checked here.
func (s *Server) handleAdminAccountDelete(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		writeOpenAIError(c, http.StatusBadRequest, "id query parameter is required")
		return
	}
	if _, err := s.accounts.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeOpenAIError(c, http.StatusNotFound, "account not found")
			return
		}
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.accounts.Delete(c.Request.Context(), id); err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("api: account %s removed via admin", id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleAdminUsageRefresh re-reads quota snapshots for every usable
// account. Per-account failures are reported, not fatal.
func (s *Server) handleAdminUsageRefresh(c *gin.Context) {
	accounts, err := s.accounts.List(c.Request.Context())
	if err != nil {
		writeOpenAIError(c, http.StatusInternalServerError, err.Error())
		return
	}

	refreshed, failed := 0, 0
	for _, account := range accounts {
		if !account.Usable() {
			continue
		}
		if err := s.usage.RefreshUsage(c.Request.Context(), account); err != nil {
			failed++
			log.Warnf("api: usage refresh for %s: %v", account.ID, err)
			continue
		}
		if err := s.accounts.Save(c.Request.Context(), account); err != nil {
			failed++
			log.Warnf("api: persist usage for %s: %v", account.ID, err)
			continue
		}
		refreshed++
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed, "failed": failed})
}

// handleAdminLogStream upgrades to a websocket, replays the tail of the
// log ring, then forwards live entries until either side closes.
func (s *Server) handleAdminLogStream(c *gin.Context) {
	conn, err := logStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the handshake failure.
		return
	}
	defer func() {
		if errClose := conn.Close(); errClose != nil {
			log.Debugf("api: close log stream: %v", errClose)
		}
	}()

	for _, entry := range logging.Buffer.GetRecentEntries(logReplayCount) {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}

	entries, cancel := logging.Buffer.Subscribe()
	defer cancel()

	// The read loop exists to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case entry := <-entries:
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func formFileBytes(c *gin.Context, field string) ([]byte, string, error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = file.Close()
	}()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

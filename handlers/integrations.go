package handlers

import (
	"errors"
	"net/http"

	"integration-mapping-hub/models"
	"integration-mapping-hub/services"

	"github.com/gin-gonic/gin"
)

type IntegrationsHandler struct {
	Orchestrator *services.IntegrationOrchestrator
}

func NewIntegrationsHandler(orchestrator *services.IntegrationOrchestrator) *IntegrationsHandler {
	return &IntegrationsHandler{
		Orchestrator: orchestrator,
	}
}

// HandleGetIntegrations は設定ページの初期表示用。キャッシュから即座に
// 状態を返し、必要ならバックグラウンド更新が裏で走る
func (h *IntegrationsHandler) HandleGetIntegrations(c *gin.Context) {
	state := h.Orchestrator.Hydrate()
	c.JSON(http.StatusOK, state)
}

// HandleForegroundRefresh はユーザー操作によるリロード
func (h *IntegrationsHandler) HandleForegroundRefresh(c *gin.Context) {
	state := h.Orchestrator.ForegroundRefresh(c.Request.Context())
	c.JSON(http.StatusOK, state)
}

type oauthCompleteRequest struct {
	Connected bool   `json:"connected"`
	Payload   string `json:"payload"`
}

// HandleOAuthComplete は OAuth フロー完了の通知を受けてキャッシュに
// 直接書き込む。進行中のバックグラウンド更新より常に優先される
func (h *IntegrationsHandler) HandleOAuthComplete(c *gin.Context) {
	platform := c.Param("platform")

	var req oauthCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.Orchestrator.CompleteOAuth(platform, req.Connected, req.Payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.Orchestrator.State())
}

// HandleOAuthPoll は OAuth 完了後の反映待ちポーリング。一定回数で
// 打ち切ってタイムアウトを返す
func (h *IntegrationsHandler) HandleOAuthPoll(c *gin.Context) {
	platform := c.Param("platform")

	err := h.Orchestrator.PollOAuthStatus(c.Request.Context(), platform)
	if err != nil {
		if errors.Is(err, services.ErrOAuthPollTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.Orchestrator.State())
}

// HandleProbe は「接続を確認」操作。プラットフォームの API を直接呼んで
// 接続状態を確かめ、結果をキャッシュへ直接書き込む。前面操作なので
// エラーはそのまま返す（その場合キャッシュは触らない）
func (h *IntegrationsHandler) HandleProbe(c *gin.Context) {
	platform := c.Param("platform")
	ctx := c.Request.Context()

	var connected bool
	var payload string
	var err error

	switch platform {
	case models.TargetPlatformGithub:
		connected, payload, err = services.CheckGithubConnection(ctx, nil)
	case models.TargetPlatformSlack:
		connected, payload, err = services.CheckSlackConnection(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "probe not supported for platform: " + platform})
		return
	}

	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if err := h.Orchestrator.CompleteOAuth(platform, connected, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"platform": platform, "connected": connected})
}

// HandleDisconnect は連携解除。破壊的操作なので confirm=true を必須にする
func (h *IntegrationsHandler) HandleDisconnect(c *gin.Context) {
	platform := c.Param("platform")

	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation required: pass confirm=true"})
		return
	}

	if err := h.Orchestrator.Disconnect(c.Request.Context(), platform); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.Orchestrator.State())
}

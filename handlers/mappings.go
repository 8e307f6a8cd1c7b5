package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"integration-mapping-hub/models"
	"integration-mapping-hub/services"

	"github.com/gin-gonic/gin"
)

// キャンセルを送らず放置されたセッションを掃除するまでの時間
const SessionIdleTTL = 10 * time.Minute

type validationSession struct {
	validator *services.DebouncedValidator
	lastUsed  time.Time
}

type MappingsHandler struct {
	Orchestrator *services.IntegrationOrchestrator
	Validator    services.UsernameValidator

	// 編集セッションごとのデバウンス付き検証。テストでは Quiet と TTL を縮める
	Quiet      time.Duration
	SessionTTL time.Duration
	sessionMu  sync.Mutex
	sessions   map[string]*validationSession
}

func NewMappingsHandler(orchestrator *services.IntegrationOrchestrator, validator services.UsernameValidator) *MappingsHandler {
	return &MappingsHandler{
		Orchestrator: orchestrator,
		Validator:    validator,
		Quiet:        services.ValidationQuietPeriod,
		SessionTTL:   SessionIdleTTL,
		sessions:     make(map[string]*validationSession),
	}
}

func (h *MappingsHandler) session(id string) *services.DebouncedValidator {
	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	now := time.Now()

	// アクセスのたびに期限切れセッションを回収する
	for key, s := range h.sessions {
		if key != id && now.Sub(s.lastUsed) > h.SessionTTL {
			s.validator.Cancel()
			delete(h.sessions, key)
		}
	}

	s, ok := h.sessions[id]
	if !ok {
		s = &validationSession{validator: services.NewDebouncedValidator(h.Validator, h.Quiet)}
		h.sessions[id] = s
	}
	s.lastUsed = now
	return s.validator
}

// HandleGetMappings は分析1件分のマッピング一覧と統計を返す。
// failed_only / sort / dir クエリで絞り込みと並べ替えができる
func (h *MappingsHandler) HandleGetMappings(c *gin.Context) {
	analysisID := c.Param("id")
	platform := c.Param("platform")

	if platform != models.TargetPlatformGithub && platform != models.TargetPlatformSlack {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + platform})
		return
	}

	result, err := h.Orchestrator.LoadMappings(c.Request.Context(), platform, analysisID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	store := h.Orchestrator.MappingStoreFor(platform, analysisID)

	// 並べ替えてから絞り込む。フィルタは安定ソートの順序を保つ
	mappings := store.Mappings()
	if field := c.Query("sort"); field != "" {
		dir := c.DefaultQuery("dir", services.SortAsc)
		mappings = store.Sort(field, dir)
	}
	if c.Query("failed_only") == "true" {
		mappings = services.FilterFailed(mappings)
	}

	c.JSON(http.StatusOK, gin.H{
		"mappings":           mappings,
		"statistics":         store.Statistics(),
		"collection_enabled": result.CollectionEnabled,
		"dropped_entries":    result.DroppedEntries,
	})
}

type editMappingRequest struct {
	Platform         string `json:"platform"`
	AnalysisID       string `json:"analysis_id"`
	TargetIdentifier string `json:"target_identifier"`
}

// HandleEditMapping はクイック編集。手動マッピングの行は 409 で拒否する
func (h *MappingsHandler) HandleEditMapping(c *gin.Context) {
	id := c.Param("id")

	var req editMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	updated, err := h.Orchestrator.EditMapping(c.Request.Context(), req.Platform, req.AnalysisID, id, req.TargetIdentifier)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrManualMappingNotEditable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrMappingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	store := h.Orchestrator.MappingStoreFor(req.Platform, req.AnalysisID)
	c.JSON(http.StatusOK, gin.H{
		"mapping":    updated,
		"statistics": store.Statistics(),
	})
}

// HandleValidateUsername は候補ユーザー名を検証する。結果は保存されない
func (h *MappingsHandler) HandleValidateUsername(c *gin.Context) {
	platform := c.Param("platform")
	username := c.Param("username")

	result := h.Validator.ValidateUsername(c.Request.Context(), platform, username)
	c.JSON(http.StatusOK, result)
}

type validationInputRequest struct {
	Platform  string `json:"platform"`
	Candidate string `json:"candidate"`
}

// HandleValidationInput は編集中のキー入力を受け取る。実際の検証は
// 入力が静止してから1回だけ発行される
func (h *MappingsHandler) HandleValidationInput(c *gin.Context) {
	var req validationInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.session(c.Param("session")).Input(req.Platform, req.Candidate)
	c.Status(http.StatusAccepted)
}

// HandleValidationResult は現在適用されている検証結果を返す。
// 入力が変わった後に届いた古い結果はここには現れない
func (h *MappingsHandler) HandleValidationResult(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c.Param("session")).Result())
}

// HandleValidationCancel は編集のキャンセル・確定時に保留中の検証を破棄する
func (h *MappingsHandler) HandleValidationCancel(c *gin.Context) {
	h.session(c.Param("session")).Cancel()

	h.sessionMu.Lock()
	delete(h.sessions, c.Param("session"))
	h.sessionMu.Unlock()

	c.Status(http.StatusNoContent)
}

// HandleCreateManualMapping は手動マッピングの新規登録
func (h *MappingsHandler) HandleCreateManualMapping(c *gin.Context) {
	var mapping models.ManualMapping
	if err := c.ShouldBindJSON(&mapping); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if mapping.SourceIdentifier == "" || mapping.TargetPlatform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_identifier and target_platform are required"})
		return
	}

	created, err := h.Orchestrator.CreateManualMapping(c.Request.Context(), mapping)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateIntegration) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// HandleUpdateManualMapping は手動マッピングの管理フロー経由の編集。
// クイック編集と違い、ここからの変更は許可される
func (h *MappingsHandler) HandleUpdateManualMapping(c *gin.Context) {
	var mapping models.ManualMapping
	if err := c.ShouldBindJSON(&mapping); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mapping.ID = c.Param("id")

	if err := h.Orchestrator.UpdateManualMapping(c.Request.Context(), mapping); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, mapping)
}

// HandleDeleteManualMapping は手動マッピングの削除。破壊的操作なので
// confirm=true を必須にする
func (h *MappingsHandler) HandleDeleteManualMapping(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation required: pass confirm=true"})
		return
	}

	if err := h.Orchestrator.DeleteManualMapping(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

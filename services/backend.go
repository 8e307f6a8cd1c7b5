package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"integration-mapping-hub/models"
)

var (
	// ErrNoAuthToken は認証トークンなしでクライアントを作ろうとしたときのエラー。
	// トークンがない状態でバックエンドを呼ぶのは前提条件違反
	ErrNoAuthToken = errors.New("auth token is required")

	// ErrDuplicateIntegration は同じプラットフォームの連携が既に存在するときのエラー
	ErrDuplicateIntegration = errors.New("integration already exists for this platform")
)

// BackendClient は分析バックエンドの REST API クライアント
type BackendClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewBackendClient(baseURL, token string) (*BackendClient, error) {
	if token == "" {
		return nil, ErrNoAuthToken
	}
	return &BackendClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// GithubStatusResponse は GET /integrations/github/status のレスポンス
type GithubStatusResponse struct {
	Connected   bool            `json:"connected"`
	Integration json.RawMessage `json:"integration"`
}

// SlackStatusResponse は GET /integrations/slack/status のレスポンス。
// connected フラグは持たず、integration の有無で判定する
type SlackStatusResponse struct {
	Integration json.RawMessage `json:"integration"`
}

type integrationsResponse struct {
	Integrations []models.Integration `json:"integrations"`
}

type validationResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

func (c *BackendClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrDuplicateIntegration
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	return nil
}

// GetGithubStatus は GitHub 連携の接続状態を取得する
func (c *BackendClient) GetGithubStatus(ctx context.Context) (GithubStatusResponse, error) {
	var out GithubStatusResponse
	err := c.do(ctx, http.MethodGet, "/integrations/github/status", nil, &out)
	return out, err
}

// GetSlackStatus は Slack 連携の接続状態を取得する
func (c *BackendClient) GetSlackStatus(ctx context.Context) (SlackStatusResponse, error) {
	var out SlackStatusResponse
	err := c.do(ctx, http.MethodGet, "/integrations/slack/status", nil, &out)
	return out, err
}

// GetRootlyIntegrations は Rootly の連携一覧を取得する
func (c *BackendClient) GetRootlyIntegrations(ctx context.Context) ([]models.Integration, error) {
	var out integrationsResponse
	if err := c.do(ctx, http.MethodGet, "/rootly/integrations", nil, &out); err != nil {
		return nil, err
	}
	return out.Integrations, nil
}

// GetPagerdutyIntegrations は PagerDuty の連携一覧を取得する
func (c *BackendClient) GetPagerdutyIntegrations(ctx context.Context) ([]models.Integration, error) {
	var out integrationsResponse
	if err := c.do(ctx, http.MethodGet, "/pagerduty/integrations", nil, &out); err != nil {
		return nil, err
	}
	return out.Integrations, nil
}

// DisconnectIntegration は連携の解除をバックエンドへ伝える。
// 解除は取り消せない（ハンドラー側で確認済みの前提）
func (c *BackendClient) DisconnectIntegration(ctx context.Context, platform string) error {
	return c.do(ctx, http.MethodDelete, "/integrations/"+platform, nil, nil)
}

// GetMappingStats は分析1件・プラットフォーム1つ分の生マッピング
// ペイロードを取得する
func (c *BackendClient) GetMappingStats(ctx context.Context, analysisID, platform string) (models.RawMappingPayload, error) {
	var out models.RawMappingPayload
	path := fmt.Sprintf("/analyses/%s/mappings/%s", analysisID, platform)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UpdateMapping はクイック編集の結果をバックエンドに保存する。
// 同じIDへの再送は冪等
func (c *BackendClient) UpdateMapping(ctx context.Context, id, targetIdentifier string) error {
	body := map[string]string{"target_identifier": targetIdentifier}
	return c.do(ctx, http.MethodPut, "/mappings/"+id, body, nil)
}

// CreateManualMapping は手動マッピングを新規登録する
func (c *BackendClient) CreateManualMapping(ctx context.Context, mapping models.ManualMapping) (models.ManualMapping, error) {
	var out models.ManualMapping
	err := c.do(ctx, http.MethodPost, "/manual-mappings", mapping, &out)
	return out, err
}

// UpdateManualMapping は既存の手動マッピングを書き換える
func (c *BackendClient) UpdateManualMapping(ctx context.Context, mapping models.ManualMapping) error {
	return c.do(ctx, http.MethodPut, "/manual-mappings/"+mapping.ID, mapping, nil)
}

// DeleteManualMapping は手動マッピングを削除する。削除は取り消せない
func (c *BackendClient) DeleteManualMapping(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/manual-mappings/"+id, nil, nil)
}

// ValidateGithubUsername はバックエンド経由で候補ユーザー名を検証する。
// GitHub API を直接叩けない構成のときに使う
func (c *BackendClient) ValidateGithubUsername(ctx context.Context, username string) (models.ValidationResult, error) {
	var out validationResponse
	if err := c.do(ctx, http.MethodGet, "/github/users/"+username+"/validate", nil, &out); err != nil {
		return models.ValidationResult{}, err
	}
	return models.ValidationResult{
		Input:     username,
		Valid:     out.Valid,
		Message:   out.Message,
		Performed: true,
	}, nil
}

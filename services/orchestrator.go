package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"integration-mapping-hub/models"

	"gorm.io/gorm"
)

// グループの表示状態。キャッシュにスナップショットがあれば最初から Ready
const (
	GroupStateLoading = "loading"
	GroupStateReady   = "ready"
)

// プラットフォームグループ
const (
	GroupIncident = "incident"
	GroupGithub   = "github"
	GroupSlack    = "slack"
)

// OAuth 完了待ちポーリングの上限。超えたら「タイムアウト、再読み込みして
// ください」状態に落とし、永久にポーリングし続けない
const (
	OAuthPollInterval    = 500 * time.Millisecond
	OAuthPollMaxAttempts = 15
)

// ErrOAuthPollTimeout は OAuth 完了待ちが時間切れになったときのエラー
var ErrOAuthPollTimeout = errors.New("oauth status polling timed out, please refresh")

// IntegrationState はプレゼンテーション層に渡す統合済みの状態
type IntegrationState struct {
	GroupStates map[string]string                     `json:"group_states"`
	Refreshing  bool                                  `json:"refreshing"` // サイレントなバックグラウンド更新中か
	Snapshots   map[string]models.IntegrationSnapshot `json:"snapshots"`
	LastError   string                                `json:"last_error,omitempty"`
}

// IntegrationOrchestrator はキャッシュからの即時復元、鮮度切れ時の
// バックグラウンド更新、ユーザー操作による前面リロードを順序付ける。
// どのローディング表示を出すかを決めるのはここだけ
type IntegrationOrchestrator struct {
	backend *BackendClient
	cache   *IntegrationStatusCache
	db      *gorm.DB

	mu          sync.Mutex
	groupStates map[string]string
	lastError   string
	refreshing  bool
	stores      map[string]*MappingStore // "platform/分析ID" → ストア

	// テストでポーリング間隔を縮めるためのフック
	PollInterval time.Duration
}

func NewIntegrationOrchestrator(backend *BackendClient, cache *IntegrationStatusCache, db *gorm.DB) *IntegrationOrchestrator {
	return &IntegrationOrchestrator{
		backend: backend,
		cache:   cache,
		db:      db,
		groupStates: map[string]string{
			GroupIncident: GroupStateLoading,
			GroupGithub:   GroupStateLoading,
			GroupSlack:    GroupStateLoading,
		},
		stores:       make(map[string]*MappingStore),
		PollInterval: OAuthPollInterval,
	}
}

var groupPlatforms = map[string][]string{
	GroupIncident: {models.SourcePlatformRootly, models.SourcePlatformPagerduty},
	GroupGithub:   {models.TargetPlatformGithub},
	GroupSlack:    {models.TargetPlatformSlack},
}

// Hydrate はマウント時に1回だけ呼ぶ。キャッシュにスナップショットがある
// グループは即 Ready になり、ローディング表示を出さない。古くなっている
// 場合はサイレントなバックグラウンド更新を裏で起動する
func (o *IntegrationOrchestrator) Hydrate() IntegrationState {
	snapshots := o.cache.ReadAll()

	o.mu.Lock()
	for group, platforms := range groupPlatforms {
		hasSnapshot := false
		for _, p := range platforms {
			if _, ok := snapshots[p]; ok {
				hasSnapshot = true
			}
		}
		if hasSnapshot {
			o.groupStates[group] = GroupStateReady
		} else {
			o.groupStates[group] = GroupStateLoading
		}
	}
	o.mu.Unlock()

	if o.cache.AnyStale(
		models.SourcePlatformRootly,
		models.SourcePlatformPagerduty,
		models.TargetPlatformGithub,
		models.TargetPlatformSlack,
	) {
		go o.BackgroundRefresh(context.Background())
	}

	return o.State()
}

// BackgroundRefresh は表示中の内容を隠さずに全プラットフォームの状態を
// 取り直す。既に更新中なら何もしない（二重フェッチの抑止）。
// 失敗したプラットフォームは前回の正常なスナップショットのまま残す
func (o *IntegrationOrchestrator) BackgroundRefresh(ctx context.Context) {
	if !o.cache.TryBeginRefresh() {
		return
	}
	defer o.cache.EndRefresh()

	o.setRefreshing(true)
	defer o.setRefreshing(false)

	for _, platform := range []string{
		models.SourcePlatformRootly,
		models.SourcePlatformPagerduty,
		models.TargetPlatformGithub,
		models.TargetPlatformSlack,
	} {
		// 発行時点のリビジョンを控えて、その後に直接書き込みが入っていたら
		// この結果は捨てる
		asOf := o.cache.Revision(platform)

		connected, payload, err := o.fetchPlatformStatus(ctx, platform)
		if err != nil {
			log.Printf("background refresh error (platform: %s): %v", platform, err)
			continue
		}

		applied, err := o.cache.PutIfNotSuperseded(platform, connected, payload, asOf)
		if err != nil {
			log.Printf("snapshot write error (platform: %s): %v", platform, err)
			continue
		}
		if applied {
			o.markGroupReady(platform)
		}
	}
}

// ForegroundRefresh はユーザー操作によるリロード。ローディングを表示し、
// 成功でも失敗でも必ず Ready に戻す（ローディングのまま固まらない）
func (o *IntegrationOrchestrator) ForegroundRefresh(ctx context.Context) IntegrationState {
	o.mu.Lock()
	for group := range o.groupStates {
		o.groupStates[group] = GroupStateLoading
	}
	o.lastError = ""
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		for group := range o.groupStates {
			o.groupStates[group] = GroupStateReady
		}
		o.mu.Unlock()
	}()

	for _, platform := range []string{
		models.SourcePlatformRootly,
		models.SourcePlatformPagerduty,
		models.TargetPlatformGithub,
		models.TargetPlatformSlack,
	} {
		connected, payload, err := o.fetchPlatformStatus(ctx, platform)
		if err != nil {
			log.Printf("foreground refresh error (platform: %s): %v", platform, err)
			o.mu.Lock()
			o.lastError = err.Error()
			o.mu.Unlock()
			continue
		}
		if _, err := o.cache.Put(platform, connected, payload); err != nil {
			log.Printf("snapshot write error (platform: %s): %v", platform, err)
		}
	}

	return o.State()
}

func (o *IntegrationOrchestrator) fetchPlatformStatus(ctx context.Context, platform string) (bool, string, error) {
	switch platform {
	case models.TargetPlatformGithub:
		status, err := o.backend.GetGithubStatus(ctx)
		if err != nil {
			return false, "", err
		}
		return status.Connected, string(status.Integration), nil

	case models.TargetPlatformSlack:
		status, err := o.backend.GetSlackStatus(ctx)
		if err != nil {
			return false, "", err
		}
		// slack は integration の有無で接続判定する
		connected := len(status.Integration) > 0 && string(status.Integration) != "null"
		return connected, string(status.Integration), nil

	case models.SourcePlatformRootly:
		integrations, err := o.backend.GetRootlyIntegrations(ctx)
		if err != nil {
			return false, "", err
		}
		payload, _ := json.Marshal(integrations)
		return len(integrations) > 0, string(payload), nil

	case models.SourcePlatformPagerduty:
		integrations, err := o.backend.GetPagerdutyIntegrations(ctx)
		if err != nil {
			return false, "", err
		}
		payload, _ := json.Marshal(integrations)
		return len(integrations) > 0, string(payload), nil
	}

	return false, "", errors.New("unknown platform: " + platform)
}

// CompleteOAuth は OAuth フロー完了時の直接書き込み。リビジョンが進むため、
// それ以前に発行されたバックグラウンド更新の結果がこの状態を
// 上書きすることはない
func (o *IntegrationOrchestrator) CompleteOAuth(platform string, connected bool, payload string) error {
	if _, err := o.cache.Put(platform, connected, payload); err != nil {
		return err
	}
	o.markGroupReady(platform)
	return nil
}

// PollOAuthStatus は OAuth 完了後に接続状態が反映されるのを待つ。
// 一定回数で打ち切り、タイムアウトエラーを返す
func (o *IntegrationOrchestrator) PollOAuthStatus(ctx context.Context, platform string) error {
	for attempt := 0; attempt < OAuthPollMaxAttempts; attempt++ {
		connected, payload, err := o.fetchPlatformStatus(ctx, platform)
		if err == nil && connected {
			return o.CompleteOAuth(platform, connected, payload)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PollInterval):
		}
	}
	return ErrOAuthPollTimeout
}

// Disconnect は連携を解除する。確認ステップはハンドラー側で済ませてから呼ぶ。
// 先にバックエンドへ解除を伝えてからスナップショットを未接続にする。
// ローカルだけ書き換えると、次のバックグラウンド更新が接続状態を戻してしまう
func (o *IntegrationOrchestrator) Disconnect(ctx context.Context, platform string) error {
	if err := o.backend.DisconnectIntegration(ctx, platform); err != nil {
		return err
	}
	if _, err := o.cache.Put(platform, false, ""); err != nil {
		return err
	}
	return nil
}

// MappingStoreFor は (プラットフォーム, 分析) のストアを返す。
// 分析ごとに別のストアを持つので、分析を行き来しても編集は残る
func (o *IntegrationOrchestrator) MappingStoreFor(platform, analysisID string) *MappingStore {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := platform + "/" + analysisID
	store, ok := o.stores[key]
	if !ok {
		store = NewMappingStore(platform, analysisID)
		o.stores[key] = store
	}
	return store
}

// LoadMappings はバックエンドからマッピングを取り直してストアを全置換する
func (o *IntegrationOrchestrator) LoadMappings(ctx context.Context, platform, analysisID string) (ReconcileResult, error) {
	payload, err := o.backend.GetMappingStats(ctx, analysisID, platform)
	if err != nil {
		return ReconcileResult{}, err
	}

	store := o.MappingStoreFor(platform, analysisID)
	return store.Load(payload), nil
}

// EditMapping はクイック編集を楽観的に適用してからバックエンドに保存する。
// 保存に失敗したらローカルの編集を巻き戻してエラーを返す
func (o *IntegrationOrchestrator) EditMapping(ctx context.Context, platform, analysisID, id, newTarget string) (models.Mapping, error) {
	store := o.MappingStoreFor(platform, analysisID)

	updated, prev, err := store.ApplyEdit(id, newTarget)
	if err != nil {
		return models.Mapping{}, err
	}

	if err := o.backend.UpdateMapping(ctx, id, updated.TargetIdentifier); err != nil {
		store.RollbackEdit(prev)
		return models.Mapping{}, err
	}

	return updated, nil
}

// CreateManualMapping は手動マッピングを登録し、ローカルにも複製を残す
func (o *IntegrationOrchestrator) CreateManualMapping(ctx context.Context, mapping models.ManualMapping) (models.ManualMapping, error) {
	if mapping.ID == "" {
		mapping.ID = SyntheticManualID()
	}
	if mapping.MappingType == "" {
		mapping.MappingType = models.MappingMethodManual
	}

	created, err := o.backend.CreateManualMapping(ctx, mapping)
	if err != nil {
		return models.ManualMapping{}, err
	}
	if created.ID == "" {
		created = mapping
	}

	if err := o.db.Save(&created).Error; err != nil {
		log.Printf("manual mapping local save error: %v", err)
	}
	return created, nil
}

// UpdateManualMapping は手動マッピングを管理フロー経由で書き換える
func (o *IntegrationOrchestrator) UpdateManualMapping(ctx context.Context, mapping models.ManualMapping) error {
	if err := o.backend.UpdateManualMapping(ctx, mapping); err != nil {
		return err
	}
	if err := o.db.Save(&mapping).Error; err != nil {
		log.Printf("manual mapping local save error: %v", err)
	}
	return nil
}

// DeleteManualMapping は手動マッピングを削除する。削除は終端的
func (o *IntegrationOrchestrator) DeleteManualMapping(ctx context.Context, id string) error {
	if err := o.backend.DeleteManualMapping(ctx, id); err != nil {
		return err
	}
	if err := o.db.Where("id = ?", id).Delete(&models.ManualMapping{}).Error; err != nil {
		log.Printf("manual mapping local delete error: %v", err)
	}
	return nil
}

// State は現在の統合状態を返す
func (o *IntegrationOrchestrator) State() IntegrationState {
	o.mu.Lock()
	groupStates := make(map[string]string, len(o.groupStates))
	for group, state := range o.groupStates {
		groupStates[group] = state
	}
	lastError := o.lastError
	refreshing := o.refreshing
	o.mu.Unlock()

	return IntegrationState{
		GroupStates: groupStates,
		Refreshing:  refreshing,
		Snapshots:   o.cache.ReadAll(),
		LastError:   lastError,
	}
}

func (o *IntegrationOrchestrator) setRefreshing(refreshing bool) {
	o.mu.Lock()
	o.refreshing = refreshing
	o.mu.Unlock()
}

func (o *IntegrationOrchestrator) markGroupReady(platform string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for group, platforms := range groupPlatforms {
		for _, p := range platforms {
			if p == platform {
				o.groupStates[group] = GroupStateReady
			}
		}
	}
}

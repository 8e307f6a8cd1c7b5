package services

import (
	"context"
	"testing"
	"time"

	"integration-mapping-hub/models"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

const testBackendURL = "http://backend.test"

func setupOrchestrator(t *testing.T) (*IntegrationOrchestrator, *IntegrationStatusCache, *gorm.DB) {
	t.Helper()

	db := setupTestDB(t)
	backend, err := NewBackendClient(testBackendURL, "test-token")
	if err != nil {
		t.Fatalf("fail to create backend client: %v", err)
	}
	gock.InterceptClient(backend.HTTPClient)

	cache := NewIntegrationStatusCache(db)
	return NewIntegrationOrchestrator(backend, cache, db), cache, db
}

func mockAllStatuses(rootlyCount, pagerdutyCount int) {
	rootly := make([]map[string]string, 0, rootlyCount)
	for i := 0; i < rootlyCount; i++ {
		rootly = append(rootly, map[string]string{"id": "r" + string(rune('1'+i)), "platform": "rootly"})
	}
	pagerduty := make([]map[string]string, 0, pagerdutyCount)
	for i := 0; i < pagerdutyCount; i++ {
		pagerduty = append(pagerduty, map[string]string{"id": "p" + string(rune('1'+i)), "platform": "pagerduty"})
	}

	gock.New(testBackendURL).
		Get("/rootly/integrations").
		MatchHeader("Authorization", "Bearer test-token").
		Reply(200).
		JSON(map[string]interface{}{"integrations": rootly})

	gock.New(testBackendURL).
		Get("/pagerduty/integrations").
		Reply(200).
		JSON(map[string]interface{}{"integrations": pagerduty})

	gock.New(testBackendURL).
		Get("/integrations/github/status").
		Reply(200).
		JSON(map[string]interface{}{"connected": true, "integration": map[string]string{"login": "octocat"}})

	gock.New(testBackendURL).
		Get("/integrations/slack/status").
		Reply(200).
		JSON(map[string]interface{}{"integration": map[string]string{"team": "acme"}})
}

// キャッシュが空のままロードすると Loading から始まり、
// バックグラウンド更新の完了で Ready になりキャッシュが埋まる
func TestOrchestratorLoadWithEmptyCache(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)
	mockAllStatuses(2, 1)

	state := o.Hydrate()
	assert.Equal(t, GroupStateLoading, state.GroupStates[GroupIncident])
	assert.Equal(t, GroupStateLoading, state.GroupStates[GroupGithub])

	// Hydrate が裏で起動した更新の完了を待つ（slack が最後に取得される）
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Read(models.TargetPlatformSlack); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	row, ok := cache.Read(models.SourcePlatformRootly)
	assert.True(t, ok)
	assert.True(t, row.Connected)
	assert.Contains(t, row.Payload, "r1")
	assert.Contains(t, row.Payload, "r2")

	state = o.State()
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupIncident])
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupGithub])
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupSlack])
}

// 新鮮なキャッシュがあれば即 Ready で、ネットワークは一切呼ばれない
func TestOrchestratorHydrateFreshCacheNoRefresh(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)

	for _, p := range []string{
		models.SourcePlatformRootly,
		models.SourcePlatformPagerduty,
		models.TargetPlatformGithub,
		models.TargetPlatformSlack,
	} {
		cache.Put(p, true, "{}")
	}

	state := o.Hydrate()

	assert.Equal(t, GroupStateReady, state.GroupStates[GroupIncident])
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupGithub])
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupSlack])
	assert.False(t, state.Refreshing)

	// モックが1つも消費されていない = ネットワーク待ちゼロ
	time.Sleep(100 * time.Millisecond)
	assert.False(t, gock.HasUnmatchedRequest())
}

// 古いキャッシュは即表示しつつ、裏で静かに更新される
func TestOrchestratorHydrateStaleCacheSilentRefresh(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)
	mockAllStatuses(3, 1)

	past := time.Now().Add(-10 * time.Minute)
	cache.Now = func() time.Time { return past }
	for _, p := range []string{
		models.SourcePlatformRootly,
		models.SourcePlatformPagerduty,
		models.TargetPlatformGithub,
		models.TargetPlatformSlack,
	} {
		cache.Put(p, true, `[{"id":"old"}]`)
	}
	cache.Now = time.Now

	state := o.Hydrate()

	// キャッシュがあるのでローディングは出ない
	assert.Equal(t, GroupStateReady, state.GroupStates[GroupIncident])

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if row, _ := cache.Read(models.SourcePlatformRootly); !row.FetchedAt.Equal(past) && row.Payload != `[{"id":"old"}]` {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	row, _ := cache.Read(models.SourcePlatformRootly)
	assert.Contains(t, row.Payload, "r3")
	// 更新中も Ready のままで、ローディングには戻らない
	assert.Equal(t, GroupStateReady, o.State().GroupStates[GroupIncident])
}

// バックグラウンド更新の失敗は前回の正常なスナップショットを残す
func TestOrchestratorBackgroundRefreshFailureKeepsSnapshot(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)

	cache.Put(models.TargetPlatformSlack, true, `{"team":"acme"}`)

	for _, path := range []string{"/rootly/integrations", "/pagerduty/integrations", "/integrations/github/status", "/integrations/slack/status"} {
		gock.New(testBackendURL).Get(path).Reply(500)
	}

	o.BackgroundRefresh(context.Background())

	row, ok := cache.Read(models.TargetPlatformSlack)
	assert.True(t, ok)
	assert.True(t, row.Connected)
	assert.Equal(t, `{"team":"acme"}`, row.Payload)
}

// 前面リロードは失敗しても必ず Ready に戻る（固まらない）
func TestOrchestratorForegroundRefreshAlwaysResolves(t *testing.T) {
	defer gock.Off()
	o, _, _ := setupOrchestrator(t)

	for _, path := range []string{"/rootly/integrations", "/pagerduty/integrations", "/integrations/github/status", "/integrations/slack/status"} {
		gock.New(testBackendURL).Get(path).Reply(502)
	}

	state := o.ForegroundRefresh(context.Background())

	for _, group := range []string{GroupIncident, GroupGithub, GroupSlack} {
		assert.Equal(t, GroupStateReady, state.GroupStates[group])
	}
	assert.NotEmpty(t, state.LastError)
}

// OAuth 完了の直接書き込みは、それより前に発行された
// バックグラウンド更新の結果に上書きされない
func TestOrchestratorOAuthBeatsInFlightRefresh(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)

	gock.New(testBackendURL).Get("/rootly/integrations").Reply(500)
	gock.New(testBackendURL).Get("/pagerduty/integrations").Reply(500)
	gock.New(testBackendURL).Get("/integrations/github/status").Reply(500)
	// slack のバックグラウンド応答は遅れて届き、しかも「未接続」を返す
	gock.New(testBackendURL).
		Get("/integrations/slack/status").
		Reply(200).
		Delay(300 * time.Millisecond).
		JSON(map[string]interface{}{"integration": nil})

	done := make(chan struct{})
	go func() {
		o.BackgroundRefresh(context.Background())
		close(done)
	}()

	// slack の応答が届く前に OAuth 完了イベントが入る
	time.Sleep(100 * time.Millisecond)
	err := o.CompleteOAuth(models.TargetPlatformSlack, true, `{"team":"acme-workspace"}`)
	assert.NoError(t, err)

	<-done

	row, _ := cache.Read(models.TargetPlatformSlack)
	assert.True(t, row.Connected)
	assert.Equal(t, `{"team":"acme-workspace"}`, row.Payload)
}

func TestOrchestratorEditMappingPersistsAndRecomputes(t *testing.T) {
	defer gock.Off()
	o, _, _ := setupOrchestrator(t)

	gock.New(testBackendURL).
		Get("/analyses/a1/mappings/github").
		Reply(200).
		JSON(map[string]interface{}{
			"github_was_enabled": true,
			"entries": []map[string]interface{}{
				{"mapping_id": "1", "email": "alice@co.com"},
				{"mapping_id": "2", "email": "bob@co.com", "target_identifier": "bob-gh"},
			},
		})
	gock.New(testBackendURL).
		Put("/mappings/1").
		Reply(200)

	_, err := o.LoadMappings(context.Background(), models.TargetPlatformGithub, "a1")
	assert.NoError(t, err)

	store := o.MappingStoreFor(models.TargetPlatformGithub, "a1")
	assert.Equal(t, 1, store.Statistics().MappedMembers)

	updated, err := o.EditMapping(context.Background(), models.TargetPlatformGithub, "a1", "1", "alice-gh")
	assert.NoError(t, err)
	assert.Equal(t, "alice-gh", updated.TargetIdentifier)
	assert.Equal(t, 2, store.Statistics().MappedMembers)
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
}

// バックエンド保存に失敗したら楽観的な編集は巻き戻される
func TestOrchestratorEditMappingRollsBackOnFailure(t *testing.T) {
	defer gock.Off()
	o, _, _ := setupOrchestrator(t)

	gock.New(testBackendURL).
		Get("/analyses/a1/mappings/github").
		Reply(200).
		JSON(map[string]interface{}{
			"entries": []map[string]interface{}{
				{"mapping_id": "1", "email": "alice@co.com"},
			},
		})
	gock.New(testBackendURL).
		Put("/mappings/1").
		Reply(500)

	_, err := o.LoadMappings(context.Background(), models.TargetPlatformGithub, "a1")
	assert.NoError(t, err)

	store := o.MappingStoreFor(models.TargetPlatformGithub, "a1")
	_, err = o.EditMapping(context.Background(), models.TargetPlatformGithub, "a1", "1", "alice-gh")
	assert.Error(t, err)

	assert.Equal(t, 0, store.Statistics().MappedMembers)
	for _, m := range store.Mappings() {
		assert.Empty(t, m.TargetIdentifier)
		assert.False(t, m.IsManual)
	}
}

func TestOrchestratorPollOAuthTimeout(t *testing.T) {
	defer gock.Off()
	o, _, _ := setupOrchestrator(t)
	o.PollInterval = 1 * time.Millisecond

	gock.New(testBackendURL).
		Get("/integrations/github/status").
		Times(OAuthPollMaxAttempts).
		Reply(200).
		JSON(map[string]interface{}{"connected": false, "integration": nil})

	err := o.PollOAuthStatus(context.Background(), models.TargetPlatformGithub)
	assert.ErrorIs(t, err, ErrOAuthPollTimeout)
}

func TestOrchestratorPollOAuthSuccess(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)
	o.PollInterval = 1 * time.Millisecond

	gock.New(testBackendURL).
		Get("/integrations/github/status").
		Reply(200).
		JSON(map[string]interface{}{"connected": false, "integration": nil})
	gock.New(testBackendURL).
		Get("/integrations/github/status").
		Reply(200).
		JSON(map[string]interface{}{"connected": true, "integration": map[string]string{"login": "octocat"}})

	err := o.PollOAuthStatus(context.Background(), models.TargetPlatformGithub)
	assert.NoError(t, err)

	row, ok := cache.Read(models.TargetPlatformGithub)
	assert.True(t, ok)
	assert.True(t, row.Connected)
}

func TestOrchestratorManualMappingLifecycle(t *testing.T) {
	defer gock.Off()
	o, _, db := setupOrchestrator(t)

	gock.New(testBackendURL).
		Post("/manual-mappings").
		Reply(201).
		JSON(map[string]interface{}{
			"id":                "mm-1",
			"source_platform":   "rootly",
			"source_identifier": "alice@co.com",
			"target_platform":   "github",
			"target_identifier": "alice-gh",
			"mapping_type":      "manual",
		})

	created, err := o.CreateManualMapping(context.Background(), models.ManualMapping{
		SourcePlatform:   models.SourcePlatformRootly,
		SourceIdentifier: "alice@co.com",
		TargetPlatform:   models.TargetPlatformGithub,
		TargetIdentifier: "alice-gh",
	})
	assert.NoError(t, err)
	assert.Equal(t, "mm-1", created.ID)

	// ローカルにも複製が残る
	var local models.ManualMapping
	assert.NoError(t, db.Where("id = ?", "mm-1").First(&local).Error)
	assert.Equal(t, "alice-gh", local.TargetIdentifier)

	gock.New(testBackendURL).
		Delete("/manual-mappings/mm-1").
		Reply(204)

	assert.NoError(t, o.DeleteManualMapping(context.Background(), "mm-1"))
	err = db.Where("id = ?", "mm-1").First(&models.ManualMapping{}).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// 連携解除はバックエンドにも伝わり、その後の更新で接続状態が蘇らない
func TestOrchestratorDisconnectReachesBackend(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)

	cache.Put(models.TargetPlatformSlack, true, `{"team":"acme"}`)

	gock.New(testBackendURL).
		Delete("/integrations/slack").
		MatchHeader("Authorization", "Bearer test-token").
		Reply(204)

	err := o.Disconnect(context.Background(), models.TargetPlatformSlack)
	assert.NoError(t, err)

	row, ok := cache.Read(models.TargetPlatformSlack)
	assert.True(t, ok)
	assert.False(t, row.Connected)
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")

	// 解除後のバックグラウンド更新はバックエンドの「未接続」を返すだけ
	gock.New(testBackendURL).Get("/rootly/integrations").Reply(500)
	gock.New(testBackendURL).Get("/pagerduty/integrations").Reply(500)
	gock.New(testBackendURL).Get("/integrations/github/status").Reply(500)
	gock.New(testBackendURL).
		Get("/integrations/slack/status").
		Reply(200).
		JSON(map[string]interface{}{"integration": nil})

	o.BackgroundRefresh(context.Background())

	row, _ = cache.Read(models.TargetPlatformSlack)
	assert.False(t, row.Connected)
}

// バックエンドの解除に失敗したらスナップショットは接続のまま残す
func TestOrchestratorDisconnectBackendFailureKeepsSnapshot(t *testing.T) {
	defer gock.Off()
	o, cache, _ := setupOrchestrator(t)

	cache.Put(models.TargetPlatformGithub, true, `{"login":"octocat"}`)

	gock.New(testBackendURL).
		Delete("/integrations/github").
		Reply(500)

	err := o.Disconnect(context.Background(), models.TargetPlatformGithub)
	assert.Error(t, err)

	row, ok := cache.Read(models.TargetPlatformGithub)
	assert.True(t, ok)
	assert.True(t, row.Connected)
	assert.Equal(t, `{"login":"octocat"}`, row.Payload)
}

// 分析を行き来してもストアは分析ごとに保持され、編集が消えない
func TestOrchestratorMappingStorePerAnalysis(t *testing.T) {
	defer gock.Off()
	o, _, _ := setupOrchestrator(t)

	gock.New(testBackendURL).
		Get("/analyses/a1/mappings/github").
		Reply(200).
		JSON(map[string]interface{}{
			"entries": []map[string]interface{}{
				{"mapping_id": "1", "email": "alice@co.com"},
			},
		})
	gock.New(testBackendURL).
		Put("/mappings/1").
		Reply(200)
	gock.New(testBackendURL).
		Get("/analyses/a2/mappings/github").
		Reply(200).
		JSON(map[string]interface{}{
			"entries": []map[string]interface{}{
				{"mapping_id": "9", "email": "carol@co.com"},
			},
		})

	_, err := o.LoadMappings(context.Background(), models.TargetPlatformGithub, "a1")
	assert.NoError(t, err)
	_, err = o.EditMapping(context.Background(), models.TargetPlatformGithub, "a1", "1", "alice-gh")
	assert.NoError(t, err)

	// 別の分析を開いても a1 のストアには触れない
	_, err = o.LoadMappings(context.Background(), models.TargetPlatformGithub, "a2")
	assert.NoError(t, err)

	first := o.MappingStoreFor(models.TargetPlatformGithub, "a1")
	again := o.MappingStoreFor(models.TargetPlatformGithub, "a1")
	assert.Same(t, first, again)

	mappings := first.Mappings()
	assert.Len(t, mappings, 1)
	assert.Equal(t, "alice-gh", mappings[0].TargetIdentifier)

	other := o.MappingStoreFor(models.TargetPlatformGithub, "a2")
	assert.NotSame(t, first, other)
	assert.Equal(t, "carol@co.com", other.Mappings()[0].SourceIdentifier)
}

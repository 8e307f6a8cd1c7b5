package services

import (
	"log"
	"sync"
	"time"

	"integration-mapping-hub/models"

	"gorm.io/gorm"
)

// StalenessWindow を超えたスナップショットは古いとみなし、
// バックグラウンド更新の対象になる
const StalenessWindow = 5 * time.Minute

// IntegrationStatusCache はプラットフォームごとの接続状態スナップショットを
// 永続ストレージに持つ読み出し優先キャッシュ。表示中の正常な状態を
// バックグラウンド更新の失敗や古いレスポンスで上書きしない
type IntegrationStatusCache struct {
	db *gorm.DB

	mu         sync.Mutex
	refreshing bool

	// テストで時刻を差し替えるためのフック
	Now func() time.Time
}

func NewIntegrationStatusCache(db *gorm.DB) *IntegrationStatusCache {
	return &IntegrationStatusCache{
		db:  db,
		Now: time.Now,
	}
}

// ReadAll は保存済みのスナップショットを全件返す。ネットワークは使わない
func (c *IntegrationStatusCache) ReadAll() map[string]models.IntegrationSnapshot {
	var rows []models.IntegrationSnapshot
	if err := c.db.Find(&rows).Error; err != nil {
		log.Printf("snapshot read error: %v", err)
		return map[string]models.IntegrationSnapshot{}
	}

	snapshots := make(map[string]models.IntegrationSnapshot, len(rows))
	for _, row := range rows {
		snapshots[row.Platform] = row
	}
	return snapshots
}

// Read は1プラットフォーム分のスナップショットを返す
func (c *IntegrationStatusCache) Read(platform string) (models.IntegrationSnapshot, bool) {
	var row models.IntegrationSnapshot
	err := c.db.Where("platform = ?", platform).First(&row).Error
	if err != nil {
		return models.IntegrationSnapshot{}, false
	}
	return row, true
}

// IsStale はスナップショットが鮮度ウィンドウを超えているかを返す。
// スナップショットが存在しない場合も古い扱いにする
func (c *IntegrationStatusCache) IsStale(platform string) bool {
	row, ok := c.Read(platform)
	if !ok {
		return true
	}
	return c.Now().Sub(row.FetchedAt) > StalenessWindow
}

// AnyStale はグループ内のいずれかのプラットフォームが古いかを返す
func (c *IntegrationStatusCache) AnyStale(platforms ...string) bool {
	for _, p := range platforms {
		if c.IsStale(p) {
			return true
		}
	}
	return false
}

// Put はスナップショットを行ごと置き換える（フィールド単位のパッチはしない）。
// 直接書き込みのたびにリビジョンが進み、それより古い発行時点の
// バックグラウンド結果は適用されなくなる
func (c *IntegrationStatusCache) Put(platform string, connected bool, payload string) (models.IntegrationSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, _ := c.Read(platform)
	row := models.IntegrationSnapshot{
		Platform:  platform,
		Connected: connected,
		Payload:   payload,
		FetchedAt: c.Now(),
		Revision:  prev.Revision + 1,
	}

	if err := c.db.Save(&row).Error; err != nil {
		return models.IntegrationSnapshot{}, err
	}
	return row, nil
}

// Revision は現在のリビジョンを返す。バックグラウンド更新は発行前に
// これを控えておき、完了時に PutIfNotSuperseded へ渡す
func (c *IntegrationStatusCache) Revision(platform string) int64 {
	row, ok := c.Read(platform)
	if !ok {
		return 0
	}
	return row.Revision
}

// PutIfNotSuperseded はバックグラウンド更新の結果を、発行後に直接
// 書き込みが入っていない場合にだけ適用する。完了順ではなく意図の
// 新しさで勝敗を決める
func (c *IntegrationStatusCache) PutIfNotSuperseded(platform string, connected bool, payload string, asOfRevision int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.Read(platform)
	if ok && prev.Revision != asOfRevision {
		log.Printf("snapshot for %s superseded during refresh, result discarded", platform)
		return false, nil
	}

	row := models.IntegrationSnapshot{
		Platform:  platform,
		Connected: connected,
		Payload:   payload,
		FetchedAt: c.Now(),
		Revision:  prev.Revision + 1,
	}
	if err := c.db.Save(&row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// TryBeginRefresh はバックグラウンド更新の開始を予約する。
// 既に更新中なら false を返し、二重フェッチを防ぐ
func (c *IntegrationStatusCache) TryBeginRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refreshing {
		return false
	}
	c.refreshing = true
	return true
}

// EndRefresh はバックグラウンド更新の終了を記録する
func (c *IntegrationStatusCache) EndRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false
}

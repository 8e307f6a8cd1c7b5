package models

import (
	"time"
)

// 接続状態の分類
const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

// IntegrationSnapshot はプラットフォームごとの接続状態キャッシュ。
// ページ表示時に同期的に読み出して即座に描画するための行で、
// 鮮度は FetchedAt から判定する（プラットフォームごとに独立）。
// Revision は後勝ち競合の調停用で、直接書き込みのたびに増える
type IntegrationSnapshot struct {
	Platform  string `gorm:"primaryKey"` // "github", "slack", "rootly", "pagerduty"
	Connected bool
	Payload   string // プラットフォーム固有レコードの生JSON（なければ空）
	FetchedAt time.Time
	Revision  int64
	UpdatedAt time.Time
}

// Integration はインシデントプラットフォーム側の連携レコード
type Integration struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ValidationResult はユーザー名検証1回分の結果。検証対象の入力文字列と
// 発行時のシーケンス番号を持ち、入力が変わった後に届いた結果は捨てられる
type ValidationResult struct {
	Input     string `json:"input"`
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
	Performed bool   `json:"performed"` // 空入力などで検証自体を行わなかった場合は false
	Sequence  int64  `json:"-"`
}

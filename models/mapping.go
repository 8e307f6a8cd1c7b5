package models

import (
	"time"

	"gorm.io/gorm"
)

// プラットフォーム識別子
const (
	SourcePlatformRootly    = "rootly"
	SourcePlatformPagerduty = "pagerduty"

	TargetPlatformGithub = "github"
	TargetPlatformSlack  = "slack"
)

// マッピング手法のタグ
const (
	MappingMethodEmailMatch   = "email_match"
	MappingMethodManual       = "manual"
	MappingMethodAutoDetected = "auto_detected"
)

// Mapping はインシデントプラットフォーム上の人物と GitHub/Slack 上の
// アイデンティティの対応付け1件を表す。バックエンドのマッピング統計
// ペイロードから正規化されて作られ、メモリ上でのみ保持される
type Mapping struct {
	ID                string `json:"id"` // バックエンドの数値IDか、未保存の手動行は "manual_" プレフィックス付き
	SourcePlatform    string `json:"source_platform"`
	SourceIdentifier  string `json:"source_identifier"` // 通常はメールアドレス
	SourceName        string `json:"source_name,omitempty"`
	TargetPlatform    string `json:"target_platform"`
	TargetIdentifier  string `json:"target_identifier,omitempty"` // 空なら未マッピング
	MappingSuccessful bool   `json:"mapping_successful"`
	MappingMethod     string `json:"mapping_method"`
	IsManual          bool   `json:"is_manual"`
	IsVerified        bool   `json:"is_verified"`
	DataCollected     bool   `json:"data_collected"`
	DataPointsCount   int    `json:"data_points_count"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// MappingStatistics はマッピング集合の集計値。常に行リストから再計算され、
// 単独で永続化されることはない
type MappingStatistics struct {
	TotalAttempts      int `json:"total_attempts"`
	OverallSuccessRate int `json:"overall_success_rate"` // 0〜100 のパーセント（四捨五入）
	MappedMembers      int `json:"mapped_members"`
	MembersWithData    int `json:"members_with_data"`
}

// ManualMapping はユーザーが明示的に登録した対応付け。インラインの
// クイック編集とは別のライフサイクルを持ち、同じ source の自動マッピング
// より常に優先される
type ManualMapping struct {
	ID               string `gorm:"primaryKey" json:"id"`
	SourcePlatform   string `gorm:"index:idx_manual_source,unique:true" json:"source_platform"`
	SourceIdentifier string `gorm:"index:idx_manual_source,unique:true" json:"source_identifier"`
	TargetPlatform   string `gorm:"index:idx_manual_source,unique:true" json:"target_platform"`
	TargetIdentifier string `json:"target_identifier"`
	MappingType      string `json:"mapping_type"` // "manual" か "auto_detected"
	IsVerified       bool   `json:"is_verified"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

// RawMappingEntry はバックエンドから返ってくる正規化前の1行
type RawMappingEntry struct {
	MappingID        string `json:"mapping_id"`
	SourcePlatform   string `json:"source_platform"`
	Email            string `json:"email"`
	Name             string `json:"name,omitempty"`
	TargetIdentifier string `json:"target_identifier,omitempty"`
	MappingMethod    string `json:"mapping_method,omitempty"`
	IsManual         bool   `json:"is_manual"`
	IsVerified       bool   `json:"is_verified"`
	ErrorMessage     string `json:"error_message,omitempty"`
	DataCollected    bool   `json:"data_collected"`
	DataPointsCount  int    `json:"data_points_count"`
}

// RawMappingPayload はマッピング統計エンドポイントのレスポンス全体。
// github_was_enabled / slack_was_enabled は、その分析でデータ収集が
// 実際に有効だったかを示すコンテキストフラグ
type RawMappingPayload struct {
	Entries          []RawMappingEntry `json:"entries"`
	ManualMappings   []ManualMapping   `json:"manual_mappings,omitempty"`
	GithubWasEnabled bool              `json:"github_was_enabled"`
	SlackWasEnabled  bool              `json:"slack_was_enabled"`
}

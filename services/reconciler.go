package services

import (
	"log"
	"math"

	"integration-mapping-hub/models"

	"github.com/google/uuid"
)

// ReconcileResult は正規化済みのマッピング集合と、その表示に必要な
// コンテキストをまとめたもの
type ReconcileResult struct {
	Mappings          []models.Mapping
	Statistics        models.MappingStatistics
	CollectionEnabled bool // その分析でこのプラットフォームのデータ収集が有効だったか
	DroppedEntries    int  // source 識別子が欠けていて捨てた行数
}

// SyntheticManualID はバックエンドに未保存の手動行に付ける一時IDを生成する
func SyntheticManualID() string {
	return "manual_" + uuid.NewString()
}

// ReconcileMappings はバックエンドの生ペイロードを正規化する関数。
// 成功判定は target の有無とエラーメッセージの有無だけから決める
// （データ収集の成否は識別解決とは独立に失敗しうるため、成功判定に使わない）
func ReconcileMappings(targetPlatform string, payload models.RawMappingPayload) ReconcileResult {
	// 同じ source に対する手動マッピングを先に索引化しておく（手動が常に勝つ）
	manualBySource := make(map[string]models.ManualMapping)
	for _, mm := range payload.ManualMappings {
		if mm.TargetPlatform != targetPlatform {
			continue
		}
		if mm.SourceIdentifier == "" {
			continue
		}
		manualBySource[mm.SourceIdentifier] = mm
	}

	mappings := make([]models.Mapping, 0, len(payload.Entries))
	seen := make(map[string]bool)
	dropped := 0

	for _, entry := range payload.Entries {
		// source 識別子のない行は正規化を止めずに落とす
		if entry.Email == "" {
			dropped++
			continue
		}

		// 同じ source の重複行は最初の1件だけ残す
		if seen[entry.Email] {
			dropped++
			continue
		}
		seen[entry.Email] = true

		mapping := models.Mapping{
			ID:               entry.MappingID,
			SourcePlatform:   entry.SourcePlatform,
			SourceIdentifier: entry.Email,
			SourceName:       entry.Name,
			TargetPlatform:   targetPlatform,
			TargetIdentifier: entry.TargetIdentifier,
			MappingMethod:    entry.MappingMethod,
			IsManual:         entry.IsManual,
			IsVerified:       entry.IsVerified,
			ErrorMessage:     entry.ErrorMessage,
			DataCollected:    entry.DataCollected,
			DataPointsCount:  entry.DataPointsCount,
		}
		if mapping.ID == "" {
			mapping.ID = SyntheticManualID()
		}

		// 手動マッピングがあれば自動解決の結果を上書きする
		if mm, ok := manualBySource[entry.Email]; ok {
			mapping.TargetIdentifier = mm.TargetIdentifier
			mapping.MappingMethod = models.MappingMethodManual
			if mm.MappingType == models.MappingMethodAutoDetected {
				mapping.MappingMethod = models.MappingMethodAutoDetected
			}
			mapping.IsManual = true
			mapping.IsVerified = mm.IsVerified
			mapping.ErrorMessage = ""
			if mm.ID != "" {
				mapping.ID = mm.ID
			}
			delete(manualBySource, entry.Email)
		}

		mapping.MappingSuccessful = mapping.TargetIdentifier != "" && mapping.ErrorMessage == ""
		mappings = append(mappings, mapping)
	}

	// 自動解決の行が存在しない source の手動マッピングも行として見せる
	for source, mm := range manualBySource {
		id := mm.ID
		if id == "" {
			id = SyntheticManualID()
		}
		method := models.MappingMethodManual
		if mm.MappingType == models.MappingMethodAutoDetected {
			method = models.MappingMethodAutoDetected
		}
		mappings = append(mappings, models.Mapping{
			ID:                id,
			SourcePlatform:    mm.SourcePlatform,
			SourceIdentifier:  source,
			TargetPlatform:    targetPlatform,
			TargetIdentifier:  mm.TargetIdentifier,
			MappingSuccessful: mm.TargetIdentifier != "",
			MappingMethod:     method,
			IsManual:          true,
			IsVerified:        mm.IsVerified,
		})
	}

	if dropped > 0 {
		log.Printf("mapping reconcile: %d entries dropped (platform: %s)", dropped, targetPlatform)
	}

	collectionEnabled := payload.GithubWasEnabled
	if targetPlatform == models.TargetPlatformSlack {
		collectionEnabled = payload.SlackWasEnabled
	}

	return ReconcileResult{
		Mappings:          mappings,
		Statistics:        ComputeStatistics(mappings),
		CollectionEnabled: collectionEnabled,
		DroppedEntries:    dropped,
	}
}

// ComputeStatistics はマッピング集合の集計値を計算する関数。
// 表示される行リストと統計は常にここを通して同期させる
func ComputeStatistics(mappings []models.Mapping) models.MappingStatistics {
	stats := models.MappingStatistics{
		TotalAttempts: len(mappings),
	}

	successful := 0
	for _, m := range mappings {
		if m.MappingSuccessful {
			successful++
		}
		if m.TargetIdentifier != "" {
			stats.MappedMembers++
		}
		if m.DataCollected && m.MappingSuccessful {
			stats.MembersWithData++
		}
	}

	// 0件のときは 0%（NaN にも 100 にもしない）
	if stats.TotalAttempts > 0 {
		stats.OverallSuccessRate = int(math.Round(float64(successful) / float64(stats.TotalAttempts) * 100))
	}

	return stats
}

// ShowNoDataLabel は「データなし」と表示してよいかを判定する関数。
// データ収集が無効だった分析では「未実施」と「実施したが0件」の区別が
// つかないため、収集が有効だった場合にだけ true を返す
func ShowNoDataLabel(m models.Mapping, collectionEnabled bool) bool {
	return collectionEnabled && m.MappingSuccessful && m.DataPointsCount == 0
}

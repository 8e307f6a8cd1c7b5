package services

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"integration-mapping-hub/models"
)

var (
	// ErrManualMappingNotEditable は手動マッピングをクイック編集しようとしたときのエラー。
	// 手動マッピングの変更は専用の管理フローからのみ行える
	ErrManualMappingNotEditable = errors.New("manual mapping cannot be edited inline: use the manual mapping management flow")

	// ErrMappingNotFound は対象IDのマッピングが存在しないときのエラー
	ErrMappingNotFound = errors.New("mapping not found")
)

// ソートキー
const (
	SortFieldEmail  = "email"
	SortFieldStatus = "status"
	SortFieldData   = "data"
	SortFieldMethod = "method"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// MappingStore は1つの (プラットフォーム, 分析コンテキスト) に対する
// マッピング集合の現在状態を保持する。Load は常に全置換で、
// 過去の分析の行が混ざることはない
type MappingStore struct {
	mu sync.Mutex

	platform          string
	context           string
	mappings          []models.Mapping
	statistics        models.MappingStatistics
	collectionEnabled bool
	droppedEntries    int
}

func NewMappingStore(platform, context string) *MappingStore {
	return &MappingStore{
		platform: platform,
		context:  context,
	}
}

// Load はバックエンドのペイロードを正規化して集合を丸ごと置き換える
func (s *MappingStore) Load(payload models.RawMappingPayload) ReconcileResult {
	result := ReconcileMappings(s.platform, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = result.Mappings
	s.statistics = result.Statistics
	s.collectionEnabled = result.CollectionEnabled
	s.droppedEntries = result.DroppedEntries
	return result
}

// Mappings は現在の集合のコピーを返す
func (s *MappingStore) Mappings() []models.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMappings(s.mappings)
}

// Statistics は現在の集計値を返す
func (s *MappingStore) Statistics() models.MappingStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statistics
}

// CollectionEnabled はこの集合の分析でデータ収集が有効だったかを返す
func (s *MappingStore) CollectionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionEnabled
}

// DroppedEntries は直近の Load で捨てた行数を返す（診断用）
func (s *MappingStore) DroppedEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedEntries
}

// FilterFailed は失敗行だけの部分集合を返す。
// 失敗フィルタの定義はここ一箇所に置く
func FilterFailed(mappings []models.Mapping) []models.Mapping {
	filtered := make([]models.Mapping, 0)
	for _, m := range mappings {
		if !m.MappingSuccessful {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// Filter は失敗行だけの部分集合を返す。状態は変更しない
func (s *MappingStore) Filter(showOnlyFailed bool) []models.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !showOnlyFailed {
		return copyMappings(s.mappings)
	}
	return FilterFailed(s.mappings)
}

// Sort は指定キーで並べ替えたコピーを返す。主キーが等しい行は
// source 識別子の昇順で安定に並ぶ
func (s *MappingStore) Sort(field, direction string) []models.Mapping {
	s.mu.Lock()
	sorted := copyMappings(s.mappings)
	s.mu.Unlock()

	desc := direction == SortDesc

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		cmp := compareMappings(a, b, field)
		if cmp == 0 {
			// タイブレークは常に昇順（ソート方向に関わらず行順を決定的にする）
			return a.SourceIdentifier < b.SourceIdentifier
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})

	return sorted
}

func compareMappings(a, b models.Mapping, field string) int {
	switch field {
	case SortFieldStatus:
		return boolCompare(a.MappingSuccessful, b.MappingSuccessful)
	case SortFieldData:
		if a.DataPointsCount != b.DataPointsCount {
			if a.DataPointsCount < b.DataPointsCount {
				return -1
			}
			return 1
		}
		return 0
	case SortFieldMethod:
		return strings.Compare(a.MappingMethod, b.MappingMethod)
	default: // email
		return strings.Compare(a.SourceIdentifier, b.SourceIdentifier)
	}
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

// ApplyEdit はクイック編集を楽観的に適用する関数。手動マッピングの行は
// 拒否する。空文字への編集は「マッピング解除」として扱う。
// 戻り値の prev はバックエンド保存に失敗したときのロールバック用
func (s *MappingStore) ApplyEdit(id, newTargetIdentifier string) (updated models.Mapping, prev models.Mapping, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.mappings {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Mapping{}, models.Mapping{}, ErrMappingNotFound
	}

	if s.mappings[idx].IsManual {
		return models.Mapping{}, models.Mapping{}, ErrManualMappingNotEditable
	}

	prev = s.mappings[idx]

	m := s.mappings[idx]
	m.TargetIdentifier = strings.TrimSpace(newTargetIdentifier)
	m.MappingMethod = models.MappingMethodManual
	m.IsManual = true
	m.MappingSuccessful = m.TargetIdentifier != ""
	m.ErrorMessage = ""
	s.mappings[idx] = m

	// 行と統計がずれないよう、編集のたびに再計算する
	s.statistics = ComputeStatistics(s.mappings)

	return m, prev, nil
}

// RollbackEdit は ApplyEdit 前の行を書き戻す（バックエンド保存失敗時用）
func (s *MappingStore) RollbackEdit(prev models.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.mappings {
		if m.ID == prev.ID {
			s.mappings[i] = prev
			s.statistics = ComputeStatistics(s.mappings)
			return
		}
	}
}

func copyMappings(src []models.Mapping) []models.Mapping {
	dst := make([]models.Mapping, len(src))
	copy(dst, src)
	return dst
}

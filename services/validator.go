package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"integration-mapping-hub/models"

	"github.com/google/go-github/v71/github"
)

// デバウンスの待ち時間。入力がこの時間安定してから検証を発行する
const ValidationQuietPeriod = 500 * time.Millisecond

// UsernameValidator は候補ユーザー名1件を検証する
type UsernameValidator interface {
	ValidateUsername(ctx context.Context, platform, candidate string) models.ValidationResult
}

// GithubValidator は GitHub API でユーザー名の実在を確認する
type GithubValidator struct {
	client *github.Client
}

func NewGithubValidator(client *github.Client) *GithubValidator {
	if client == nil {
		client = NewGitHubClient()
	}
	return &GithubValidator{client: client}
}

// ValidateUsername は候補ユーザー名を検証する関数。
// 空入力は「検証未実施」として前回の結果をクリアする扱いになる。
// slack のユーザー名は独立に検証できないため、空でなければ暫定的に有効とする
func (v *GithubValidator) ValidateUsername(ctx context.Context, platform, candidate string) models.ValidationResult {
	candidate = strings.TrimSpace(candidate)

	if candidate == "" {
		return models.ValidationResult{Input: candidate, Performed: false}
	}

	if platform != models.TargetPlatformGithub {
		return models.ValidationResult{Input: candidate, Valid: true, Performed: true}
	}

	user, resp, err := v.client.Users.Get(ctx, candidate)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return models.ValidationResult{
				Input:     candidate,
				Valid:     false,
				Message:   "GitHub user not found",
				Performed: true,
			}
		}
		// ネットワーク等の失敗は編集UIを壊さず、一般的なエラーメッセージにする
		return models.ValidationResult{
			Input:     candidate,
			Valid:     false,
			Message:   "validation failed, please try again",
			Performed: true,
		}
	}

	return models.ValidationResult{
		Input:     candidate,
		Valid:     true,
		Message:   GetDisplayName(user),
		Performed: true,
	}
}

// DebouncedValidator は入力のたびに検証を発行する代わりに、入力が
// 安定するのを待ってから1回だけ発行するラッパー。
// 発行時のシーケンス番号と入力文字列で結果を突き合わせ、
// 入力が変わった後に届いた古いレスポンスは適用しない
type DebouncedValidator struct {
	mu sync.Mutex

	validator UsernameValidator
	quiet     time.Duration

	timer      *time.Timer
	seq        int64  // 最後にスケジュールしたシーケンス番号
	current    string // 最新の入力（トリム済み）
	platform   string
	result     models.ValidationResult
	dispatched int64
}

func NewDebouncedValidator(validator UsernameValidator, quiet time.Duration) *DebouncedValidator {
	if quiet <= 0 {
		quiet = ValidationQuietPeriod
	}
	return &DebouncedValidator{
		validator: validator,
		quiet:     quiet,
	}
}

// Input は入力の変化を通知する。保留中のタイマーは破棄され、
// 静止期間が経過したときだけ検証が発行される
func (d *DebouncedValidator) Input(platform, candidate string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.seq++
	seq := d.seq
	d.current = strings.TrimSpace(candidate)
	d.platform = platform

	// 空入力は検証せず、前回の結果もクリアする
	if d.current == "" {
		d.result = models.ValidationResult{Performed: false}
		return
	}

	input := d.current
	d.timer = time.AfterFunc(d.quiet, func() {
		d.dispatch(seq, platform, input)
	})
}

func (d *DebouncedValidator) dispatch(seq int64, platform, input string) {
	d.mu.Lock()
	// タイマー発火とキャンセルが競合した場合はここで捨てる
	if seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.dispatched++
	d.mu.Unlock()

	result := d.validator.ValidateUsername(context.Background(), platform, input)
	result.Sequence = seq

	d.mu.Lock()
	defer d.mu.Unlock()

	// 発行後に入力が変わっていたら、この結果は古いので適用しない
	if seq != d.seq || input != d.current {
		return
	}
	d.result = result
}

// Cancel は保留中の検証を破棄する。編集のキャンセル・確定時に呼ぶ。
// これ以降に届く発行済みレスポンスも適用されない
func (d *DebouncedValidator) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.current = ""
	d.result = models.ValidationResult{Performed: false}
}

// Result は現在適用されている検証結果を返す
func (d *DebouncedValidator) Result() models.ValidationResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// Dispatches は実際に発行された検証リクエストの数を返す（診断用）
func (d *DebouncedValidator) Dispatches() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched
}

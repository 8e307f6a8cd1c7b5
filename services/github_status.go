package services

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/google/go-github/v71/github"
	"golang.org/x/oauth2"
)

// GitHubクライアントを作成する関数
func NewGitHubClient() *github.Client {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		log.Println("GITHUB_TOKEN is not set")
		return github.NewClient(nil) // 認証なしのクライアント
	}

	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc)
}

// CheckGithubConnection は GitHub 連携の接続状態を直接確認する関数。
// 認証済みユーザーが取得できれば接続済みとみなし、アカウント情報の
// 生JSONをスナップショット用に返す
func CheckGithubConnection(ctx context.Context, client *github.Client) (bool, string, error) {
	if client == nil {
		client = NewGitHubClient()
	}

	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		// トークンが無効・未設定なら未接続であってエラーではない
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return false, "", nil
		}
		return false, "", err
	}

	payload, err := json.Marshal(map[string]string{
		"login":      user.GetLogin(),
		"name":       GetDisplayName(user),
		"avatar_url": user.GetAvatarURL(),
	})
	if err != nil {
		return true, "", err
	}

	return true, string(payload), nil
}

// GetDisplayName は GitHub User から表示名を取得する。
// Name があればそれを、なければ Login を返す
func GetDisplayName(user *github.User) string {
	if user == nil {
		return ""
	}

	if user.Name != nil && *user.Name != "" {
		return *user.Name
	}

	if user.Login != nil {
		return *user.Login
	}

	return ""
}

package services

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/slack-go/slack"
)

// CheckSlackConnection は Slack 連携の接続状態を auth.test で確認する関数。
// トークン未設定は未接続として扱う（エラーではない）
func CheckSlackConnection(ctx context.Context) (bool, string, error) {
	token := os.Getenv("SLACK_BOT_TOKEN")
	if token == "" {
		log.Println("SLACK_BOT_TOKEN is not set")
		return false, "", nil
	}

	api := slack.New(token)
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return false, "", err
	}

	payload, err := json.Marshal(map[string]string{
		"team":    resp.Team,
		"team_id": resp.TeamID,
		"url":     resp.URL,
	})
	if err != nil {
		return true, "", err
	}

	return true, string(payload), nil
}

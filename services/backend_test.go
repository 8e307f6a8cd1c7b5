package services

import (
	"context"
	"testing"

	"integration-mapping-hub/models"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

// トークンなしでのクライアント生成は前提条件違反として拒否される
func TestNewBackendClientRequiresToken(t *testing.T) {
	_, err := NewBackendClient("http://backend.test", "")
	assert.ErrorIs(t, err, ErrNoAuthToken)
}

func TestBackendClientGetMappingStats(t *testing.T) {
	defer gock.Off()

	client, err := NewBackendClient(testBackendURL, "test-token")
	assert.NoError(t, err)
	gock.InterceptClient(client.HTTPClient)

	gock.New(testBackendURL).
		Get("/analyses/a1/mappings/github").
		MatchHeader("Authorization", "Bearer test-token").
		Reply(200).
		JSON(map[string]interface{}{
			"github_was_enabled": true,
			"entries": []map[string]interface{}{
				{"mapping_id": "1", "email": "alice@co.com", "target_identifier": "alice-gh"},
			},
		})

	payload, err := client.GetMappingStats(context.Background(), "a1", "github")
	assert.NoError(t, err)
	assert.True(t, payload.GithubWasEnabled)
	assert.Len(t, payload.Entries, 1)
	assert.Equal(t, "alice@co.com", payload.Entries[0].Email)
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
}

// 409 は重複連携として専用のエラーになる
func TestBackendClientConflict(t *testing.T) {
	defer gock.Off()

	client, err := NewBackendClient(testBackendURL, "test-token")
	assert.NoError(t, err)
	gock.InterceptClient(client.HTTPClient)

	gock.New(testBackendURL).
		Post("/manual-mappings").
		Reply(409)

	_, err = client.CreateManualMapping(context.Background(), models.ManualMapping{
		SourceIdentifier: "alice@co.com",
		TargetPlatform:   models.TargetPlatformGithub,
	})
	assert.ErrorIs(t, err, ErrDuplicateIntegration)
}

// GitHub API を直接叩けない構成向けの、バックエンド経由の検証
func TestBackendClientValidateGithubUsername(t *testing.T) {
	defer gock.Off()

	client, err := NewBackendClient(testBackendURL, "test-token")
	assert.NoError(t, err)
	gock.InterceptClient(client.HTTPClient)

	gock.New(testBackendURL).
		Get("/github/users/alice-gh/validate").
		Reply(200).
		JSON(map[string]interface{}{"valid": true, "message": "Alice"})

	result, err := client.ValidateGithubUsername(context.Background(), "alice-gh")
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Performed)
	assert.Equal(t, "alice-gh", result.Input)
}

func TestBackendClientErrorIncludesStatus(t *testing.T) {
	defer gock.Off()

	client, err := NewBackendClient(testBackendURL, "test-token")
	assert.NoError(t, err)
	gock.InterceptClient(client.HTTPClient)

	gock.New(testBackendURL).
		Get("/rootly/integrations").
		Reply(503).
		BodyString("upstream unavailable")

	_, err = client.GetRootlyIntegrations(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

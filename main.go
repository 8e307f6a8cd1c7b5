package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"integration-mapping-hub/handlers"
	"integration-mapping-hub/models"
	"integration-mapping-hub/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, using environment variables")
	}

	db, err := gorm.Open(sqlite.Open("integration_hub.db"), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}
	db.AutoMigrate(&models.IntegrationSnapshot{}, &models.ManualMapping{})

	backend, err := services.NewBackendClient(os.Getenv("BACKEND_URL"), os.Getenv("BACKEND_TOKEN"))
	if err != nil {
		log.Fatal(err)
	}

	cache := services.NewIntegrationStatusCache(db)
	orchestrator := services.NewIntegrationOrchestrator(backend, cache, db)
	validator := services.NewGithubValidator(nil)

	integrationsHandler := handlers.NewIntegrationsHandler(orchestrator)
	mappingsHandler := handlers.NewMappingsHandler(orchestrator, validator)

	r := gin.Default()
	r.GET("/integrations", integrationsHandler.HandleGetIntegrations)
	r.POST("/integrations/refresh", integrationsHandler.HandleForegroundRefresh)
	r.POST("/integrations/:platform/oauth/complete", integrationsHandler.HandleOAuthComplete)
	r.POST("/integrations/:platform/oauth/poll", integrationsHandler.HandleOAuthPoll)
	r.POST("/integrations/:platform/probe", integrationsHandler.HandleProbe)
	r.DELETE("/integrations/:platform", integrationsHandler.HandleDisconnect)

	r.GET("/analyses/:id/mappings/:platform", mappingsHandler.HandleGetMappings)
	r.PATCH("/mappings/:id", mappingsHandler.HandleEditMapping)
	r.GET("/validate/:platform/:username", mappingsHandler.HandleValidateUsername)
	r.POST("/validate-sessions/:session/input", mappingsHandler.HandleValidationInput)
	r.GET("/validate-sessions/:session/result", mappingsHandler.HandleValidationResult)
	r.DELETE("/validate-sessions/:session", mappingsHandler.HandleValidationCancel)
	r.POST("/manual-mappings", mappingsHandler.HandleCreateManualMapping)
	r.PUT("/manual-mappings/:id", mappingsHandler.HandleUpdateManualMapping)
	r.DELETE("/manual-mappings/:id", mappingsHandler.HandleDeleteManualMapping)

	// 鮮度切れを定期的に確認してバックグラウンド更新を起動する
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if cache.AnyStale(
				models.SourcePlatformRootly,
				models.SourcePlatformPagerduty,
				models.TargetPlatformGithub,
				models.TargetPlatformSlack,
			) {
				orchestrator.BackgroundRefresh(context.Background())
			}
		}
	}()

	if err := r.Run(":8080"); err != nil {
		log.Fatal(err)
	}
}

// Package sidecar is the HTTP surface of the authorization service. It holds
// no state beyond its collaborators; safe to run in multiple replicas.
package sidecar

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/spoke-chat/spoke/internal/config"
	"github.com/spoke-chat/spoke/internal/core"
	"github.com/spoke-chat/spoke/internal/domain"
)

func SetupRouter(cfg *config.Config, issuer core.CredentialIssuer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	registerValidations()

	h := &tokenHandler{issuer: issuer}
	r.POST("/_spoke/v1/voice/token", h.handle)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "sidecar").Msg("router setup")
	return r
}

func registerValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseRoomID(fl.Field().String())
		return err == nil
	})
}

// Package httpapi exposes the local status and control surface: device state,
// binding progress, saved transcripts and push-button intents.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/binding"
	"github.com/dourok/voicebot/internal/session"
	"github.com/dourok/voicebot/internal/storage"
)

// Deps bundles what the router reads and drives.
type Deps struct {
	Session *session.Session
	Checker *binding.Checker

	// TranscriptDir and DeviceUID locate the transcript store. Transcript
	// routes are skipped when TranscriptDir is empty.
	TranscriptDir string
	DeviceUID     string
}

// NewRouter executes the newRouter function.
func NewRouter(deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Session != nil {
		events := NewEventsHandler(deps.Session, logger)
		router.GET("/api/events", func(c *gin.Context) {
			events.Handle(c.Writer, c.Request)
		})
		router.GET("/api/state", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"state":   string(deps.Session.State()),
				"display": deps.Session.Display(),
			})
		})
		router.POST("/api/toggle", func(c *gin.Context) {
			deps.Session.Toggle()
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		})
		router.POST("/api/listen/start", func(c *gin.Context) {
			deps.Session.StartListening()
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		})
		router.POST("/api/listen/stop", func(c *gin.Context) {
			deps.Session.StopListening()
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		})
	}

	if deps.Checker != nil {
		router.GET("/api/binding", func(c *gin.Context) {
			state := deps.Checker.Current()
			reply := gin.H{
				"status": state.Status.String(),
			}
			if state.Code != "" {
				reply["code"] = state.Code
			}
			if state.PanelURL != "" {
				reply["panel_url"] = state.PanelURL
			}
			if state.Message != "" {
				reply["message"] = state.Message
			}
			if firmware := deps.Checker.Firmware(); firmware != nil {
				reply["firmware"] = firmware
			}
			c.JSON(http.StatusOK, reply)
		})
	}

	if deps.TranscriptDir != "" {
		router.GET("/api/transcripts", func(c *gin.Context) {
			c.JSON(http.StatusOK, storage.GetTranscriptList(deps.TranscriptDir, deps.DeviceUID))
		})
		router.GET("/api/transcripts/:uid", func(c *gin.Context) {
			messages, err := storage.GetTranscript(deps.TranscriptDir, deps.DeviceUID, c.Param("uid"))
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
				return
			}
			c.JSON(http.StatusOK, messages)
		})
		router.DELETE("/api/transcripts/:uid", func(c *gin.Context) {
			if !storage.DeleteTranscript(deps.TranscriptDir, deps.DeviceUID, c.Param("uid")) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "deleted"})
		})
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}

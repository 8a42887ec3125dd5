package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snapup/src/api"
	"snapup/src/app"
	"snapup/src/repository"
)

type (
	AuthHandler struct {
		client *api.Client
		log    logrus.FieldLogger
	}

	AccountBody struct {
		LoggedIn  bool   `json:"logged_in"`
		ExpiresAt string `json:"expires_at,omitempty"`
	}
)

func NewAuthHandler(client *api.Client, logger logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{
		client: client,
		log:    logger.WithField("handler", "auth"),
	}
}

func (a *AuthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *AuthHandler) Login(c *gin.Context) {
	var creds app.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "error", "error": fmt.Errorf("can not parse credentials: %w", err).Error()})
		return
	}
	if err := creds.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "error", "error": err.Error()})
		return
	}
	if _, err := a.client.Login(c.Request.Context(), creds.Username, creds.Password); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *AuthHandler) Register(c *gin.Context) {
	var registration app.Registration
	if err := c.ShouldBindJSON(&registration); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "error", "error": fmt.Errorf("can not parse registration: %w", err).Error()})
		return
	}
	if err := a.client.Register(c.Request.Context(), registration); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "redirect": loginRoute})
}

func (a *AuthHandler) Logout(c *gin.Context) {
	a.client.Logout(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "success", "redirect": loginRoute})
}

func (a *AuthHandler) Account(c *gin.Context) {
	session, err := a.client.Session(c.Request.Context())
	if errors.Is(err, repository.ErrNoSession) {
		respondError(c, &api.AuthError{Reason: api.NoSession})
		return
	}
	if err != nil {
		a.log.WithError(err).Error("can not read session")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "error", "error": err.Error()})
		return
	}
	account := AccountBody{LoggedIn: true}
	if !session.Expiry.IsZero() {
		account.ExpiresAt = session.Expiry.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "payload": account})
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"urlshortener/internal/events"
	"urlshortener/internal/shortener"
	"urlshortener/models"
)

// LinkService is the domain surface the handlers drive.
type LinkService interface {
	Shorten(ctx context.Context, rawURL string) (models.Link, error)
	Resolve(ctx context.Context, code string) (models.Link, error)
	RecordClick(ctx context.Context, link models.Link) (events.URLClicked, error)
}

type Handler struct {
	svc     LinkService
	baseURL string
	health  func(ctx context.Context) error
	log     *zap.Logger
}

// NewHandler builds the handlers. health may be nil.
func NewHandler(svc LinkService, baseURL string, health func(ctx context.Context) error, log *zap.Logger) *Handler {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Handler{svc: svc, baseURL: baseURL, health: health, log: log.Named("api")}
}

type shortenRequest struct {
	URL string `json:"url"`
}

type shortenResponse struct {
	Code     string `json:"code"`
	ShortURL string `json:"short_url"`
}

func (h *Handler) HandleUserLink(c *gin.Context) {
	var req shortenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	link, err := h.svc.Shorten(c.Request.Context(), req.URL)
	switch {
	case errors.Is(err, shortener.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid URL"})
		return
	case err != nil:
		h.log.Error("failed to shorten url", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save URL"})
		return
	}

	c.JSON(http.StatusOK, shortenResponse{Code: link.Code, ShortURL: h.baseURL + link.Code})
}

// HandleRedirect resolves the code and queues a click. A failed click write
// is logged; the redirect is still served.
func (h *Handler) HandleRedirect(c *gin.Context) {
	code := c.Param("code")
	ctx := c.Request.Context()

	link, err := h.svc.Resolve(ctx, code)
	switch {
	case errors.Is(err, shortener.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Short URL not found"})
		return
	case err != nil:
		h.log.Error("redirect failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	if _, err := h.svc.RecordClick(ctx, link); err != nil {
		h.log.Warn("failed to record click", zap.String("code", code), zap.Error(err))
	}
	c.Redirect(http.StatusFound, link.OriginalURL)
}

func (h *Handler) HandleHealth(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

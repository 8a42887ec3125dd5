package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"snapup/src/app"
)

type GalleryHandler struct {
	gallery *app.Gallery
}

const prefixQueryParam = "prefix"

func NewGalleryHandler(gallery *app.Gallery) *GalleryHandler {
	return &GalleryHandler{gallery: gallery}
}

func (g *GalleryHandler) GetImageList(c *gin.Context) {
	if g.gallery == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "error", "error": "image library is not configured"})
		return
	}
	images, err := g.gallery.ListImages(c.Request.Context(), c.Query(prefixQueryParam))
	if err != nil {
		c.JSON(http.StatusInternalServerError,
			gin.H{"message": "error", "error": fmt.Errorf("can not fetch images: %w", err).Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "payload": images})
}

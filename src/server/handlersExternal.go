package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snapup/src/api"
	"snapup/src/app"
)

type UploadHandler struct {
	client    *api.Client
	gallery   *app.Gallery
	maxUpload int64
	log       logrus.FieldLogger
}

const (
	imageFormField = "image"
	keyFormField   = "key"
)

func NewUploadHandler(client *api.Client, gallery *app.Gallery, maxUpload int64, logger logrus.FieldLogger) *UploadHandler {
	return &UploadHandler{
		client:    client,
		gallery:   gallery,
		maxUpload: maxUpload,
		log:       logger.WithField("handler", "upload"),
	}
}

// PostUpload forwards an image to the API. The image is either the multipart
// file "image" or the "key" of an object in the image library.
func (u *UploadHandler) PostUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, u.maxUpload)

	upload, err := u.readImage(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "error", "error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": "error", "error": err.Error()})
		return
	}
	upload.Category = c.PostForm("category")
	upload.Description = c.PostForm("description")
	upload.Priority = c.PostForm("priority")
	upload.Location = c.PostForm("location")

	resp, err := u.client.Upload(c.Request.Context(), *upload)
	if err != nil {
		u.log.WithError(err).Warn("upload failed")
		respondError(c, err)
		return
	}

	payload := gin.H{"upstream_status": resp.Status}
	if json.Valid(resp.Body) {
		payload["response"] = json.RawMessage(resp.Body)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "payload": payload})
}

func (u *UploadHandler) readImage(c *gin.Context) (*app.UploadRequest, error) {
	file, header, err := c.Request.FormFile(imageFormField)
	if err == nil {
		defer file.Close()
		var buffer bytes.Buffer
		if _, err := io.Copy(&buffer, file); err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return &app.UploadRequest{
			Image:       buffer.Bytes(),
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
		}, nil
	}
	if !errors.Is(err, http.ErrMissingFile) {
		return nil, fmt.Errorf("can not parse upload form: %w", err)
	}

	key := c.PostForm(keyFormField)
	if key == "" {
		return nil, errors.New("no image selected")
	}
	if u.gallery == nil {
		return nil, errors.New("image library is not configured")
	}
	upload, err := u.gallery.Open(c.Request.Context(), key)
	if err != nil {
		return nil, fmt.Errorf("can not open %s: %w", key, err)
	}
	return upload, nil
}

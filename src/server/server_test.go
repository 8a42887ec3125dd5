package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapup/src/api"
	"snapup/src/app"
	mocking "snapup/src/app/mock"
	cfg "snapup/src/configuration"
	"snapup/src/repository"
)

type uploadSeen struct {
	category, description, priority, location, filename string
	size                                                 int
}

// upstream is a minimal stand-in for the REST API behind the gateway.
type upstream struct {
	mu      sync.Mutex
	server  *httptest.Server
	revoked bool
	uploads []uploadSeen
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		var creds app.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Username == "alice" && creds.Password == "pw" {
			reply(w, http.StatusOK, map[string]string{"access": "A1", "refresh": "R1"})
			return
		}
		reply(w, http.StatusUnauthorized, map[string]string{"detail": "no active account"})
	})
	mux.HandleFunc("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusUnauthorized, map[string]string{"detail": "token is blacklisted"})
	})
	mux.HandleFunc("/api/auth/registration/", func(w http.ResponseWriter, r *http.Request) {
		var registration app.Registration
		_ = json.NewDecoder(r.Body).Decode(&registration)
		if registration.Email == "taken@example.com" {
			reply(w, http.StatusBadRequest, map[string][]string{"email": {"already registered"}})
			return
		}
		reply(w, http.StatusCreated, map[string]string{})
	})
	mux.HandleFunc("/api/upload/", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.revoked || r.Header.Get("Authorization") != "Bearer A1" {
			reply(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("category") == "boom" {
			http.Error(w, "broken", http.StatusInternalServerError)
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(file)
		u.uploads = append(u.uploads, uploadSeen{
			category:    r.FormValue("category"),
			description: r.FormValue("description"),
			priority:    r.FormValue("priority"),
			location:    r.FormValue("location"),
			filename:    header.Filename,
			size:        buf.Len(),
		})
		reply(w, http.StatusCreated, map[string]int{"id": 7})
	})
	u.server = httptest.NewServer(mux)
	t.Cleanup(u.server.Close)
	return u
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (u *upstream) revoke() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.revoked = true
}

func (u *upstream) seen() []uploadSeen {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uploadSeen(nil), u.uploads...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig(baseURL string) *cfg.Properties {
	return &cfg.Properties{
		API: cfg.APIProperties{
			BaseURL:          baseURL,
			TokenPath:        "token/",
			RefreshPath:      "token/refresh/",
			RegistrationPath: "auth/registration/",
			UploadPath:       "upload/",
			Timeout:          5 * time.Second,
		},
		Server: cfg.HttpServerProperties{
			Name:         "snapup",
			AllowOrigins: []string{"http://localhost:3000"},
			MaxUpload:    1 << 20,
		},
	}
}

func newTestRouter(t *testing.T, baseURL string, gallery *app.Gallery) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config := testConfig(baseURL)
	tokens := repository.NewTokenStore(repository.NewInMemoryDB())
	client, err := api.NewClient(context.Background(), config, tokens, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return NewRouter(config, client, gallery, quietLogger())
}

func do(router *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	body := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func jsonRequest(method, target string, v any) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if image != nil {
		part, err := writer.CreateFormFile("image", "shot.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestGatewayRoundTrip(t *testing.T) {
	up := newUpstream(t)
	router := newTestRouter(t, up.server.URL+"/api/", nil)

	w, _ := do(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := do(router, httptest.NewRequest(http.MethodGet, "/account", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "/login", body["redirect"])

	w, body = do(router, uploadRequest(t, map[string]string{"category": "pothole"}, pngHeader))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "/login", body["redirect"])
	assert.Empty(t, up.seen())

	w, _ = do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "nope"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"}))
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(router, httptest.NewRequest(http.MethodGet, "/account", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["payload"].(map[string]any)["logged_in"])

	w, body = do(router, uploadRequest(t, map[string]string{
		"category":    "pothole",
		"description": "deep one",
		"priority":    "high",
		"location":    "52.1,21.0",
	}, pngHeader))
	require.Equal(t, http.StatusOK, w.Code, body)
	payload := body["payload"].(map[string]any)
	assert.Equal(t, float64(http.StatusCreated), payload["upstream_status"])
	assert.Equal(t, float64(7), payload["response"].(map[string]any)["id"])
	require.Len(t, up.seen(), 1)
	assert.Equal(t, uploadSeen{
		category:    "pothole",
		description: "deep one",
		priority:    "high",
		location:    "52.1,21.0",
		filename:    "shot.png",
		size:        len(pngHeader),
	}, up.seen()[0])

	w, body = do(router, uploadRequest(t, map[string]string{"category": "boom"}, pngHeader))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, float64(http.StatusInternalServerError), body["upstream_status"])
	assert.Contains(t, body["upstream_body"], "broken")

	w, _ = do(router, uploadRequest(t, map[string]string{"category": "pothole"}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(router, httptest.NewRequest(http.MethodPost, "/logout", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/login", body["redirect"])

	w, _ = do(router, httptest.NewRequest(http.MethodGet, "/account", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGatewayRevokedSession(t *testing.T) {
	up := newUpstream(t)
	router := newTestRouter(t, up.server.URL+"/api/", nil)

	w, _ := do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"}))
	require.Equal(t, http.StatusOK, w.Code)
	up.revoke()

	w, body := do(router, uploadRequest(t, map[string]string{"category": "pothole"}, pngHeader))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "/login", body["redirect"])

	w, _ = do(router, httptest.NewRequest(http.MethodGet, "/account", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGatewayRegister(t *testing.T) {
	up := newUpstream(t)
	router := newTestRouter(t, up.server.URL+"/api/", nil)

	w, _ := do(router, jsonRequest(http.MethodPost, "/register", app.Registration{Email: "bob@example.com"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := do(router, jsonRequest(http.MethodPost, "/register", app.Registration{
		Email: "taken@example.com", Password1: "pw", Password2: "pw",
	}))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, float64(http.StatusBadRequest), body["upstream_status"])
	assert.Contains(t, body["upstream_body"], "already registered")

	w, body = do(router, jsonRequest(http.MethodPost, "/register", app.Registration{
		Email: "bob@example.com", Password1: "pw", Password2: "pw",
	}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/login", body["redirect"])
}

func TestGatewayUnreachableAPI(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	baseURL := closed.URL + "/api/"
	closed.Close()
	router := newTestRouter(t, baseURL, nil)

	w, _ := do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"}))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestGatewayImages(t *testing.T) {
	up := newUpstream(t)

	t.Run("NotConfigured", func(t *testing.T) {
		router := newTestRouter(t, up.server.URL+"/api/", nil)
		w, _ := do(router, httptest.NewRequest(http.MethodGet, "/images", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("List", func(t *testing.T) {
		client := new(mocking.MockClient)
		client.On("ListObjects", mock.Anything, "photos", minio.ListObjectsOptions{Prefix: "alice/", Recursive: true}).
			Return([]minio.ObjectInfo{{Key: "alice/cat.png", Size: 10}, {Key: "alice/readme.md", Size: 1}})
		client.On("PresignedGetObject", mock.Anything, "photos", "alice/cat.png", time.Hour, mock.Anything).
			Return(&url.URL{Scheme: "https", Host: "s3.local", Path: "/photos/alice/cat.png"}, nil)
		gallery := app.NewGalleryWithClient(client, "photos", time.Hour, quietLogger())

		router := newTestRouter(t, up.server.URL+"/api/", gallery)
		w, body := do(router, httptest.NewRequest(http.MethodGet, "/images?prefix=alice/", nil))
		require.Equal(t, http.StatusOK, w.Code)
		images := body["payload"].([]any)
		require.Len(t, images, 1)
		image := images[0].(map[string]any)
		assert.Equal(t, "alice/cat.png", image["key"])
		assert.True(t, strings.HasPrefix(image["url"].(string), "https://s3.local/"))
		client.AssertExpectations(t)
	})

	t.Run("UploadByKeyRejectsNonImage", func(t *testing.T) {
		gallery := app.NewGalleryWithClient(new(mocking.MockClient), "photos", time.Hour, quietLogger())
		router := newTestRouter(t, up.server.URL+"/api/", gallery)

		w, _ := do(router, jsonRequest(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "pw"}))
		require.Equal(t, http.StatusOK, w.Code)

		w, _ = do(router, uploadRequest(t, map[string]string{"key": "alice/readme.md"}, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, up.seen())
	})
}

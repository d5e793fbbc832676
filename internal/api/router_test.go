package api_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/d9705996/escalator/internal/api"
	"github.com/d9705996/escalator/internal/health"
	"github.com/stretchr/testify/assert"
)

func TestRouter(t *testing.T) {
	db := health.PingFunc(func(context.Context) error { return nil })
	router := api.NewRouter(health.New(health.Check{Name: "database", Pinger: db}),
		slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	for path, want := range map[string]int{
		"/api/v1/health":   http.StatusOK,
		"/api/v1/ready":    http.StatusOK,
		"/metrics":         http.StatusOK,
		"/api/v1/policies": http.StatusNotFound,
	} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
			assert.Equal(t, want, w.Code)
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"edge-relays/internal/model"
)

func testPolicy() *model.CORSPolicy {
	return &model.CORSPolicy{
		AllowOrigin:  "*",
		AllowMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Range"},
		MaxAge:       86400,
	}
}

func TestCORS_PanicAndRouteErrors(t *testing.T) {
	e := echo.New()
	e.Use(CORS(testPolicy()))
	e.Use(echomw.Recover())
	e.GET("/panic", func(c echo.Context) error {
		panic("boom")
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"panic", http.MethodGet, "/panic", http.StatusInternalServerError},
		{"unknown route", http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
			}
			if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
				t.Errorf("Access-Control-Max-Age = %q, want %q", got, "86400")
			}
		})
	}
}

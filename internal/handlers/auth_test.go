package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smartplug_control/internal/models"
	"smartplug_control/internal/service"
)

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func TestAuthHandlers_SignInTokenOpensPlugAPI(t *testing.T) {
	s, _ := newPlugTestService()
	auth := &mockAuth{signUpID: 42, genTokenToken: "tok123", parseID: 42}
	s.Authorization = auth
	r := newTestRouter(s)

	w := postJSON(t, r, "/auth/sign-up", `{"username":"octo","password":"p"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("sign-up status=%d, body=%s", w.Code, w.Body.String())
	}
	var created map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created["id"] != 42 {
		t.Fatalf("sign-up body = %s", w.Body.String())
	}

	w = postJSON(t, r, "/auth/sign-in", `{"username":"octo","password":"p"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("sign-in status=%d, body=%s", w.Code, w.Body.String())
	}
	var signedIn map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &signedIn)
	if signedIn["token"] != "tok123" || signedIn["token_type"] != "Bearer" {
		t.Fatalf("sign-in body = %v", signedIn)
	}
	if auth.lastGenUsername != "octo" || auth.lastGenPassword != "p" {
		t.Fatalf("credentials passed on: %q %q", auth.lastGenUsername, auth.lastGenPassword)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plugs", nil)
	req.Header.Set("Authorization", signedIn["token_type"]+" "+signedIn["token"])
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("plug list with issued token: %d %s", w.Code, w.Body.String())
	}
	if auth.lastParseToken != "tok123" {
		t.Fatalf("middleware checked %q", auth.lastParseToken)
	}
	var plugs []models.PlugConfig
	if err := json.Unmarshal(w.Body.Bytes(), &plugs); err != nil || len(plugs) != 2 {
		t.Fatalf("plug list = %s", w.Body.String())
	}
}

func TestAuthHandlers_SignUpStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"username taken", fmt.Errorf("insert user %q: %w", "octo", service.ErrUsernameTaken), http.StatusConflict},
		{"blank username", service.ErrInvalidUsername, http.StatusBadRequest},
		{"blank password", fmt.Errorf("%w: password is empty", service.ErrInvalidPassword), http.StatusBadRequest},
		{"database down", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&service.Service{Authorization: &mockAuth{signUpErr: tc.err}})
			if w := postJSON(t, r, "/auth/sign-up", `{"username":"octo","password":"p"}`); w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestAuthHandlers_SignInRejections(t *testing.T) {
	r := newTestRouter(&service.Service{Authorization: &mockAuth{genTokenErr: service.ErrInvalidPassword}})

	if w := postJSON(t, r, "/auth/sign-in", `{"username":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad body: %d", w.Code)
	}
	w := postJSON(t, r, "/auth/sign-in", `{"username":"octo","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("sign-in failure leaks the reason: %s", w.Body.String())
	}
}

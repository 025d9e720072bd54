package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/billing"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/config"
	"github.com/chxlky/orba/internal/models"
	"github.com/chxlky/orba/internal/testutil"
	"github.com/gin-gonic/gin"
)

const webhookSecret = "whsec_test"

type fakeMailer struct {
	mu   sync.Mutex
	sent []integrations.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg integrations.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) messages() []integrations.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]integrations.Message(nil), f.sent...)
}

type testEnv struct {
	h      *Handler
	router *gin.Engine
	mailer *fakeMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	cfg := &config.Config{
		App:     config.AppConfig{Name: "Orba", BaseURL: "http://localhost:3000"},
		Auth:    config.AuthConfig{SessionSecret: "test-secret", SessionTTL: time.Hour, ResetTokenTTL: time.Hour},
		Mail:    config.MailConfig{ContactTo: "support@orba.app"},
		Stripe:  config.StripeConfig{WebhookSecret: webhookSecret, ProPriceID: "price_pro"},
		Billing: config.BillingConfig{FreeProjectLimit: 3},
	}
	mailer := &fakeMailer{}
	h := &Handler{
		DB:       db,
		Config:   cfg,
		Board:    board.New(db),
		Accounts: auth.NewAccounts(db),
		Sessions: auth.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL),
		Resets:   auth.NewResets(db, cfg.Auth.ResetTokenTTL),
		Billing:  billing.NewSynchronizer(db, nil, webhookSecret, cfg.Stripe.PlanForPrice),
		Mailer:   mailer,
		Workers:  make(chan struct{}, 2),
	}
	r := gin.New()
	h.Register(r)
	return &testEnv{h: h, router: r, mailer: mailer}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// expect fails the test unless the response has the given status, then
// decodes the body into out when out is not nil.
func expect(t *testing.T, w *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %s: %v", w.Body.String(), err)
		}
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %s: %v", w.Body.String(), err)
	}
	return body.Error
}

// signUp registers an account and returns its session token and user.
func (e *testEnv) signUp(t *testing.T, name, email string) (string, models.User) {
	t.Helper()
	var resp struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	w := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "correct-horse",
	})
	expect(t, w, http.StatusCreated, &resp)
	if resp.Token == "" {
		t.Fatal("register returned no token")
	}
	return resp.Token, resp.User
}

type projectBody struct {
	models.Project
	Role string `json:"role"`
}

func (e *testEnv) createProject(t *testing.T, token, name string) projectBody {
	t.Helper()
	var p projectBody
	expect(t, e.do(t, http.MethodPost, "/api/projects", token, map[string]string{"name": name}), http.StatusCreated, &p)
	return p
}

func columnByTitle(t *testing.T, cols []models.Column, title string) models.Column {
	t.Helper()
	for _, c := range cols {
		if c.Title == title {
			return c
		}
	}
	t.Fatalf("column %q not found", title)
	return models.Column{}
}

var errMailDown = errors.New("smtp: connection refused")

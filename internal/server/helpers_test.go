package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/auth"
	"github.com/MarcoPoloResearchLab/herald/internal/backends"
	"github.com/MarcoPoloResearchLab/herald/internal/database"
	"github.com/MarcoPoloResearchLab/herald/internal/inbox"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "herald"
)

type testStack struct {
	handler  http.Handler
	db       *gorm.DB
	issuer   *auth.TokenIssuer
	catalog  *notices.Catalog
	settings *notices.SettingResolver
	users    *users.Service
	inbox    *inbox.Service
	hub      *inbox.Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "herald.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	mediums, err := notices.NewMediumRegistry(notices.DefaultMediums())
	if err != nil {
		t.Fatalf("failed to build mediums: %v", err)
	}
	catalog, err := notices.NewCatalog(notices.CatalogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	settings, err := notices.NewSettingResolver(notices.SettingResolverConfig{Database: db, Mediums: mediums, Directory: userService})
	if err != nil {
		t.Fatalf("failed to build setting resolver: %v", err)
	}
	stats, err := notices.NewStatsRecorder(notices.StatsRecorderConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build stats recorder: %v", err)
	}
	hub := inbox.NewHub()
	inboxService, err := inbox.NewService(inbox.ServiceConfig{Database: db, Hub: hub})
	if err != nil {
		t.Fatalf("failed to build inbox: %v", err)
	}
	renderer, err := backends.NewRenderer(backends.RendererConfig{Fallback: language.English})
	if err != nil {
		t.Fatalf("failed to build renderer: %v", err)
	}
	built, err := backends.Build([]string{backends.InAppBackendName}, backends.Dependencies{
		Settings: settings,
		Renderer: renderer,
		Inbox:    inboxService,
	})
	if err != nil {
		t.Fatalf("failed to build backends: %v", err)
	}
	invoker, err := notices.NewInvoker(notices.InvokerConfig{
		Catalog:      catalog,
		Backends:     built,
		Mediums:      mediums,
		Languages:    userService,
		Stats:        stats,
		StatsEnabled: true,
	})
	if err != nil {
		t.Fatalf("failed to build invoker: %v", err)
	}
	queue, err := notices.NewQueue(notices.QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	dispatcher, err := notices.NewDispatcher(notices.DispatcherConfig{
		Catalog:   catalog,
		Invoker:   invoker,
		Queue:     queue,
		Directory: userService,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            validator,
		Dispatcher:        dispatcher,
		Catalog:           catalog,
		Settings:          settings,
		Mediums:           mediums,
		Stats:             stats,
		Users:             userService,
		Inbox:             inboxService,
		HeartbeatInterval: time.Second,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testStack{
		handler:  handler,
		db:       db,
		issuer:   issuer,
		catalog:  catalog,
		settings: settings,
		users:    userService,
		inbox:    inboxService,
		hub:      hub,
	}
}

func (s *testStack) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(subject, roles)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func (s *testStack) inboxSubscribers(userID int64) int {
	return s.hub.Subscribers(userID)
}

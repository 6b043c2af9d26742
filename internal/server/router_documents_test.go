package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/auth"
	"github.com/MarcoPoloResearchLab/docmirror/internal/database"
	"github.com/MarcoPoloResearchLab/docmirror/internal/documents"
	"github.com/MarcoPoloResearchLab/docmirror/internal/metrics"
	"github.com/MarcoPoloResearchLab/docmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/docmirror/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testMirrorRoot    = "/srv/docmirror"
)

type apiFixture struct {
	handler    http.Handler
	filesystem afero.Fs
	mirror     *mirror.Mirror
	issuer     *auth.SessionIssuer
	registry   *prometheus.Registry
	token      string
}

func newAPIFixture(t *testing.T, filesystem afero.Fs, rateLimit RateLimitConfig) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors()
	if err := collectors.Register(registry); err != nil {
		t.Fatalf("failed to register collectors: %v", err)
	}

	documentMirror, err := mirror.New(mirror.Config{
		Root:       testMirrorRoot,
		Filesystem: filesystem,
		Recorder:   collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct mirror: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Mirror:     documentMirror,
		Owners:     userService,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Documents:        documentService,
		Metrics:          collectors,
		Gatherer:         registry,
		RateLimit:        rateLimit,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	token, _, err := issuer.IssueSession(auth.SessionIdentity{UserID: "testuser", DisplayName: "Test User"})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}

	return apiFixture{
		handler:    handler,
		filesystem: filesystem,
		mirror:     documentMirror,
		issuer:     issuer,
		registry:   registry,
		token:      token,
	}
}

func (f apiFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
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
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Authorization", "Bearer "+f.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f apiFixture) create(t *testing.T, body map[string]string) mutationResponsePayload {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/v1/documents", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload mutationResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	return payload
}

func (f apiFixture) seed(t *testing.T) {
	t.Helper()
	f.create(t, map[string]string{"title": "Report 1", "content": "Content 1", "doc_type": "report", "status": "approved"})
	f.create(t, map[string]string{"title": "Draft 1", "content": "Content 2", "doc_type": "report", "status": "draft"})
	f.create(t, map[string]string{"title": "Analysis", "content": "Security report", "doc_type": "analysis", "status": "approved"})
}

func (f apiFixture) list(t *testing.T, target string) []documentPayload {
	t.Helper()
	recorder := f.do(t, http.MethodGet, target, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload listResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	return payload.Documents
}

func (f apiFixture) mirrorContents(t *testing.T, documentID string) (string, bool) {
	t.Helper()
	path, err := f.mirror.Path(documentID)
	if err != nil {
		t.Fatalf("failed to compute mirror path: %v", err)
	}
	contents, err := afero.ReadFile(f.filesystem, path)
	if err != nil {
		return "", false
	}
	return string(contents), true
}

func TestCreateWritesMirrorFile(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})

	created := fixture.create(t, map[string]string{
		"title":    "Report 1",
		"content":  "Content 1",
		"doc_type": "report",
		"status":   "approved",
	})
	if !created.Mirror.Synced || created.Mirror.Error != "" {
		t.Fatalf("expected synced mirror, got %#v", created.Mirror)
	}
	if created.OwnerID != "testuser" {
		t.Fatalf("unexpected owner %q", created.OwnerID)
	}

	contents, ok := fixture.mirrorContents(t, created.ID)
	if !ok {
		t.Fatalf("expected mirror file for %s", created.ID)
	}
	if !strings.HasPrefix(contents, "Title: Report 1\n") {
		t.Fatalf("unexpected mirror header: %q", contents)
	}
	if !strings.Contains(contents, "Owner: Test User\n") {
		t.Fatalf("expected owner display name in mirror: %q", contents)
	}
	if !strings.HasSuffix(contents, "--- Content ---\nContent 1") {
		t.Fatalf("unexpected mirror body: %q", contents)
	}
}

func TestCreateDefaultsStatusAndRejectsMissingTitle(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})

	created := fixture.create(t, map[string]string{"title": "Memo", "doc_type": "memo"})
	if created.Status != documents.DefaultStatus {
		t.Fatalf("expected default status, got %q", created.Status)
	}

	recorder := fixture.do(t, http.MethodPost, "/api/v1/documents", map[string]string{"doc_type": "memo"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if body["code"] != "documents.create.invalid_input" {
		t.Fatalf("unexpected error code %q", body["code"])
	}
}

func TestCreateSucceedsWhenMirrorIsReadOnly(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewReadOnlyFs(afero.NewMemMapFs()), RateLimitConfig{})

	created := fixture.create(t, map[string]string{"title": "Report 1", "doc_type": "report"})
	if created.Mirror.Synced {
		t.Fatalf("expected unsynced mirror on read-only filesystem")
	}
	if created.Mirror.Error != "documents.create.mirror_write_failed" {
		t.Fatalf("unexpected mirror error %q", created.Mirror.Error)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/v1/documents/"+created.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected committed row to be retrievable, got %d", recorder.Code)
	}
}

func TestUpdateRewritesMirror(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})
	created := fixture.create(t, map[string]string{"title": "Report 1", "doc_type": "report", "content": "v1"})

	recorder := fixture.do(t, http.MethodPatch, "/api/v1/documents/"+created.ID, map[string]string{"content": "v2", "status": "approved"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	contents, _ := fixture.mirrorContents(t, created.ID)
	if !strings.Contains(contents, "Status: approved\n") || !strings.HasSuffix(contents, "v2") {
		t.Fatalf("mirror not rewritten after patch: %q", contents)
	}

	recorder = fixture.do(t, http.MethodPut, "/api/v1/documents/"+created.ID, map[string]string{"title": "Report 2", "doc_type": "report", "content": "v3"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("put failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var replaced mutationResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &replaced); err != nil {
		t.Fatalf("failed to decode put response: %v", err)
	}
	if replaced.Status != documents.DefaultStatus || replaced.Title != "Report 2" {
		t.Fatalf("unexpected replaced document %#v", replaced.documentPayload)
	}
	contents, _ = fixture.mirrorContents(t, created.ID)
	if !strings.HasPrefix(contents, "Title: Report 2\n") {
		t.Fatalf("mirror not rewritten after put: %q", contents)
	}

	recorder = fixture.do(t, http.MethodPatch, "/api/v1/documents/"+created.ID, map[string]string{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodPatch, "/api/v1/documents/missing", map[string]string{"title": "x"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing document, got %d", recorder.Code)
	}
}

func TestDeleteRemovesMirrorAndRow(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})
	created := fixture.create(t, map[string]string{"title": "Report 1", "doc_type": "report"})

	recorder := fixture.do(t, http.MethodDelete, "/api/v1/documents/"+created.ID, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("delete failed with %d", recorder.Code)
	}
	if _, ok := fixture.mirrorContents(t, created.ID); ok {
		t.Fatalf("expected mirror file to be removed")
	}

	recorder = fixture.do(t, http.MethodGet, "/api/v1/documents/"+created.ID, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if body["error"] != "not_found" || body["code"] != "documents.get.not_found" {
		t.Fatalf("unexpected error body %v", body)
	}

	recorder = fixture.do(t, http.MethodDelete, "/api/v1/documents/"+created.ID, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", recorder.Code)
	}
}

func TestListFiltersPassThrough(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})
	fixture.seed(t)

	if approved := fixture.list(t, "/api/v1/documents/filter_by_status?status=approved"); len(approved) != 2 {
		t.Fatalf("expected 2 approved documents, got %d", len(approved))
	}
	if all := fixture.list(t, "/api/v1/documents/filter_by_status"); len(all) != 3 {
		t.Fatalf("expected all documents without status, got %d", len(all))
	}

	matches := fixture.list(t, "/api/v1/documents?search=Report")
	titles := make([]string, 0, len(matches))
	for _, document := range matches {
		titles = append(titles, document.Title)
	}
	if strings.Join(titles, ",") != "Report 1,Analysis" {
		t.Fatalf("unexpected search matches %v", titles)
	}

	if reports := fixture.list(t, "/api/v1/documents?doc_type=report"); len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}

	today := time.Now().UTC().Format("2006-01-02")
	if sameDay := fixture.list(t, "/api/v1/documents?created_at="+today+"&status=draft"); len(sameDay) != 1 {
		t.Fatalf("expected 1 draft created today, got %d", len(sameDay))
	}
	if none := fixture.list(t, "/api/v1/documents?created_at=1999-01-01"); len(none) != 0 {
		t.Fatalf("expected no documents for past day, got %d", len(none))
	}

	recorder := fixture.do(t, http.MethodGet, "/api/v1/documents?created_at=yesterday", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", recorder.Code)
	}
}

func TestDocumentRoutesRequireSession(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})

	request := httptest.NewRequest(http.MethodGet, "/api/v1/documents", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/api/v1/documents", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: fixture.token})
	recorder = httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie session to be accepted, got %d", recorder.Code)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})

	fixture.create(t, map[string]string{"title": "First", "doc_type": "memo"})
	recorder := fixture.do(t, http.MethodPost, "/api/v1/documents", map[string]string{"title": "Second", "doc_type": "memo"})
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if all := fixture.list(t, "/api/v1/documents"); len(all) != 1 {
		t.Fatalf("reads should bypass the limiter, got %d documents", len(all))
	}
}

func TestMetricsEndpointExposesMirrorOperations(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})
	fixture.create(t, map[string]string{"title": "Report 1", "doc_type": "report"})

	request := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint to be public, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `docmirror_mirror_operations_total{operation="write",result="success"} 1`) {
		t.Fatalf("expected mirror write counter in exposition:\n%s", body)
	}
	if !strings.Contains(body, "docmirror_http_requests_total") {
		t.Fatalf("expected request counter in exposition")
	}
}

func TestDocumentStreamEmitsChangeEvents(t *testing.T) {
	fixture := newAPIFixture(t, afero.NewMemMapFs(), RateLimitConfig{})
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/documents/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.AddCookie(&http.Cookie{Name: testCookieName, Value: fixture.token})
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	created := fixture.create(t, map[string]string{"title": "Report 1", "doc_type": "report"})

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventDocumentChanged {
				continue
			}
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Action != RealtimeActionCreated || len(payload.DocumentIDs) != 1 || payload.DocumentIDs[0] != created.ID {
				t.Fatalf("unexpected event payload %#v", payload)
			}
			return
		}
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/legalsim/render-orchestrator/internal/client"
	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/middleware"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/policy"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/renderer"
	"github.com/legalsim/render-orchestrator/internal/service"
	"github.com/legalsim/render-orchestrator/internal/store"
	ws "github.com/legalsim/render-orchestrator/internal/websocket"
	"github.com/legalsim/render-orchestrator/pkg/response"
)

type testApp struct {
	app   *fiber.App
	store store.Store
	queue *queue.Queue
}

func newTestApp(t *testing.T, capacity int) *testApp {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(queue.Options{Capacity: capacity})
	t.Cleanup(q.Close)

	modes, err := policy.NewStaticResolver(model.ModeSandbox, map[string]string{"court": "DEMONSTRATIVE"})
	if err != nil {
		t.Fatalf("NewStaticResolver failed: %v", err)
	}
	storage, err := client.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	svc := service.NewRenderService(service.RenderServiceConfig{
		Store:       st,
		Queue:       q,
		Modes:       modes,
		Validator:   service.NewValidator(config.RenderConfig{MinWidth: 16, MaxWidth: 3840, MinHeight: 16, MaxHeight: 2160, MinFPS: 1, MaxFPS: 120, MaxTotalFrames: 1000, DefaultWidth: 640, DefaultHeight: 360, DefaultFPS: 24, DefaultMaxRetries: 2, MaxRetriesLimit: 5}),
		Determinism: determinism.NewManager(nil),
		Storage:     storage,
		Renderer:    renderer.NewSimulatedRenderer(0),
		URLTTL:      time.Minute,
		Workers:     1,
	})

	h := NewRenderHandler(svc, validator.New(), ws.NewHub())
	app := fiber.New()
	api := app.Group("/api", middleware.GatewayAuthMiddleware())
	renders := api.Group("/renders")
	renders.Post("/", h.Create)
	renders.Get("/", h.List)
	renders.Get("/queue/stats", h.QueueStats)
	renders.Get("/:jobId", h.Get)
	renders.Delete("/:jobId", h.Cancel)
	renders.Get("/:jobId/status", h.Status)
	renders.Post("/:jobId/cancel", h.Cancel)
	renders.Post("/:jobId/retry", h.Retry)
	renders.Get("/:jobId/download", h.Download)
	api.Post("/determinism/test", h.DeterminismTest)
	api.Get("/profiles", h.Profiles)

	return &testApp{app: app, store: st, queue: q}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "user-1")
	resp, err := a.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func renderBody(caseID string) map[string]interface{} {
	return map[string]interface{}{
		"timelineId":   "tl-1",
		"storyboardId": "sb-1",
		"caseId":       caseID,
		"profile":      "NEUTRAL",
		"totalFrames":  12,
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp response.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("bad error body %s: %v", body, err)
	}
	return resp.Error.Code
}

func TestCreateRender(t *testing.T) {
	a := newTestApp(t, 10)

	code, body := a.do(t, "POST", "/api/renders", renderBody("case-1"))
	if code != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	var job model.RenderJob
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if job.ID == "" || job.Status != model.JobStatusQueued || job.CreatedBy != "user-1" {
		t.Fatalf("unexpected job %+v", job)
	}

	code, body = a.do(t, "GET", "/api/renders/"+job.ID+"/status", nil)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var status model.RenderStatusResponse
	_ = json.Unmarshal(body, &status)
	if status.TotalFrames != 12 || status.MaxRetries != 2 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestCreateRenderRejects(t *testing.T) {
	a := newTestApp(t, 10)

	cinematicInCourt := renderBody("court")
	cinematicInCourt["profile"] = "CINEMATIC"

	noCase := renderBody("")
	tooWide := renderBody("case-1")
	tooWide["width"] = 10000

	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{"profile not allowed in mode", cinematicInCourt, "profile"},
		{"missing case", noCase, "caseId"},
		{"width out of range", tooWide, "width"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := a.do(t, "POST", "/api/renders", tt.body)
			if code != fiber.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", code, body)
			}
			var resp struct {
				Error struct {
					Code    string            `json:"code"`
					Details map[string]string `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("bad body: %v", err)
			}
			if resp.Error.Code != response.CodeValidationError {
				t.Errorf("unexpected code %s", resp.Error.Code)
			}
			if _, ok := resp.Error.Details[tt.field]; !ok {
				t.Errorf("expected details for %s, got %v", tt.field, resp.Error.Details)
			}
		})
	}

	_, total, _ := a.store.List(context.Background(), model.RenderListFilter{})
	if total != 0 {
		t.Fatalf("rejected requests must not persist jobs, found %d", total)
	}
}

func TestCreateRenderQueueFull(t *testing.T) {
	a := newTestApp(t, 1)

	if code, body := a.do(t, "POST", "/api/renders", renderBody("case-1")); code != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	code, body := a.do(t, "POST", "/api/renders", renderBody("case-2"))
	if code != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", code, body)
	}
	if got := errorCode(t, body); got != response.CodeQueueFull {
		t.Errorf("expected %s, got %s", response.CodeQueueFull, got)
	}
}

func TestGetRenderNotFound(t *testing.T) {
	a := newTestApp(t, 10)

	for _, path := range []string{"/api/renders/missing", "/api/renders/missing/status", "/api/renders/missing/download"} {
		code, body := a.do(t, "GET", path, nil)
		if code != fiber.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, code)
			continue
		}
		if got := errorCode(t, body); got != response.CodeNotFound {
			t.Errorf("%s: unexpected code %s", path, got)
		}
	}
}

func TestCancelRender(t *testing.T) {
	a := newTestApp(t, 10)

	_, body := a.do(t, "POST", "/api/renders", renderBody("case-1"))
	var job model.RenderJob
	_ = json.Unmarshal(body, &job)

	code, body := a.do(t, "DELETE", "/api/renders/"+job.ID, nil)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var result model.RenderCancelResponse
	_ = json.Unmarshal(body, &result)
	if !result.Success || result.Status != model.JobStatusCancelled {
		t.Fatalf("unexpected cancel result %+v", result)
	}

	// Cancelling again is a successful no-op.
	code, body = a.do(t, "POST", "/api/renders/"+job.ID+"/cancel", nil)
	_ = json.Unmarshal(body, &result)
	if code != fiber.StatusOK || result.Status != model.JobStatusCancelled {
		t.Fatalf("unexpected repeat cancel %d %+v", code, result)
	}

	code, body = a.do(t, "POST", "/api/renders/"+job.ID+"/retry", nil)
	if code != fiber.StatusConflict {
		t.Fatalf("expected 409 retrying a cancelled job, got %d", code)
	}
	if got := errorCode(t, body); got != response.CodeConflict {
		t.Errorf("unexpected code %s", got)
	}
}

func TestDownloadRequiresCompletedJob(t *testing.T) {
	a := newTestApp(t, 10)

	_, body := a.do(t, "POST", "/api/renders", renderBody("case-1"))
	var job model.RenderJob
	_ = json.Unmarshal(body, &job)

	code, _ := a.do(t, "GET", "/api/renders/"+job.ID+"/download", nil)
	if code != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}

	_, _ = a.store.Update(context.Background(), job.ID, func(j *model.RenderJob) error {
		_ = j.TransitionTo(model.JobStatusProcessing, time.Now())
		if err := j.TransitionTo(model.JobStatusCompleted, time.Now()); err != nil {
			return err
		}
		j.OutputPath = "renders/case-1/" + j.ID + ".mp4"
		return nil
	})
	code, body = a.do(t, "GET", "/api/renders/"+job.ID+"/download", nil)
	if code != fiber.StatusNotFound {
		t.Fatalf("expected 404 for a missing artifact, got %d: %s", code, body)
	}
}

func TestListAndStats(t *testing.T) {
	a := newTestApp(t, 10)

	for _, id := range []string{"case-1", "case-1", "case-2"} {
		if code, body := a.do(t, "POST", "/api/renders", renderBody(id)); code != fiber.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", code, body)
		}
	}

	code, body := a.do(t, "GET", "/api/renders?caseId=case-1", nil)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var list model.RenderListResponse
	_ = json.Unmarshal(body, &list)
	if list.Total != 2 || len(list.Jobs) != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	if code, _ := a.do(t, "GET", "/api/renders?status=RUNNING", nil); code != fiber.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", code)
	}
	if code, _ := a.do(t, "GET", "/api/renders?limit=1000", nil); code != fiber.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %d", code)
	}

	code, body = a.do(t, "GET", "/api/renders/queue/stats", nil)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var stats model.QueueStatsResponse
	_ = json.Unmarshal(body, &stats)
	if stats.TotalJobs != 3 || stats.ByStatus[model.JobStatusQueued] != 3 || stats.Waiting != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeterminismTest(t *testing.T) {
	a := newTestApp(t, 10)

	body := map[string]interface{}{
		"caseId":       "case-1",
		"storyboardId": "sb-1",
		"timelineId":   "tl-1",
		"profile":      "CINEMATIC",
		"seed":         -5,
		"totalFrames":  6,
		"iterations":   4,
	}
	code, raw := a.do(t, "POST", "/api/determinism/test", body)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, raw)
	}
	var result model.DeterminismTestResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !result.Deterministic || result.UniqueChecksums != 1 || len(result.Iterations) != 4 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Seed != -5 || result.Checksum == "" || result.Checksum != result.Iterations[3].Checksum {
		t.Fatalf("unexpected seed or checksum in %+v", result)
	}
	if stats := a.queue.Stats(); stats.Waiting != 0 {
		t.Fatal("determinism test must not queue anything")
	}

	tests := []struct {
		name  string
		edit  func(map[string]interface{})
		field string
	}{
		{"cinematic in demonstrative", func(b map[string]interface{}) { b["caseId"] = "court" }, "profile"},
		{"single iteration", func(b map[string]interface{}) { b["iterations"] = 1 }, "iterations"},
		{"too many frames", func(b map[string]interface{}) { b["totalFrames"] = 601 }, "totalFrames"},
		{"no frames", func(b map[string]interface{}) { delete(b, "totalFrames") }, "totalFrames"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := map[string]interface{}{}
			for k, v := range body {
				req[k] = v
			}
			tt.edit(req)
			code, raw := a.do(t, "POST", "/api/determinism/test", req)
			if code != fiber.StatusBadRequest || errorCode(t, raw) != response.CodeValidationError {
				t.Fatalf("expected 400 validation error, got %d: %s", code, raw)
			}
			var resp response.ErrorResponse
			_ = json.Unmarshal(raw, &resp)
			if fields, _ := resp.Error.Details.(map[string]interface{}); fields[tt.field] == nil {
				t.Fatalf("expected error on %s, got %v", tt.field, resp.Error.Details)
			}
		})
	}
}

func TestProfiles(t *testing.T) {
	a := newTestApp(t, 10)

	code, raw := a.do(t, "GET", "/api/profiles", nil)
	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var result model.ProfilesResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	want := map[model.Profile][]model.Mode{
		model.ProfileNeutral:   {model.ModeSandbox, model.ModeDemonstrative},
		model.ProfileCinematic: {model.ModeSandbox},
	}
	if len(result.Profiles) != len(want) {
		t.Fatalf("expected %d profiles, got %+v", len(want), result.Profiles)
	}
	for _, p := range result.Profiles {
		modes := want[p.Name]
		if p.Description == "" || len(p.AllowedModes) != len(modes) {
			t.Fatalf("unexpected profile %+v", p)
		}
		for i, m := range modes {
			if p.AllowedModes[i] != m {
				t.Fatalf("profile %s: expected modes %v, got %v", p.Name, modes, p.AllowedModes)
			}
		}
	}
}

package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetComponent(t *testing.T) {
	h := NewHealth("1.0.0")

	h.SetComponent("broker", true, "connected")

	if len(h.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(h.components))
	}

	comp := h.components["broker"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "connected" {
		t.Errorf("expected message 'connected', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	h := NewHealth("1.0.0")
	h.SetComponent("broker", true, "")
	h.SetComponent("registry", true, "")

	health := h.GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	h := NewHealth("1.0.0")
	h.SetComponent("broker", true, "")
	h.SetComponent("election", false, "store unreachable")

	health := h.GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["election"] != "unhealthy: store unreachable" {
		t.Errorf("unexpected component detail: %q", health.Components["election"])
	}
}

func TestGetReadiness_WaitsForCriticalComponents(t *testing.T) {
	h := NewHealth("1.0.0")

	readiness := h.GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready' before registration, got '%s'", readiness.Status)
	}

	h.SetComponent("broker", true, "")
	readiness = h.GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready' with registry missing, got '%s'", readiness.Status)
	}

	h.SetComponent("registry", true, "")
	readiness = h.GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_CustomCriticalSet(t *testing.T) {
	h := NewHealth("1.0.0", "broker")

	h.SetComponent("broker", true, "")
	readiness := h.GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected 'ready' with only broker critical, got '%s'", readiness.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHealth("1.0.0")
	h.SetComponent("broker", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected body status 'healthy', got '%s'", body.Status)
	}

	h.SetComponent("broker", false, "disconnected")
	rec = httptest.NewRecorder()
	h.HealthHandler()(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when unhealthy, got %d", rec.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	h := NewHealth("1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before critical components register, got %d", rec.Code)
	}

	h.SetComponent("broker", true, "")
	h.SetComponent("registry", true, "")
	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHealth("1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", body["status"])
	}
}

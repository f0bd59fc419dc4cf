package template

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collectoragent/internal/coordinatorapi"
	"collectoragent/internal/logging"
)

// testCoordinator returns a coordinatorapi.Client backed by a local
// server that accepts every POST, just enough to exercise Ensure's
// template id write-back without a real coordinator dependency.
func testCoordinator(t *testing.T) *coordinatorapi.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)
	return coordinatorapi.New(srv.URL, time.Second, time.Second, logging.NewDefault())
}

type fakePortal struct {
	templates    []PortalTemplate
	listErr      error
	createID     int64
	createErr    error
	createCalled bool
	createName   string
}

func (f *fakePortal) ListTemplates(ctx context.Context, account string) ([]PortalTemplate, error) {
	return f.templates, f.listErr
}

func (f *fakePortal) CreateTemplate(ctx context.Context, account, name string, metricCodes []string) (int64, error) {
	f.createCalled = true
	f.createName = name
	return f.createID, f.createErr
}

func TestEnsureReturnsExistingPrimaryTemplate(t *testing.T) {
	portal := &fakePortal{templates: []PortalTemplate{{ID: 42, Name: "Kewen_data"}}}
	p := New(portal, nil, "Kewen_data", "hdp-all", nil, logging.NewDefault())

	id, err := p.Ensure(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id != 42 {
		t.Errorf("expected existing template id 42, got %d", id)
	}
	if portal.createCalled {
		t.Error("expected no template creation when one already exists")
	}
}

func TestEnsureReturnsExistingAltTemplate(t *testing.T) {
	portal := &fakePortal{templates: []PortalTemplate{{ID: 7, Name: "hdp-all"}}}
	p := New(portal, nil, "Kewen_data", "hdp-all", nil, logging.NewDefault())

	id, err := p.Ensure(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id != 7 {
		t.Errorf("expected existing alt template id 7, got %d", id)
	}
	if portal.createCalled {
		t.Error("expected no template creation when the alt name already exists")
	}
}

func TestEnsurePrefersPrimaryOverAltWhenBothPresent(t *testing.T) {
	portal := &fakePortal{templates: []PortalTemplate{{ID: 7, Name: "hdp-all"}, {ID: 42, Name: "Kewen_data"}}}
	p := New(portal, nil, "Kewen_data", "hdp-all", nil, logging.NewDefault())

	id, err := p.Ensure(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id != 42 {
		t.Errorf("expected the primary-named template preferred even though the alt name appears first in the list, got %d", id)
	}
}

func TestEnsureCreatesWhenAbsent(t *testing.T) {
	portal := &fakePortal{templates: nil, createID: 99}
	p := New(portal, testCoordinator(t), "Kewen_data", "hdp-all", []string{"gmv", "orders"}, logging.NewDefault())

	id, err := p.Ensure(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id != 99 {
		t.Errorf("expected created template id 99, got %d", id)
	}
	if !portal.createCalled {
		t.Error("expected CreateTemplate to be called when no matching template exists")
	}
	if portal.createName != "Kewen_data" {
		t.Errorf("expected primary name used for creation, got %q", portal.createName)
	}
}

func TestEnsurePropagatesListError(t *testing.T) {
	portal := &fakePortal{listErr: errors.New("portal unreachable")}
	p := New(portal, nil, "Kewen_data", "hdp-all", nil, logging.NewDefault())

	if _, err := p.Ensure(context.Background(), "acct-1"); err == nil {
		t.Error("expected an error when ListTemplates fails")
	}
}

func TestEnsurePropagatesCreateError(t *testing.T) {
	portal := &fakePortal{createErr: errors.New("creation rejected")}
	p := New(portal, testCoordinator(t), "Kewen_data", "hdp-all", nil, logging.NewDefault())

	if _, err := p.Ensure(context.Background(), "acct-1"); err == nil {
		t.Error("expected an error when CreateTemplate fails")
	}
}

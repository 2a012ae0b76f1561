package residency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/residency"
)

type fakeRuntime struct {
	mu        sync.Mutex
	loaded    []string
	unloaded  []string
	loadErr   error
	unloadErr error
}

func (f *fakeRuntime) Load(ctx context.Context, model, keepAlive string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, model)
	return nil
}

func (f *fakeRuntime) Unload(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unloadErr != nil {
		return f.unloadErr
	}
	f.unloaded = append(f.unloaded, model)
	return nil
}

type fakeCatalog struct {
	installed map[string]jobstore.InstalledModel
	usage     map[string]int
	switches  int
}

func newFakeCatalog(readyModels ...string) *fakeCatalog {
	c := &fakeCatalog{installed: map[string]jobstore.InstalledModel{}, usage: map[string]int{}}
	for _, m := range readyModels {
		c.installed[m] = jobstore.InstalledModel{ID: m, Status: "ready"}
	}
	return c
}

func (c *fakeCatalog) GetCatalogEntry(ctx context.Context, id string) (*jobstore.CatalogEntry, error) {
	return &jobstore.CatalogEntry{ID: id}, nil
}

func (c *fakeCatalog) ListInstalled(ctx context.Context) ([]jobstore.InstalledModel, error) {
	var out []jobstore.InstalledModel
	for _, m := range c.installed {
		out = append(out, m)
	}
	return out, nil
}

func (c *fakeCatalog) RecordModelUsage(ctx context.Context, id string) error {
	c.usage[id]++
	return nil
}

func (c *fakeCatalog) RecordModelSwitch(ctx context.Context, fromModel, toModel string, duration time.Duration, triggeredBy, reason string) error {
	c.switches++
	return nil
}

func TestActivateLoadsModelFromEmpty(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog("llama3")
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	if err := mgr.Activate(context.Background(), "llama3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if mgr.LoadedModel() != "llama3" {
		t.Fatalf("expected llama3 loaded, got %q", mgr.LoadedModel())
	}
	if len(rt.loaded) != 1 || rt.loaded[0] != "llama3" {
		t.Fatalf("expected one load call for llama3, got %#v", rt.loaded)
	}
	if cat.usage["llama3"] != 1 {
		t.Fatalf("expected usage recorded once, got %d", cat.usage["llama3"])
	}
}

func TestActivateSameModelIsNoopFastPath(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog("llama3")
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	if err := mgr.Activate(context.Background(), "llama3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := mgr.Activate(context.Background(), "llama3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate again: %v", err)
	}
	if len(rt.loaded) != 1 {
		t.Fatalf("expected only the first activate to call Load, got %d calls", len(rt.loaded))
	}
	if cat.usage["llama3"] != 2 {
		t.Fatalf("expected usage bumped on both calls, got %d", cat.usage["llama3"])
	}
}

func TestActivateDifferentModelUnloadsFirst(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog("llama3", "phi3")
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	if err := mgr.Activate(context.Background(), "llama3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate llama3: %v", err)
	}
	if err := mgr.Activate(context.Background(), "phi3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate phi3: %v", err)
	}
	if len(rt.unloaded) != 1 || rt.unloaded[0] != "llama3" {
		t.Fatalf("expected llama3 to be unloaded first, got %#v", rt.unloaded)
	}
	if mgr.LoadedModel() != "phi3" {
		t.Fatalf("expected phi3 loaded, got %q", mgr.LoadedModel())
	}
	if cat.switches != 2 {
		t.Fatalf("expected 2 recorded switches, got %d", cat.switches)
	}
}

func TestActivateRejectsUninstalledModel(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog()
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	if err := mgr.Activate(context.Background(), "ghost", "dispatcher", "job_claimed"); err == nil {
		t.Fatalf("expected error activating an uninstalled model")
	}
}

func TestActivateEnforcesSwitchCooldown(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog("llama3", "phi3")
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{SwitchCooldown: time.Hour})

	if err := mgr.Activate(context.Background(), "llama3", "dispatcher", "job_claimed"); err != nil {
		t.Fatalf("activate llama3: %v", err)
	}
	if err := mgr.Activate(context.Background(), "phi3", "dispatcher", "job_claimed"); err == nil {
		t.Fatalf("expected switch cooldown to reject an immediate second switch")
	}
}

func TestUnloadIsNoopWhenAlreadyEmpty(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog()
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	if err := mgr.Unload(context.Background(), "inactivity_timeout"); err != nil {
		t.Fatalf("unload from empty: %v", err)
	}
	if len(rt.unloaded) != 0 {
		t.Fatalf("expected no unload call when nothing is loaded")
	}
}

func TestReconcileAdoptsExternalState(t *testing.T) {
	rt := &fakeRuntime{}
	cat := newFakeCatalog("llama3")
	mgr := residency.New(rt, cat, bus.New(), nil, residency.Config{})

	mgr.Reconcile("llama3")
	if mgr.LoadedModel() != "llama3" {
		t.Fatalf("expected reconcile to adopt llama3, got %q", mgr.LoadedModel())
	}
}

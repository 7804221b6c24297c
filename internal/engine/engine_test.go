package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/orionK-max/cip-poller/internal/domain"
	"github.com/orionK-max/cip-poller/internal/telemetry"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeSession struct {
	readErr error
}

func (s *fakeSession) ReadBatch(ctx context.Context, requests []string) ([]cipdriver.BatchResult, error) {
	return nil, nil
}
func (s *fakeSession) ReadTag(ctx context.Context, tagName string) (domain.Value, string, error) {
	if s.readErr != nil {
		return domain.Null, "", s.readErr
	}
	return domain.NewInt(7), "DINT", nil
}
func (s *fakeSession) WriteTag(ctx context.Context, tagName string, value domain.Value) error {
	return nil
}
func (s *fakeSession) Close() error { return nil }

type fakeDriver struct {
	openErr error
}

func (d *fakeDriver) Open(ctx context.Context, host string, slot int) (cipdriver.Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &fakeSession{}, nil
}
func (d *fakeDriver) ListTags(ctx context.Context, host string, slot int, program string) ([]cipdriver.TagCatalogEntry, error) {
	return []cipdriver.TagCatalogEntry{{TagName: "A", DataType: "DINT"}}, nil
}
func (d *fakeDriver) BrowseTags(ctx context.Context, host string, slot int, program string) ([]cipdriver.TagCatalogEntry, error) {
	return nil, nil
}
func (d *fakeDriver) ProgramsAndModules(ctx context.Context, host string, slot int) ([]string, []string, error) {
	return []string{"MainProgram"}, nil, nil
}
func (d *fakeDriver) ResolveTypes(ctx context.Context, host string, slot int, tagNames []string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (d *fakeDriver) Discover(ctx context.Context, broadcastAddress string, timeout time.Duration) ([]cipdriver.DiscoveredDevice, error) {
	return nil, nil
}
func (d *fakeDriver) ListIdentity(ctx context.Context, host string, slot int) (cipdriver.Identity, error) {
	return cipdriver.Identity{ProductName: "1756-L83E"}, nil
}
func (d *fakeDriver) GetConnectionStatus(ctx context.Context, host string, slot int, dataforemanCount int) (cipdriver.ConnectionStatus, error) {
	return cipdriver.ConnectionStatus{QuerySupported: false}, nil
}
func (d *fakeDriver) GetRackConfiguration(ctx context.Context, host string, slot int) (cipdriver.RackConfig, error) {
	return cipdriver.RackConfig{}, nil
}

func newTestEngine(driver cipdriver.Driver) *Engine {
	emitter := telemetry.New(discard{})
	return New(driver, emitter, zerolog.Nop(), nil)
}

func TestHandleConnectSuccess(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	result, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := result.(map[string]interface{})
	if m["success"] != true {
		t.Fatalf("expected success=true, got %+v", m)
	}
	if !e.Connected() {
		t.Fatal("Engine must report Connected() after a successful connect")
	}
}

func TestHandleConnectRequiresHost(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	_, err := e.handleConnect(context.Background(), json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestHandleConnectRejectsDoubleConnect(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	if _, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	_, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`))
	if !errors.Is(err, domain.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestHandleReadTagRequiresConnection(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	_, err := e.handleReadTag(context.Background(), json.RawMessage(`{"tag_name":"Foo"}`))
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandleReadTagAfterConnect(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	if _, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	result, err := e.handleReadTag(context.Background(), json.RawMessage(`{"tag_name":"Foo"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := result.(map[string]interface{})
	if m["value"] != int64(7) {
		t.Fatalf("expected value int64(7), got %+v (%T)", m["value"], m["value"])
	}
}

func TestHandleDisconnectClearsConnection(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	if _, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.handleDisconnect(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if e.Connected() {
		t.Fatal("Engine must not report Connected() after disconnect")
	}
}

func TestHandleSubscribePollingRequiresConnection(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	_, err := e.handleSubscribePolling(context.Background(), json.RawMessage(`{"tags":[],"poll_groups":{}}`))
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandleSubscribePollingInstallsGroups(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	if _, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}

	req := `{
		"tags": [{"tag_id": 1, "tag_name": "A", "poll_group_id": 1}],
		"poll_groups": {"1": {"rate_ms": 1000, "tag_ids": [1]}}
	}`
	result, err := e.handleSubscribePolling(context.Background(), json.RawMessage(req))
	if err != nil {
		t.Fatal(err)
	}
	m := result.(map[string]interface{})
	if m["tag_count"] != 1 || m["group_count"] != 1 {
		t.Fatalf("unexpected install result: %+v", m)
	}

	if _, err := e.handleStopPolling(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestHandleSubscribePollingRejectsMissingGroupID(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	if _, err := e.handleConnect(context.Background(), json.RawMessage(`{"host":"10.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	req := `{"tags": [{"tag_id": 1, "tag_name": "A"}], "poll_groups": {}}`
	_, err := e.handleSubscribePolling(context.Background(), json.RawMessage(req))
	if !errors.Is(err, domain.ErrGroupIDRequired) {
		t.Fatalf("expected ErrGroupIDRequired, got %v", err)
	}
}

func TestHandleBrowseTagsCombinesTagsAndPrograms(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	result, err := e.handleBrowseTags(context.Background(), json.RawMessage(`{"ip_address":"10.0.0.1"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := result.(map[string]interface{})
	programs := m["programs"].([]string)
	if len(programs) != 1 || programs[0] != "MainProgram" {
		t.Fatalf("unexpected programs: %+v", programs)
	}
}

func TestValueFromJSONDistinguishesIntAndFloat(t *testing.T) {
	v, err := valueFromJSON(json.RawMessage(`3`))
	if err != nil || v.Kind != domain.KindInt || v.I != 3 {
		t.Fatalf("expected int 3, got %+v, err=%v", v, err)
	}
	v, err = valueFromJSON(json.RawMessage(`3.5`))
	if err != nil || v.Kind != domain.KindFloat || v.F != 3.5 {
		t.Fatalf("expected float 3.5, got %+v, err=%v", v, err)
	}
	v, err = valueFromJSON(json.RawMessage(`true`))
	if err != nil || v.Kind != domain.KindBool || v.B != true {
		t.Fatalf("expected bool true, got %+v, err=%v", v, err)
	}
	v, err = valueFromJSON(json.RawMessage(`null`))
	if err != nil || !v.IsNull() {
		t.Fatalf("expected null, got %+v, err=%v", v, err)
	}
}

func TestHandleWriteTagRequiresConnection(t *testing.T) {
	e := newTestEngine(&fakeDriver{})
	_, err := e.handleWriteTag(context.Background(), json.RawMessage(`{"tag_name":"Foo","value":1}`))
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

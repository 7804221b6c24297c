// Package engine wires the CIP Driver Facade, Subscription Manager, and
// Telemetry Emitter into the fourteen control-channel methods (spec §6.1)
// and owns the single "default" session opened by connect and used for the
// synchronous read_tag/read_tags/write_tag RPCs — kept separate from the
// per-group sessions a Poll Group Runner owns (spec §9, "Per-group
// ownership of sessions"). list_tags requires a connection and uses its
// host and slot, but the driver opens a separate session for it.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/orionK-max/cip-poller/internal/domain"
	"github.com/orionK-max/cip-poller/internal/metrics"
	"github.com/orionK-max/cip-poller/internal/planner"
	"github.com/orionK-max/cip-poller/internal/rpc"
	"github.com/orionK-max/cip-poller/internal/subscription"
	"github.com/orionK-max/cip-poller/internal/telemetry"
)

// Engine holds the one live connection's state: the default session, the
// Subscription Manager bound to it, and the connection parameters
// established by `connect` (spec §9, "Global configuration as state").
type Engine struct {
	driver  cipdriver.Driver
	emitter *telemetry.Emitter
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    domain.ConnectionParams
	session cipdriver.Session
	sub     *subscription.Manager
	metrics *metrics.Registry
}

// New returns an Engine with no active connection. reg may be nil.
func New(driver cipdriver.Driver, emitter *telemetry.Emitter, logger zerolog.Logger, reg *metrics.Registry) *Engine {
	return &Engine{driver: driver, emitter: emitter, logger: logger, metrics: reg}
}

// Register binds every spec §6.1 method to d.
func (e *Engine) Register(d *rpc.Dispatcher) {
	d.Register("connect", e.handleConnect)
	d.Register("disconnect", e.handleDisconnect)
	d.Register("read_tag", e.handleReadTag)
	d.Register("read_tags", e.handleReadTags)
	d.Register("write_tag", e.handleWriteTag)
	d.Register("list_tags", e.handleListTags)
	d.Register("subscribe_polling", e.handleSubscribePolling)
	d.Register("stop_polling", e.handleStopPolling)
	d.Register("discover", e.handleDiscover)
	d.Register("list_identity", e.handleListIdentity)
	d.Register("browse_tags", e.handleBrowseTags)
	d.Register("resolve_types", e.handleResolveTypes)
	d.Register("get_connection_status", e.handleGetConnectionStatus)
	d.Register("get_rack_configuration", e.handleGetRackConfiguration)
}

// Connected reports whether a default session is currently open.
// Implements health.StatusSource.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// PollingActive reports whether a subscription is currently installed.
// Implements health.StatusSource.
func (e *Engine) PollingActive() bool {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	return sub != nil && sub.Active()
}

// Shutdown tears down polling and the default session. Called on process
// exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	sub := e.sub
	sess := e.session
	e.sub = nil
	e.session = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Teardown()
	}
	if sess != nil {
		if err := sess.Close(); err != nil && !cipdriver.IsRecoverableSessionError(err) {
			e.logger.Warn().Err(err).Msg("error closing default session on shutdown")
		}
	}
	if e.metrics != nil {
		e.metrics.SetActiveSessions(0)
	}
}

func (e *Engine) requireSession() (cipdriver.Session, domain.ConnectionParams, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, domain.ConnectionParams{}, domain.ErrNotConnected
	}
	return e.session, e.conn, nil
}

type connectParams struct {
	Host                     string `json:"host"`
	Slot                     *int   `json:"slot,omitempty"`
	MaxTagsPerGroup          *int   `json:"max_tags_per_group,omitempty"`
	MaxConcurrentConnections *int   `json:"max_concurrent_connections,omitempty"`
}

func (e *Engine) handleConnect(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p connectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if p.Host == "" {
		return nil, fmt.Errorf("%w: host required", domain.ErrInvalidParams)
	}

	conn := domain.ConnectionParams{
		Host:                     p.Host,
		Slot:                     domain.DefaultSlot,
		MaxTagsPerGroup:          domain.DefaultMaxTagsPerGroup,
		MaxConcurrentConnections: domain.DefaultMaxConcurrentConnections,
	}
	if p.Slot != nil {
		conn.Slot = *p.Slot
	}
	if p.MaxTagsPerGroup != nil {
		conn.MaxTagsPerGroup = *p.MaxTagsPerGroup
	}
	if p.MaxConcurrentConnections != nil {
		conn.MaxConcurrentConnections = *p.MaxConcurrentConnections
	}

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return nil, domain.ErrAlreadyConnected
	}
	e.mu.Unlock()

	sess, err := e.driver.Open(ctx, conn.Host, conn.Slot)
	if err != nil {
		return nil, err
	}
	ident, identErr := e.driver.ListIdentity(ctx, conn.Host, conn.Slot)
	if identErr != nil {
		e.logger.Warn().Err(identErr).Msg("connect: list_identity follow-up failed, proceeding without plc_info")
	}

	e.mu.Lock()
	e.session = sess
	e.conn = conn
	e.sub = subscription.New(conn, e.driver, e.emitter, e.logger, e.metrics)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SetActiveSessions(1)
	}

	return map[string]interface{}{
		"success":  true,
		"plc_info": identityToMap(ident),
	}, nil
}

func (e *Engine) handleDisconnect(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	e.Shutdown()
	return map[string]interface{}{"success": true}, nil
}

type readTagParams struct {
	TagName string `json:"tag_name"`
}

func (e *Engine) handleReadTag(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p readTagParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	sess, _, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	return readOneTag(ctx, sess, p.TagName), nil
}

type readTagsParams struct {
	TagNames []string `json:"tag_names"`
}

func (e *Engine) handleReadTags(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p readTagsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	sess, _, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, len(p.TagNames))
	for i, name := range p.TagNames {
		results[i] = readOneTag(ctx, sess, name)
	}
	return map[string]interface{}{"results": results}, nil
}

func readOneTag(ctx context.Context, sess cipdriver.Session, tagName string) map[string]interface{} {
	v, typeName, err := sess.ReadTag(ctx, tagName)
	out := map[string]interface{}{"tag_name": tagName}
	if err != nil {
		out["value"] = nil
		out["type"] = nil
		out["error"] = err.Error()
		return out
	}
	out["value"] = v.Interface()
	out["type"] = typeName
	out["error"] = nil
	return out
}

type writeTagParams struct {
	TagName string          `json:"tag_name"`
	Value   json.RawMessage `json:"value"`
}

func (e *Engine) handleWriteTag(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p writeTagParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	sess, _, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	v, err := valueFromJSON(p.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if werr := sess.WriteTag(ctx, p.TagName, v); werr != nil {
		return map[string]interface{}{"tag_name": p.TagName, "success": false, "error": werr.Error()}, nil
	}
	return map[string]interface{}{"tag_name": p.TagName, "success": true, "error": nil}, nil
}

type listTagsParams struct {
	Program string `json:"program,omitempty"`
}

func (e *Engine) handleListTags(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p listTagsParams
	_ = json.Unmarshal(raw, &p)
	_, conn, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	entries, err := e.driver.ListTags(ctx, conn.Host, conn.Slot, p.Program)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tags": catalogToMaps(entries)}, nil
}

type tagSpec struct {
	TagID                int64   `json:"tag_id"`
	TagName              string  `json:"tag_name"`
	DataType             string  `json:"data_type,omitempty"`
	PollGroupID          int64   `json:"poll_group_id"`
	ArraySize            int     `json:"array_size,omitempty"`
	OnChangeEnabled      bool    `json:"on_change_enabled"`
	OnChangeDeadband     float64 `json:"on_change_deadband"`
	OnChangeDeadbandType string  `json:"on_change_deadband_type,omitempty"`
	OnChangeHeartbeatMs  int64   `json:"on_change_heartbeat_ms"`
}

type pollGroupSpec struct {
	RateMs int64   `json:"rate_ms"`
	TagIDs []int64 `json:"tag_ids"`
}

type subscribePollingParams struct {
	Tags       []tagSpec                `json:"tags"`
	PollGroups map[string]pollGroupSpec `json:"poll_groups"`
}

func (e *Engine) handleSubscribePolling(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p subscribePollingParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}

	e.mu.Lock()
	sub := e.sub
	conn := e.conn
	e.mu.Unlock()
	if sub == nil {
		return nil, domain.ErrNotConnected
	}

	tags := make([]*domain.TagDescriptor, 0, len(p.Tags))
	for _, t := range p.Tags {
		if t.PollGroupID == 0 {
			return nil, domain.ErrGroupIDRequired
		}
		tags = append(tags, &domain.TagDescriptor{
			TagID:       t.TagID,
			TagName:     t.TagName,
			DataType:    t.DataType,
			PollGroupID: t.PollGroupID,
			ArraySize:   t.ArraySize,
			ChangeConfig: domain.ChangeConfig{
				OnChangeEnabled:      t.OnChangeEnabled,
				OnChangeDeadband:     t.OnChangeDeadband,
				OnChangeDeadbandType: domain.DeadbandType(t.OnChangeDeadbandType),
				OnChangeHeartbeatMs:  t.OnChangeHeartbeatMs,
			},
		})
	}

	groups := make([]subscription.GroupRequest, 0, len(p.PollGroups))
	for gidStr, g := range p.PollGroups {
		var gid int64
		if _, err := fmt.Sscanf(gidStr, "%d", &gid); err != nil {
			return nil, fmt.Errorf("%w: poll_groups key %q is not an integer group id", domain.ErrInvalidParams, gidStr)
		}
		groups = append(groups, subscription.GroupRequest{GroupID: gid, RateMs: g.RateMs, TagIDs: g.TagIDs})
	}

	result, err := sub.Install(ctx, tags, groups, planner.ArrayModeFromEnv())
	if err != nil {
		return nil, err
	}
	_ = conn

	resp := map[string]interface{}{
		"success":     true,
		"tag_count":   result.TagCount,
		"group_count": result.GroupCount,
	}
	if len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}
	return resp, nil
}

func (e *Engine) handleStopPolling(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub != nil {
		sub.Teardown()
	}
	return map[string]interface{}{"success": true}, nil
}

type discoverParams struct {
	BroadcastAddress string `json:"broadcast_address,omitempty"`
}

func (e *Engine) handleDiscover(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p discoverParams
	_ = json.Unmarshal(raw, &p)
	addr := p.BroadcastAddress
	if addr == "" {
		addr = "255.255.255.255"
	}
	devices, err := e.driver.Discover(ctx, addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(devices))
	for i, d := range devices {
		out[i] = map[string]interface{}{
			"ip_address":    d.IPAddress,
			"product_name":  d.ProductName,
			"vendor_id":     d.VendorID,
			"device_type":   d.DeviceType,
			"revision":      d.Revision,
			"serial_number": d.SerialNumber,
			"state":         d.State,
		}
	}
	return map[string]interface{}{"devices": out}, nil
}

type ipSlotParams struct {
	IPAddress string `json:"ip_address"`
	Slot      *int   `json:"slot,omitempty"`
}

func (p ipSlotParams) slotOrDefault() int {
	if p.Slot != nil {
		return *p.Slot
	}
	return domain.DefaultSlot
}

func (e *Engine) handleListIdentity(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ipSlotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if p.IPAddress == "" {
		return nil, fmt.Errorf("%w: ip_address required", domain.ErrInvalidParams)
	}
	ident, err := e.driver.ListIdentity(ctx, p.IPAddress, p.slotOrDefault())
	if err != nil {
		return nil, err
	}
	return identityToMap(ident), nil
}

type browseTagsParams struct {
	IPAddress string `json:"ip_address"`
	Slot      *int   `json:"slot,omitempty"`
	Program   string `json:"program,omitempty"`
}

func (e *Engine) handleBrowseTags(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p browseTagsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if p.IPAddress == "" {
		return nil, fmt.Errorf("%w: ip_address required", domain.ErrInvalidParams)
	}
	slot := domain.DefaultSlot
	if p.Slot != nil {
		slot = *p.Slot
	}
	entries, err := e.driver.BrowseTags(ctx, p.IPAddress, slot, p.Program)
	if err != nil {
		return nil, err
	}
	programs, modules, err := e.driver.ProgramsAndModules(ctx, p.IPAddress, slot)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"tags":     catalogToMaps(entries),
		"programs": programs,
		"modules":  modules,
	}, nil
}

type resolveTypesParams struct {
	IPAddress string   `json:"ip_address"`
	Slot      *int     `json:"slot,omitempty"`
	TagNames  []string `json:"tag_names"`
}

func (e *Engine) handleResolveTypes(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p resolveTypesParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	slot := domain.DefaultSlot
	if p.Slot != nil {
		slot = *p.Slot
	}
	types, err := e.driver.ResolveTypes(ctx, p.IPAddress, slot, p.TagNames)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"types": types}, nil
}

type getConnectionStatusParams struct {
	IPAddress        string `json:"ip_address"`
	Slot             *int   `json:"slot,omitempty"`
	DataforemanCount int    `json:"dataforeman_count,omitempty"`
}

func (e *Engine) handleGetConnectionStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getConnectionStatusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	slot := domain.DefaultSlot
	if p.Slot != nil {
		slot = *p.Slot
	}
	status, err := e.driver.GetConnectionStatus(ctx, p.IPAddress, slot, p.DataforemanCount)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"query_supported": status.QuerySupported,
	}
	if status.QuerySupported {
		out["method"] = status.Method
		out["current"] = status.Current
		out["max"] = status.Max
		out["usage_percent"] = status.UsagePercent
		out["status"] = status.Status
	}
	return out, nil
}

func (e *Engine) handleGetRackConfiguration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ipSlotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	rack, err := e.driver.GetRackConfiguration(ctx, p.IPAddress, p.slotOrDefault())
	if err != nil {
		return nil, err
	}
	slots := make([]map[string]interface{}, len(rack.Slots))
	for i, s := range rack.Slots {
		slots[i] = map[string]interface{}{
			"slot":         s.Slot,
			"product_name": s.ProductName,
			"vendor_id":    s.VendorID,
			"device_type":  s.DeviceType,
		}
	}
	return map[string]interface{}{
		"is_control_logix": rack.IsControlLogix,
		"slots":            slots,
	}, nil
}

func identityToMap(ident cipdriver.Identity) map[string]interface{} {
	return map[string]interface{}{
		"product_name":        ident.ProductName,
		"vendor_id":            ident.VendorID,
		"device_type":          ident.DeviceType,
		"revision":             ident.Revision,
		"serial_number":        ident.SerialNumber,
		"state":                ident.State,
		"processor_available":  ident.ProcessorAvailable,
		"processor_name":       ident.ProcessorName,
		"processor_revision":   ident.ProcessorRevision,
	}
}

func catalogToMaps(entries []cipdriver.TagCatalogEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, len(entries))
	for i, t := range entries {
		out[i] = map[string]interface{}{
			"tag_name":   t.TagName,
			"data_type":  t.DataType,
			"array":      t.IsArray,
			"dimensions": t.Dimensions,
		}
	}
	return out
}

// valueFromJSON decodes a write_tag "value" field into the domain tagged
// union. json.Number distinguishes integral from fractional literals so a
// write of 3 round-trips as an int, not a float.
func valueFromJSON(raw json.RawMessage) (domain.Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Null, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return domain.Null, err
	}
	switch t := v.(type) {
	case nil:
		return domain.Null, nil
	case bool:
		return domain.NewBool(t), nil
	case string:
		return domain.NewString(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return domain.NewInt(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return domain.Null, err
		}
		return domain.NewFloat(f), nil
	default:
		return domain.Null, fmt.Errorf("unsupported value type %T", v)
	}
}

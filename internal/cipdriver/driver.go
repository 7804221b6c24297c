// Package cipdriver is the CIP Driver Facade (spec §2, component 1): the
// thin capability set the polling engine consumes from the underlying CIP
// library. It wraps github.com/iceisfun/goeip's session/cip packages and
// hides EtherNet/IP wire mechanics from the rest of the engine.
package cipdriver

import (
	"context"
	"strings"
	"time"

	"github.com/orionK-max/cip-poller/internal/domain"
)

// BatchResult is one response slot aligned to a planner.Entry's Request
// token (spec §4.3 step 5-6). For a Scalar/Sparse entry, Value holds the
// single decoded element. For a FullArray entry, Values holds every decoded
// element in wire order (index i may be absent if the driver returned fewer
// elements than requested).
type BatchResult struct {
	Value   domain.Value
	Values  []domain.Value
	Quality int
	Err     error
}

// TagCatalogEntry describes one tag found via browse/list operations.
type TagCatalogEntry struct {
	TagName    string
	DataType   string
	IsArray    bool
	Dimensions []int
}

// DiscoveredDevice is one device found by Discover.
type DiscoveredDevice struct {
	IPAddress    string
	ProductName  string
	VendorID     uint16
	DeviceType   uint16
	Revision     string
	SerialNumber uint32
	State        uint8
}

// Identity is the result of ListIdentity, optionally enriched with
// processor-level info (spec §12, list_identity).
type Identity struct {
	ProductName  string
	VendorID     uint16
	DeviceType   uint16
	Revision     string
	SerialNumber uint32
	State        uint8

	ProcessorAvailable bool
	ProcessorName      string
	ProcessorRevision  string
}

// ConnectionStatus is the result of GetConnectionStatus (spec §6.3).
type ConnectionStatus struct {
	QuerySupported bool
	Method         string // "unconnected_message_manager" | "connection_manager"
	Current        int
	Max            int
	UsagePercent   float64
	Status         string // healthy|warning|critical
}

// RackSlot is one occupied slot found by GetRackConfiguration.
type RackSlot struct {
	Slot        int
	ProductName string
	VendorID    uint16
	DeviceType  uint16
}

// RackConfig is the result of GetRackConfiguration (spec §12).
type RackConfig struct {
	IsControlLogix bool
	Slots          []RackSlot
}

// Session is one open CIP session, owned for the lifetime of a Poll Group
// Runner or a single synchronous RPC (spec §9, "Per-group ownership of
// sessions"). A Session is not safe for concurrent use.
type Session interface {
	// ReadBatch executes the plan's request tokens against the PLC and
	// returns one BatchResult per token, in order (spec §4.3 step 4-5).
	ReadBatch(ctx context.Context, requests []string) ([]BatchResult, error)

	// ReadTag reads a single scalar or array-element tag (connect-time
	// synchronous read_tag/read_tags RPCs).
	ReadTag(ctx context.Context, tagName string) (domain.Value, string, error)

	// WriteTag writes a single tag.
	WriteTag(ctx context.Context, tagName string, value domain.Value) error

	// Close closes the session. The goeip implementation drops a
	// recoverable session-teardown error (spec §4.3, §7) from unregistering
	// and still closes the transport; callers also ignore recoverable
	// errors that Close returns.
	Close() error
}

// Driver opens Sessions and answers the one-shot RPCs that don't need a
// long-lived session (spec §1, "Discovery ... one-shot RPCs").
type Driver interface {
	Open(ctx context.Context, host string, slot int) (Session, error)

	ListTags(ctx context.Context, host string, slot int, program string) ([]TagCatalogEntry, error)
	BrowseTags(ctx context.Context, host string, slot int, program string) ([]TagCatalogEntry, error)
	ProgramsAndModules(ctx context.Context, host string, slot int) ([]string, []string, error)
	ResolveTypes(ctx context.Context, host string, slot int, tagNames []string) (map[string]string, error)

	Discover(ctx context.Context, broadcastAddress string, timeout time.Duration) ([]DiscoveredDevice, error)
	ListIdentity(ctx context.Context, host string, slot int) (Identity, error)
	GetConnectionStatus(ctx context.Context, host string, slot int, dataforemanCount int) (ConnectionStatus, error)
	GetRackConfiguration(ctx context.Context, host string, slot int) (RackConfig, error)
}

// IsRecoverableSessionError reports whether err belongs to the known
// CIP session-teardown failure class (spec §4.3, §7, §9 "Driver error
// classification by substring"). Substring matching is a last-resort
// fallback pending a structured error type from the driver library.
func IsRecoverableSessionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "forward_close") || strings.Contains(msg, "failed to parse reply")
}

package cipdriver

import (
	"context"
	"strings"
)

// rackScanSlots is the linear slot range probed by GetRackConfiguration
// (spec §9 Open Question — resolved to 0-16 inclusive per original_source/).
const rackScanSlots = 17

// GetRackConfiguration detects a ControlLogix/CompactLogix chassis via
// identity, then scans slots 0-16, treating any per-slot failure as "empty,
// skip" rather than aborting the scan (spec §12).
func (d *GoeipDriver) GetRackConfiguration(ctx context.Context, host string, slot int) (RackConfig, error) {
	moduleIdent, err := d.ListIdentity(ctx, host, 0)
	if err != nil {
		return RackConfig{}, err
	}

	cfg := RackConfig{
		IsControlLogix: strings.Contains(strings.ToLower(moduleIdent.ProductName), "logix"),
	}

	for s := 0; s < rackScanSlots; s++ {
		if ctx.Err() != nil {
			return cfg, ctx.Err()
		}
		// ListIdentity's module-level fields are the Ethernet module's own
		// identity regardless of slot; only the routed processor follow-up
		// actually distinguishes one backplane slot from another, so an
		// occupied slot is one where that follow-up succeeds.
		ident, err := d.ListIdentity(ctx, host, s)
		if err != nil || !ident.ProcessorAvailable {
			continue // empty slot or unreachable: skip, never abort.
		}
		cfg.Slots = append(cfg.Slots, RackSlot{
			Slot:        s,
			ProductName: ident.ProcessorName,
			VendorID:    ident.VendorID,
			DeviceType:  ident.DeviceType,
		})
	}
	return cfg, nil
}

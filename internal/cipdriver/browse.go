package cipdriver

import (
	"context"
	"fmt"
	"strings"

	"github.com/iceisfun/goeip/pkg/cip"
)

const programTagPrefix = "Program:"

// ListTags and BrowseTags both enumerate the Symbol Object (class 0x6B)
// instance table and return the same entries, filtered to one program when
// program is non-empty (spec §12). Program names are returned separately
// by ProgramsAndModules.
func (d *GoeipDriver) ListTags(ctx context.Context, host string, slot int, program string) ([]TagCatalogEntry, error) {
	entries, _, _, err := d.browseSymbols(ctx, host, slot, program)
	return entries, err
}

func (d *GoeipDriver) BrowseTags(ctx context.Context, host string, slot int, program string) ([]TagCatalogEntry, error) {
	entries, _, _, err := d.browseSymbols(ctx, host, slot, program)
	return entries, err
}

// ProgramsAndModules runs its own full browse and returns the program names
// found in it, for handlers that need browse_tags's full {tags, programs,
// modules} shape. The modules list is always nil: no module enumeration is
// done.
func (d *GoeipDriver) ProgramsAndModules(ctx context.Context, host string, slot int) ([]string, []string, error) {
	_, programs, modules, err := d.browseSymbols(ctx, host, slot, "")
	return programs, modules, err
}

func (d *GoeipDriver) browseSymbols(ctx context.Context, host string, slot int, program string) ([]TagCatalogEntry, []string, []string, error) {
	sess, err := d.Open(ctx, host, slot)
	if err != nil {
		return nil, nil, nil, err
	}
	defer sess.Close()
	gs := sess.(*goeipSession)

	classReq := cip.NewGetSymbolClassAttributesRequest()
	classResp, err := gs.raw.SendCIPRequest(classReq)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipdriver: symbol class query: %w", err)
	}
	if err := classResp.Error(); err != nil {
		return nil, nil, nil, fmt.Errorf("cipdriver: symbol class query: %w", err)
	}
	_, maxInstance, err := cip.DecodeSymbolClassAttributesResponse(classResp.ResponseData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipdriver: decode symbol class attributes: %w", err)
	}

	var entries []TagCatalogEntry
	programSet := make(map[string]struct{})

	for inst := uint32(1); inst <= uint32(maxInstance); inst++ {
		if ctx.Err() != nil {
			return entries, setToSlice(programSet), nil, ctx.Err()
		}
		req := cip.NewGetSymbolAttributesRequest(inst)
		resp, err := gs.raw.SendCIPRequest(req)
		if err != nil || resp.Error() != nil {
			continue // instance gap: Logix symbol tables are sparse.
		}
		name, dtype, err := cip.DecodeSymbolAttributesResponse(resp.ResponseData)
		if err != nil || name == "" {
			continue
		}

		progName, isProgram := programOf(name)
		if isProgram {
			programSet[progName] = struct{}{}
		}
		if program != "" && progName != program {
			continue
		}

		entries = append(entries, TagCatalogEntry{
			TagName:  name,
			DataType: dtype.String(),
			IsArray:  dtype.IsArray(),
		})
	}

	return entries, setToSlice(programSet), nil, nil
}

// programOf splits a "Program:Name.Tag" symbol name into its program scope.
func programOf(name string) (string, bool) {
	if !strings.HasPrefix(name, programTagPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, programTagPrefix)
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		return rest[:dot], true
	}
	return rest, true
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ResolveTypes projects the full symbol catalog down to the requested names
// (spec §12).
func (d *GoeipDriver) ResolveTypes(ctx context.Context, host string, slot int, tagNames []string) (map[string]string, error) {
	entries, _, _, err := d.browseSymbols(ctx, host, slot, "")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(entries))
	for _, e := range entries {
		byName[e.TagName] = e.DataType
	}
	out := make(map[string]string, len(tagNames))
	for _, n := range tagNames {
		if t, ok := byName[n]; ok {
			out[n] = t
		}
	}
	return out, nil
}

package cipdriver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/iceisfun/goeip/pkg/cip"
	"github.com/iceisfun/goeip/pkg/eip"
)

const eipPort = 44818

// Discover broadcasts a ListIdentity request over UDP and collects replies
// until timeout elapses (spec §12). goeip's transport package is TCP-only,
// so the UDP send/receive here is original plumbing built directly on
// goeip's eip encapsulation header and ListIdentity decoder.
func (d *GoeipDriver) Discover(ctx context.Context, broadcastAddress string, timeout time.Duration) ([]DiscoveredDevice, error) {
	if broadcastAddress == "" {
		broadcastAddress = "255.255.255.255"
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("cipdriver: discover listen: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	header := &eip.EncapsulationHeader{Command: eip.CommandListIdentity}
	var buf bytes.Buffer
	if err := header.Encode(&buf); err != nil {
		return nil, fmt.Errorf("cipdriver: encode discover request: %w", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP(broadcastAddress), Port: eipPort}
	if _, err := conn.WriteToUDP(buf.Bytes(), dst); err != nil {
		return nil, fmt.Errorf("cipdriver: broadcast discover: %w", err)
	}

	var devices []DiscoveredDevice
	recvBuf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return devices, ctx.Err()
		}
		n, _, err := conn.ReadFromUDP(recvBuf)
		if err != nil {
			// Deadline exceeded ends the collection window, not an error.
			break
		}
		resp, err := decodeDiscoveryReply(recvBuf[:n])
		if err != nil {
			continue
		}
		devices = append(devices, resp...)
	}
	return devices, nil
}

func decodeDiscoveryReply(raw []byte) ([]DiscoveredDevice, error) {
	r := bytes.NewReader(raw)
	hdr := &eip.EncapsulationHeader{}
	if err := hdr.Decode(r); err != nil {
		return nil, err
	}
	body := make([]byte, r.Len())
	if _, err := r.Read(body); err != nil {
		return nil, err
	}
	items, err := eip.DecodeListIdentityResponse(body)
	if err != nil {
		return nil, err
	}
	out := make([]DiscoveredDevice, 0, len(items))
	for _, it := range items {
		out = append(out, DiscoveredDevice{
			IPAddress:    socketAddrToIP(it.SocketAddr),
			ProductName:  it.ProductName,
			VendorID:     it.VendorID,
			DeviceType:   it.DeviceType,
			Revision:     fmt.Sprintf("%d.%d", it.Revision[0], it.Revision[1]),
			SerialNumber: it.SerialNumber,
			State:        it.State,
		})
	}
	return out, nil
}

// socketAddrToIP extracts the IPv4 address from a sockaddr_in-shaped
// SocketAddr: family (2 bytes), port (2 bytes), address (4 bytes), padding.
func socketAddrToIP(sa [16]byte) string {
	if len(sa) < 8 {
		return ""
	}
	return net.IPv4(sa[4], sa[5], sa[6], sa[7]).String()
}

// ListIdentity queries a single device's identity, then attempts a
// processor-level follow-up; failure of the follow-up still returns the
// module-only identity (spec §12).
func (d *GoeipDriver) ListIdentity(ctx context.Context, host string, slot int) (Identity, error) {
	sess, err := d.Open(ctx, host, slot)
	if err != nil {
		return Identity{}, err
	}
	defer sess.Close()

	gs := sess.(*goeipSession)
	items, err := gs.raw.ListIdentity()
	if err != nil {
		return Identity{}, fmt.Errorf("cipdriver: list_identity: %w", err)
	}
	if len(items) == 0 {
		return Identity{}, fmt.Errorf("cipdriver: no identity items returned")
	}
	it := items[0]
	ident := Identity{
		ProductName:  it.ProductName,
		VendorID:     it.VendorID,
		DeviceType:   it.DeviceType,
		Revision:     fmt.Sprintf("%d.%d", it.Revision[0], it.Revision[1]),
		SerialNumber: it.SerialNumber,
		State:        it.State,
	}

	// Processor-level info lives behind the Identity object at the target
	// slot; a failure here (e.g. an Ethernet-only module with no processor
	// in the addressed slot) is not fatal to the call.
	if procName, procRev, err := queryProcessorIdentity(gs); err == nil {
		ident.ProcessorAvailable = true
		ident.ProcessorName = procName
		ident.ProcessorRevision = procRev
	}
	return ident, nil
}

func queryProcessorIdentity(s *goeipSession) (name string, revision string, err error) {
	req := identityGetAttributesRequest(s)
	resp, err := s.raw.SendCIPRequest(req)
	if err != nil {
		return "", "", err
	}
	if err := resp.Error(); err != nil {
		return "", "", err
	}
	name, _, err = parseIdentityAttributes(resp.ResponseData)
	if err != nil {
		return "", "", err
	}
	// Revision (attribute 4) is major then minor, one byte each; a failed
	// revision query leaves revision blank but keeps the name.
	revReq := cip.NewGetAttributeSingleRequest(s.routedPath(identityPath(identityAttrRevision)))
	if revResp, rerr := s.raw.SendCIPRequest(revReq); rerr == nil && revResp.Error() == nil && len(revResp.ResponseData) >= 2 {
		revision = fmt.Sprintf("%d.%d", revResp.ResponseData[0], revResp.ResponseData[1])
	}
	return name, revision, nil
}

package cipdriver

import (
	"context"
	"fmt"

	"github.com/iceisfun/goeip/pkg/cip"
	"github.com/iceisfun/goeip/pkg/session"
	"github.com/iceisfun/goeip/pkg/transport"

	"github.com/orionK-max/cip-poller/internal/domain"
)

// GoeipDriver is the Driver implementation backed by github.com/iceisfun/goeip.
type GoeipDriver struct{}

// NewGoeipDriver returns the default CIP Driver Facade.
func NewGoeipDriver() *GoeipDriver { return &GoeipDriver{} }

// Open dials host and registers a fresh CIP session owned by the caller
// (spec §4.3 "Start": the Runner owns this Session for its lifetime).
func (d *GoeipDriver) Open(ctx context.Context, host string, slot int) (Session, error) {
	t, err := transport.NewTCPTransport(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionOpenFailed, err)
	}
	s := session.NewSession(t, nil)
	if err := s.Register(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionOpenFailed, err)
	}
	return &goeipSession{raw: s, slot: slot}, nil
}

// goeipSession adapts a goeip *session.Session to the Session interface,
// routing requests to the backplane slot (spec's (host, slot) addressing)
// via a Port/Link-Address segment ahead of the Class/Instance path when slot
// is non-zero.
type goeipSession struct {
	raw  *session.Session
	slot int
}

func (s *goeipSession) routedPath(inner cip.Path) cip.Path {
	if s.slot == 0 {
		return inner
	}
	p := cip.NewPath()
	p.AddPortSegment(1, []byte{byte(s.slot)})
	p = append(p, inner...)
	return p
}

func (s *goeipSession) ReadTag(ctx context.Context, tagName string) (domain.Value, string, error) {
	p := cip.NewPath()
	p.AddSymbolicSegment(tagName)
	req := cip.NewReadTagRequest(s.routedPath(p), 1)

	resp, err := s.raw.SendCIPRequest(req)
	if err != nil {
		return domain.Null, "", fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
	}
	if err := resp.Error(); err != nil {
		return domain.Null, "", fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
	}
	return decodeTagValue(resp.ResponseData)
}

func (s *goeipSession) WriteTag(ctx context.Context, tagName string, value domain.Value) error {
	p := cip.NewPath()
	p.AddSymbolicSegment(tagName)

	data, err := encodeTagValue(value)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}

	req := &cip.MessageRouterRequest{
		Service:     cip.ServiceWriteTag,
		RequestPath: s.routedPath(p),
		RequestData: data,
	}
	resp, err := s.raw.SendCIPRequest(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}
	return nil
}

// ReadBatch issues one CIP request per plan token. goeip exposes no
// Multiple-Service-Packet helper, so the batching win the planner already
// captured (one request per array instead of one per element) is the whole
// of the batching available here; per-token requests are still sent
// sequentially on this session.
func (s *goeipSession) ReadBatch(ctx context.Context, requests []string) ([]BatchResult, error) {
	out := make([]BatchResult, len(requests))
	for i, token := range requests {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		elems, _, err := s.readToken(token)
		if err != nil {
			out[i] = BatchResult{Quality: domain.QualityBad, Err: err}
			continue
		}
		out[i] = BatchResult{
			Value:   elems.scalarOrFirst(),
			Values:  []domain.Value(elems),
			Quality: domain.QualityGood,
		}
	}
	return out, nil
}

// readToken issues one request for either a scalar/sparse token (plain tag
// name) or a full-array token ("BASE{N}"), returning the decoded elements.
func (s *goeipSession) readToken(token string) (decodedElements, int, error) {
	base, n, isArray := parseArrayToken(token)

	p := cip.NewPath()
	if isArray {
		p.AddSymbolicSegment(base)
	} else {
		p.AddSymbolicSegment(token)
	}

	elements := 1
	if isArray {
		elements = n
	}
	req := cip.NewReadTagRequest(s.routedPath(p), uint16(elements))

	resp, err := s.raw.SendCIPRequest(req)
	if err != nil {
		return nil, 0, err
	}
	if err := resp.Error(); err != nil {
		return nil, 0, err
	}
	elems, err := decodeTagElements(resp.ResponseData, elements)
	if err != nil {
		return nil, 0, err
	}
	return elems, elements, nil
}

func (s *goeipSession) Close() error {
	if err := s.raw.Unregister(); err != nil {
		// Best-effort: proceed to closing the transport regardless (spec
		// §4.3 "Stop").
		if !IsRecoverableSessionError(err) {
			s.raw.Close()
			return fmt.Errorf("unregister: %w", err)
		}
	}
	return s.raw.Close()
}

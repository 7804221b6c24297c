package cipdriver

import (
	"context"
	"encoding/binary"

	"github.com/iceisfun/goeip/pkg/cip"
)

const (
	classUnconnectedMessageMgr cip.UINT = 0x02B
	unconnectedMsgMgrTotal              = 40 // spec §6.3: hardcoded assumed total buffer count.
)

// GetConnectionStatus implements the two-method fallback of spec §6.3.
func (d *GoeipDriver) GetConnectionStatus(ctx context.Context, host string, slot int, dataforemanCount int) (ConnectionStatus, error) {
	sess, err := d.Open(ctx, host, slot)
	if err != nil {
		return ConnectionStatus{}, err
	}
	defer sess.Close()
	gs := sess.(*goeipSession)

	if cs, ok := queryUnconnectedMessageManager(gs); ok {
		return finalizeStatus(cs), nil
	}
	if cs, ok := queryConnectionManager(gs); ok {
		return finalizeStatus(cs), nil
	}
	return ConnectionStatus{QuerySupported: false}, nil
}

func queryUnconnectedMessageManager(s *goeipSession) (ConnectionStatus, bool) {
	p := cip.NewPath()
	p.AddClass(classUnconnectedMessageMgr)
	p.AddInstance(1)
	p.AddAttribute(0)
	req := cip.NewGetAttributeSingleRequest(s.routedPath(p))

	resp, err := s.raw.SendCIPRequest(req)
	if err != nil || resp.Error() != nil || len(resp.ResponseData) < 2 {
		return ConnectionStatus{}, false
	}
	free := int(binary.LittleEndian.Uint16(resp.ResponseData[0:2]))
	current := unconnectedMsgMgrTotal - free
	if current < 0 {
		current = 0
	}
	return ConnectionStatus{
		QuerySupported: true,
		Method:         "unconnected_message_manager",
		Current:        current,
		Max:            unconnectedMsgMgrTotal,
	}, true
}

func queryConnectionManager(s *goeipSession) (ConnectionStatus, bool) {
	maxVal, ok := getConnMgrAttr(s, 5)
	if !ok {
		return ConnectionStatus{}, false
	}
	curVal, ok := getConnMgrAttr(s, 6)
	if !ok {
		return ConnectionStatus{}, false
	}
	return ConnectionStatus{
		QuerySupported: true,
		Method:         "connection_manager",
		Current:        curVal,
		Max:            maxVal,
	}, true
}

func getConnMgrAttr(s *goeipSession, attr cip.UINT) (int, bool) {
	p := cip.NewPath()
	p.AddClass(cip.ClassConnectionMgr)
	p.AddInstance(1)
	p.AddAttribute(attr)
	req := cip.NewGetAttributeSingleRequest(s.routedPath(p))

	resp, err := s.raw.SendCIPRequest(req)
	if err != nil || resp.Error() != nil || len(resp.ResponseData) < 2 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(resp.ResponseData[0:2])), true
}

func finalizeStatus(cs ConnectionStatus) ConnectionStatus {
	if cs.Max <= 0 {
		cs.UsagePercent = 0
		cs.Status = "healthy"
		return cs
	}
	cs.UsagePercent = float64(cs.Current) * 100 / float64(cs.Max)
	switch {
	case cs.UsagePercent >= 90:
		cs.Status = "critical"
	case cs.UsagePercent >= 80:
		cs.Status = "warning"
	default:
		cs.Status = "healthy"
	}
	return cs
}

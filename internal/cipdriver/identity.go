package cipdriver

import (
	"fmt"

	"github.com/iceisfun/goeip/pkg/cip"
)

// Identity object (class 0x01, instance 1) attribute IDs used for the
// processor follow-up query in ListIdentity (spec §12).
const (
	identityAttrRevision    cip.UINT = 0x04
	identityAttrProductName cip.UINT = 0x07
)

func identityPath(attr cip.UINT) cip.Path {
	p := cip.NewPath()
	p.AddClass(cip.ClassIdentity)
	p.AddInstance(1)
	p.AddAttribute(attr)
	return p
}

// identityGetAttributesRequest builds a Get_Attribute_Single request for the
// processor's product-name attribute; revision is fetched by a second call
// using the same path shape with identityAttrRevision.
func identityGetAttributesRequest(s *goeipSession) *cip.MessageRouterRequest {
	return cip.NewGetAttributeSingleRequest(s.routedPath(identityPath(identityAttrProductName)))
}

// parseIdentityAttributes decodes the SHORT_STRING product-name attribute
// returned by Get_Attribute_Single: a 1-byte length followed by the name.
// Revision is left blank here; a caller wanting both issues two requests.
func parseIdentityAttributes(data []byte) (name string, revision string, err error) {
	if len(data) < 1 {
		return "", "", fmt.Errorf("cipdriver: empty identity attribute response")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", "", fmt.Errorf("cipdriver: truncated product name attribute")
	}
	return string(data[1 : 1+n]), "", nil
}

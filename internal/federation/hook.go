package federation

import (
	"net/http"

	"github.com/msbench/federation-gateway/internal/propagation"
)

const (
	HeaderGatewayRequest = "X-Gateway-Request"
	HeaderAuthorization  = "Authorization"
)

// OutboundHook runs immediately before every downstream subgraph call. It
// may only mutate headers and must not fail the call.
type OutboundHook func(rc propagation.RequestContext, req *http.Request)

// OnOutboundCall marks the call as gateway-originated and forwards the
// caller's authorization value when there is one.
func OnOutboundCall(rc propagation.RequestContext, req *http.Request) {
	req.Header.Set(HeaderGatewayRequest, "true")
	if rc.Token != "" {
		req.Header.Set(HeaderAuthorization, rc.Token)
	}
}

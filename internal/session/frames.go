package session

// Outbound frames, matching the streaming protocol's current (newest)
// revision: per-proxy usage_interval, encrypted credential, shared-secret
// auth. The older request/response get_proxy-style protocol is historical
// and intentionally not reimplemented here.

type proxyPayload struct {
	ID           int     `json:"id"`
	Credential   string  `json:"credential,omitempty"`
	CredentialB  string  `json:"credential_encrypted,omitempty"`
	SourceID     int     `json:"source_id"`
	Priority     int     `json:"priority"`
	ProviderName *string `json:"provider_name,omitempty"`
	Encrypted    bool    `json:"_encrypted"`
}

type proxyAvailableFrame struct {
	Action        string       `json:"action"`
	Proxy         proxyPayload `json:"proxy"`
	SourceID      int          `json:"source_id"`
	UsageInterval int          `json:"usage_interval"`
}

type proxyInUseFrame struct {
	Action        string `json:"action"`
	ProxyID       int    `json:"proxy_id"`
	UsageInterval int    `json:"usage_interval"`
	Key           string `json:"key"`
}

type waitingFrame struct {
	Action string `json:"action"`
}

type reportAcknowledgedFrame struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type sourcesLoadedFrame struct {
	Action  string `json:"action"`
	Sources []int  `json:"sources"`
	Count   int    `json:"count"`
}

type errorFrame struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{Action: "error", Message: msg}
}

// inboundFrame covers every shape a client can send: the two bare-vs-action
// init frames, report_proxy, proxy_taken, and request_proxy. Fields that
// don't apply to a given action are simply left zero. There is deliberately
// no source_id field: the server always resolves a proxy's source itself
// rather than trusting a client-supplied value.
type inboundFrame struct {
	Action        string `json:"action"`
	SourceIDs     []int  `json:"source_ids"`
	ProxyID       int    `json:"proxy_id"`
	StatusCode    int    `json:"status_code"`
	UsageInterval int    `json:"usage_interval"`
}

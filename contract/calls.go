package contract

// CallRequest describes one outbound external call as a plugin sees it:
// full headers included. The audit trail stores and hashes a filtered
// form with credential-bearing headers elided, so the replay key stays
// stable across credential rotation.
type CallRequest struct {
	CallType CallType
	Method   string
	URL      string
	Headers  map[string]string
	Body     any
}

// CallResponse is the answer to an external call as the audit trail
// sees it.
type CallResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

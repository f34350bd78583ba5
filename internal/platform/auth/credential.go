package auth

import (
	"net/http"
)

// CredentialKind says where a credential is placed on an outgoing request.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialHeader
	CredentialQueryParam
)

// Credential is the resolved form of a facility's authentication
// configuration, ready to attach to a request.
type Credential struct {
	Kind  CredentialKind
	Name  string
	Value string
}

// Apply attaches the credential to req. Query parameter credentials are
// appended to the URL and never sent as headers.
func (c Credential) Apply(req *http.Request) {
	switch c.Kind {
	case CredentialHeader:
		req.Header.Set(c.Name, c.Value)
	case CredentialQueryParam:
		q := req.URL.Query()
		q.Set(c.Name, c.Value)
		req.URL.RawQuery = q.Encode()
	}
}

func (c Credential) String() string {
	switch c.Kind {
	case CredentialHeader:
		return "header " + c.Name + ": [redacted]"
	case CredentialQueryParam:
		return "query " + c.Name + "=[redacted]"
	}
	return "none"
}

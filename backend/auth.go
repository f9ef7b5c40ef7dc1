package backend

import "net/http"

// CredentialKind selects how Credentials.Apply authenticates a request
// (spec.md §4.2 credentials, §6 external interface).
type CredentialKind int

const (
	CredNone CredentialKind = iota
	CredBasic
	CredBearer
	CredHeaders
)

// Credentials carries whichever authentication scheme the backend expects.
// Only the fields matching Kind are read.
type Credentials struct {
	Kind     CredentialKind
	Username string
	Password string
	Token    string
	Headers  map[string]string
}

// Apply sets the appropriate auth header(s) on req.
func (c Credentials) Apply(req *http.Request) {
	switch c.Kind {
	case CredBasic:
		req.SetBasicAuth(c.Username, c.Password)
	case CredBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case CredHeaders:
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}
	}
}

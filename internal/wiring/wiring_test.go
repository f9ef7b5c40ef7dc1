package wiring

import (
	"testing"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/config"
	"github.com/stretchr/testify/require"
)

func TestParseCredentialsCoversEveryDocumentedAuthKind(t *testing.T) {
	headers := map[string]string{"X-Api-Key": "secret"}

	creds, err := parseCredentials(config.BackendConfig{AuthKind: "headers", Headers: headers})
	require.NoError(t, err)
	require.Equal(t, backend.CredHeaders, creds.Kind)
	require.Equal(t, headers, creds.Headers)

	creds, err = parseCredentials(config.BackendConfig{AuthKind: "bearer", Token: "t"})
	require.NoError(t, err)
	require.Equal(t, backend.CredBearer, creds.Kind)

	creds, err = parseCredentials(config.BackendConfig{AuthKind: "basic", Username: "u", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, backend.CredBasic, creds.Kind)

	creds, err = parseCredentials(config.BackendConfig{})
	require.NoError(t, err)
	require.Equal(t, backend.CredNone, creds.Kind)

	_, err = parseCredentials(config.BackendConfig{AuthKind: "nope"})
	require.Error(t, err)
}

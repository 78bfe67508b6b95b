package hub

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestParseConnectionString(t *testing.T) {
	cred, err := ParseConnectionString("HostName=hub.example.net;DeviceId=thermo-1;SharedAccessKey=" + testKey)
	require.NoError(t, err)

	assert.Equal(t, "hub.example.net", cred.HostName)
	assert.Equal(t, "thermo-1", cred.DeviceID)
	assert.Equal(t, "hub.example.net/thermo-1", cred.String())
}

func TestParseConnectionStringOrderAndExtras(t *testing.T) {
	cred, err := ParseConnectionString(" SharedAccessKey=" + testKey + "; DeviceId=d;GatewayHostName=gw;HostName=h; ")
	require.NoError(t, err)
	assert.Equal(t, "h", cred.HostName)
	assert.Equal(t, "d", cred.DeviceID)
}

func TestParseConnectionStringInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":       "",
		"no key":      "HostName=h;DeviceId=d",
		"no device":   "HostName=h;SharedAccessKey=" + testKey,
		"bad segment": "HostName=h;DeviceId;SharedAccessKey=" + testKey,
		"bad base64":  "HostName=h;DeviceId=d;SharedAccessKey=!!!",
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnectionString(s)
			require.ErrorIs(t, err, ErrInvalidConnectionString)
		})
	}
}

func TestSASToken(t *testing.T) {
	cred, err := NewCredential("hub.example.net", "thermo-1", testKey)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token := cred.SASToken(now, time.Hour)

	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))
	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)

	assert.Equal(t, "hub.example.net/devices/thermo-1", values.Get("sr"))
	assert.Equal(t, "1700003600", values.Get("se"))

	sig, err := base64.StdEncoding.DecodeString(values.Get("sig"))
	require.NoError(t, err)
	assert.Len(t, sig, 32)
}

func TestSASTokenDependsOnKey(t *testing.T) {
	a, err := NewCredential("h", "d", testKey)
	require.NoError(t, err)
	b, err := NewCredential("h", "d", base64.StdEncoding.EncodeToString([]byte("another key")))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	assert.NotEqual(t, a.SASToken(now, time.Hour), b.SASToken(now, time.Hour))
	assert.Equal(t, a.SASToken(now, time.Hour), a.SASToken(now, time.Hour))
}

package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credential is one candidate device identity for connecting to the service.
type Credential struct {
	HostName string
	DeviceID string
	key      []byte
}

// NewCredential builds a credential from a host, device id and base64
// shared access key.
func NewCredential(host, deviceID, sharedAccessKey string) (Credential, error) {
	if host == "" || deviceID == "" || sharedAccessKey == "" {
		return Credential{}, fmt.Errorf("%w: host, device id and key are required", ErrInvalidConnectionString)
	}
	key, err := base64.StdEncoding.DecodeString(sharedAccessKey)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: shared access key: %w", ErrInvalidConnectionString, err)
	}
	return Credential{HostName: host, DeviceID: deviceID, key: key}, nil
}

// ParseConnectionString parses "HostName=...;DeviceId=...;SharedAccessKey=...".
// Key order does not matter; unknown keys are ignored.
func ParseConnectionString(s string) (Credential, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Credential{}, fmt.Errorf("%w: segment %q has no value", ErrInvalidConnectionString, k)
		}
		fields[k] = v
	}
	return NewCredential(fields["HostName"], fields["DeviceId"], fields["SharedAccessKey"])
}

// String identifies the credential without exposing the key.
func (c Credential) String() string {
	return c.HostName + "/" + c.DeviceID
}

// resourceURI is the scope signed by SAS tokens for this device.
func (c Credential) resourceURI() string {
	return c.HostName + "/devices/" + c.DeviceID
}

// SASToken returns a shared access signature valid until now+ttl.
func (c Credential) SASToken(now time.Time, ttl time.Duration) string {
	sr := url.QueryEscape(c.resourceURI())
	expiry := strconv.FormatInt(now.Add(ttl).Unix(), 10)

	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(sr + "\n" + expiry))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return "SharedAccessSignature sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + expiry
}

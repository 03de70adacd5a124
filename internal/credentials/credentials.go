package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrInvalidKey is returned when a key is not valid base64.
	ErrInvalidKey = errors.New("credentials: key is not valid base64")

	// ErrMissingKey is returned when neither a device key nor a group key is configured.
	ErrMissingKey = errors.New("credentials: device key or group key is required")
)

// DeriveDeviceKey computes a per-device key from an enrollment group key:
// base64(HMAC-SHA256(base64decode(groupKey), deviceID)).
func DeriveDeviceKey(groupKey, deviceID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return base64.StdEncoding.EncodeToString(sign(raw, deviceID)), nil
}

// ResolveDeviceKey returns deviceKey when set, otherwise the key derived
// from groupKey.
func ResolveDeviceKey(deviceKey, groupKey, deviceID string) (string, error) {
	if deviceKey != "" {
		if _, err := base64.StdEncoding.DecodeString(deviceKey); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return deviceKey, nil
	}
	if groupKey == "" {
		return "", ErrMissingKey
	}
	return DeriveDeviceKey(groupKey, deviceID)
}

// SASToken builds a shared access signature for resourceURI, valid until
// expiry. policy is appended as skn when not empty.
func SASToken(resourceURI, key, policy string, expiry time.Time) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(sign(raw, sr+"\n"+se))

	token := "SharedAccessSignature sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + se
	if policy != "" {
		token += "&skn=" + url.QueryEscape(policy)
	}
	return token, nil
}

// Signer issues tokens for one key with a fixed lifetime.
type Signer struct {
	Key    string
	Policy string
	TTL    time.Duration

	now func() time.Time
}

// NewSigner creates a signer. A zero ttl defaults to one hour.
func NewSigner(key, policy string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{Key: key, Policy: policy, TTL: ttl, now: time.Now}
}

// Token signs resourceURI with an expiry TTL from now.
func (s *Signer) Token(resourceURI string) (string, error) {
	return SASToken(resourceURI, s.Key, s.Policy, s.now().Add(s.TTL))
}

func sign(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

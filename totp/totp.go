package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
)

const (
	// Period is the length of one time step.
	Period = 30 * time.Second
	// Digits is the length of every derived code.
	Digits = 6
	// SecretSize is the number of random bytes drawn for a new secret.
	SecretSize = 20
	// Algorithm is the HMAC hash advertised in provisioning URIs.
	Algorithm = "SHA1"

	codeModulus = 1000000
)

var (
	// ErrInvalidSecret is returned by DeriveCode when the secret is not valid base32.
	ErrInvalidSecret = errors.New("invalid totp secret")
	// ErrMissingLabel is returned by GenerateSecret for an empty account label.
	ErrMissingLabel = errors.New("totp label required")
)

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Key is a freshly generated shared secret and the otpauth:// URI that
// authenticator apps scan.
type Key struct {
	Secret          string
	ProvisioningURI string

	key *otp.Key
}

// Image renders the provisioning URI as a QR code.
func (k *Key) Image(width, height int) (image.Image, error) {
	if k == nil || k.key == nil {
		return nil, ErrInvalidSecret
	}
	return k.key.Image(width, height)
}

// GenerateSecret draws SecretSize bytes from crypto/rand and returns them
// base32-encoded without padding together with the provisioning URI for
// label and issuer. Nothing is persisted.
func GenerateSecret(label, issuer string) (*Key, error) {
	if strings.TrimSpace(label) == "" {
		return nil, ErrMissingLabel
	}

	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: label,
		Period:      uint(Period / time.Second),
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rand.Reader,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	return &Key{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		key:             key,
	}, nil
}

// ParseKey rebuilds a Key from a provisioning URI, e.g. to render the QR
// code of a setup that was started earlier.
func ParseKey(uri string) (*Key, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if key.Type() != "totp" || key.Secret() == "" {
		return nil, ErrInvalidSecret
	}
	return &Key{Secret: key.Secret(), ProvisioningURI: key.URL(), key: key}, nil
}

// DecodeSecret accepts upper or lower case base32, with or without padding.
func DecodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secret))
	normalized = strings.ReplaceAll(normalized, " ", "")
	normalized = strings.TrimRight(normalized, "=")
	if normalized == "" {
		return nil, ErrInvalidSecret
	}

	raw, err := b32NoPadding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return raw, nil
}

// Counter returns the time step containing t.
func Counter(t time.Time) uint64 {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(Period/time.Second)
}

// DeriveCode computes the RFC 4226 HOTP value of secret at counter and
// returns it zero-padded to Digits characters.
func DeriveCode(secret string, counter uint64) (string, error) {
	raw, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotpCode(raw, counter), nil
}

func hotpCode(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%0*d", Digits, bin%codeModulus)
}

// Validator checks codes against the current time of its clock.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	clock clockwork.Clock
}

// NewValidator returns a Validator reading time from clock. A nil clock
// means wall-clock time.
func NewValidator(clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{clock: clock}
}

// Verify reports whether token matches secret at any time step within
// window steps of now. Malformed tokens are rejected before any HMAC is
// computed; an undecodable secret yields false.
func (v *Validator) Verify(token, secret string, window int) bool {
	ok, _ := v.VerifyCounter(token, secret, window)
	return ok
}

// VerifyCounter behaves like Verify and also returns the matched counter.
func (v *Validator) VerifyCounter(token, secret string, window int) (bool, uint64) {
	if v == nil || !wellFormed(token) {
		return false, 0
	}
	if window < 0 {
		window = 0
	}

	raw, err := DecodeSecret(secret)
	if err != nil {
		return false, 0
	}

	current := int64(Counter(v.clock.Now()))
	for step := -int64(window); step <= int64(window); step++ {
		counter := current + step
		if counter < 0 {
			continue
		}
		generated := hotpCode(raw, uint64(counter))
		if subtle.ConstantTimeCompare([]byte(generated), []byte(token)) == 1 {
			return true, uint64(counter)
		}
	}

	return false, 0
}

func wellFormed(token string) bool {
	if len(token) != Digits {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return false
		}
	}
	return true
}

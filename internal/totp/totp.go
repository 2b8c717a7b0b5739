package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/security"
)

// RFC 6238 with the standard parameters: 30-second steps, 6 digits,
// HMAC-SHA1, one step of clock-skew tolerance either side.
const (
	Step      = 30 * time.Second
	Digits    = 6
	skewSteps = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a fresh 160-bit base32 secret.
func GenerateSecret() (string, error) {
	raw, err := security.RandomBytes(20)
	if err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth URI authenticator apps enroll from.
func ProvisioningURI(secret, account, issuer string) string {
	label := url.PathEscape(issuer + ":" + account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(Digits))
	q.Set("period", fmt.Sprint(int(Step.Seconds())))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// CodeAt computes the code for the step containing t. Exported for
// enrollment QA flows and tests.
func CodeAt(secret string, t time.Time) (string, error) {
	return hotp(secret, uint64(t.Unix())/uint64(Step.Seconds()))
}

// Verifier checks submitted codes and refuses replays: once a code for a
// time step is consumed for a secret, that step (and earlier ones) never
// verifies again.
type Verifier struct {
	mu       sync.Mutex
	consumed map[string]uint64 // secret -> highest consumed counter
	now      func() time.Time
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		consumed: make(map[string]uint64),
		now:      time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify accepts the code for the current step or the immediately
// adjacent steps. Fails with InvalidCode on mismatch or replay.
func (v *Verifier) Verify(secret, submitted string) error {
	submitted = strings.TrimSpace(submitted)
	if len(submitted) != Digits {
		return domain.ErrInvalidCode
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	counter := uint64(v.now().Unix()) / uint64(Step.Seconds())

	matched := uint64(0)
	found := false
	for offset := -skewSteps; offset <= skewSteps; offset++ {
		c := counter
		if offset < 0 {
			c -= uint64(-offset)
		} else {
			c += uint64(offset)
		}
		code, err := hotp(secret, c)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(submitted)) == 1 {
			matched = c
			found = true
			break
		}
	}
	if !found {
		return domain.ErrInvalidCode
	}
	if last, ok := v.consumed[secret]; ok && matched <= last {
		return domain.ErrInvalidCode // replay within the tolerance window
	}
	v.consumed[secret] = matched
	return nil
}

// Forget drops replay state for a secret, e.g. when 2FA is disabled.
func (v *Verifier) Forget(secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.consumed, secret)
}

func hotp(secret string, counter uint64) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", domain.ErrInvalidInput)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	// dynamic truncation per RFC 4226
	off := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", Digits, code%mod), nil
}

package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// RoomSource hands out a room's credential seed, only for a current
// occupant. Implemented by the room lifecycle manager.
type RoomSource interface {
	RelaySeed(roomID, peerID string) ([]byte, error)
}

type Credentials struct {
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Issuer mints ephemeral TURN credentials in the long-term-credential
// REST style: username is "<expiryUnix>:<roomId>:<peerId>", credential
// is base64(HMAC-SHA1(seed, username)). The TURN server verifies with
// the shared seed; expiry is embedded, so there is no revocation list.
//
// Timestamps are quantized to a bucket: two requests in the same bucket
// yield identical credentials, and they roll over with the bucket.
type Issuer struct {
	rooms  RoomSource
	urls   []string
	ttl    time.Duration
	bucket time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

func NewIssuer(rooms RoomSource, urls []string, ttl, bucket time.Duration, opts ...Option) *Issuer {
	i := &Issuer{
		rooms:  rooms,
		urls:   urls,
		ttl:    ttl,
		bucket: bucket,
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue fails with the room-source error (NotFound) when the room is not
// active or the peer holds no slot. Credentials cannot be derived from
// the public room id alone; the per-room seed never leaves the service.
func (i *Issuer) Issue(roomID, peerID string) (*Credentials, error) {
	seed, err := i.rooms.RelaySeed(roomID, peerID)
	if err != nil {
		return nil, err
	}

	bucketStart := i.now().Truncate(i.bucket)
	expiresAt := bucketStart.Add(i.ttl)

	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), roomID, peerID)
	mac := hmac.New(sha1.New, seed)
	mac.Write([]byte(username))

	urls := make([]string, len(i.urls))
	copy(urls, i.urls)

	return &Credentials{
		URLs:       urls,
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiresAt,
	}, nil
}

package steam

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// guardChars is Steam's two-factor code alphabet. Codes are five characters
// drawn from this set, not plain digits.
const guardChars = "23456789BCDFGHJKMNPQRTVWXY"

const guardCodeLen = 5

// GuardCode derives the time-based two-factor code for a base64-encoded
// shared secret at the given time. Codes rotate every 30 seconds.
func GuardCode(sharedSecret string, at time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.Unix()/30))

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	digest := mac.Sum(nil)

	start := digest[len(digest)-1] & 0x0f
	code := binary.BigEndian.Uint32(digest[start:start+4]) & 0x7fffffff

	out := make([]byte, guardCodeLen)
	for i := range out {
		out[i] = guardChars[code%uint32(len(guardChars))]
		code /= uint32(len(guardChars))
	}
	return string(out), nil
}

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	otpDigits      = 6
	otpSpace       = 1000000
	apiKeyBytes    = 32
	refreshTokenSz = 32
)

// RandomSource is the entropy used for codes, keys and refresh tokens.
// Production uses crypto/rand, tests can pass a deterministic reader.
type RandomSource = io.Reader

func defaultRandomSource() RandomSource {
	return rand.Reader
}

// GenerateOtpCode returns a zero padded, uniformly distributed six digit
// code. Rejection sampling keeps the modulo unbiased.
func GenerateOtpCode(src RandomSource) (string, error) {
	const limit = (1 << 32) - ((1 << 32) % otpSpace)

	buf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		n := uint64(binary.BigEndian.Uint32(buf))
		if n >= limit {
			continue
		}
		return fmt.Sprintf("%0*d", otpDigits, n%otpSpace), nil
	}
}

// GenerateAPIKey returns 32 random bytes, URL safe base64 without padding
func GenerateAPIKey(src RandomSource) (string, error) {
	return randomToken(src, apiKeyBytes)
}

// GenerateRefreshToken returns an opaque, unguessable refresh token
func GenerateRefreshToken(src RandomSource) (string, error) {
	return randomToken(src, refreshTokenSz)
}

func randomToken(src RandomSource, size int) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

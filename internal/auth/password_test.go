package auth

import (
	"strings"
	"testing"

	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pepper = []byte("hmac-pepper")

func TestHashAndVerify(t *testing.T) {
	for _, algorithm := range []string{config.HashArgon2, config.HashPBKDF2} {
		t.Run(algorithm, func(t *testing.T) {
			encoded, err := Hash(algorithm, "s3cret", pepper)
			require.NoError(t, err)

			got, err := Algorithm(encoded)
			require.NoError(t, err)
			assert.Equal(t, algorithm, got)

			ok, err := Verify(encoded, "s3cret", pepper)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = Verify(encoded, "wrong", pepper)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = Verify(encoded, "s3cret", []byte("other-pepper"))
			require.NoError(t, err)
			assert.False(t, ok)

			again, err := Hash(algorithm, "s3cret", pepper)
			require.NoError(t, err)
			assert.NotEqual(t, encoded, again, "salt must differ")
		})
	}
}

func TestHash_Prefixes(t *testing.T) {
	a, err := Hash(config.HashArgon2, "x", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "$argon2id$v=19$m=65536,t=3,p=4$"), a)

	p, err := Hash(config.HashPBKDF2, "x", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "$pbkdf2-sha512$i=210000$"), p)

	_, err = Hash("md5", "x", nil)
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument))
}

func TestVerify_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"no leading dollar", "argon2id$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA"},
		{"unknown algorithm", "$bcrypt$10$abc"},
		{"argon2 missing field", "$argon2id$v=19$m=1,t=1,p=1$c2FsdA"},
		{"argon2 bad version", "$argon2id$v=16$m=1,t=1,p=1$c2FsdA$aGFzaA"},
		{"argon2 bad params", "$argon2id$v=19$memory$c2FsdA$aGFzaA"},
		{"argon2 bad salt", "$argon2id$v=19$m=1,t=1,p=1$!!$aGFzaA"},
		{"pbkdf2 bad iterations", "$pbkdf2-sha512$n=10$c2FsdA$aGFzaA"},
		{"pbkdf2 zero iterations", "$pbkdf2-sha512$i=0$c2FsdA$aGFzaA"},
		{"pbkdf2 empty hash", "$pbkdf2-sha512$i=10$c2FsdA$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Verify(tt.encoded, "x", pepper)
			assert.False(t, ok)
			assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument), "got %v", err)
		})
	}
}

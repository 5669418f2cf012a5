// Package auth hashes and verifies the node's Basic authentication password.
//
// Passwords are peppered with HMAC_KEY before hashing, so a leaked config
// file alone is not enough to mount an offline attack. Hashes use a PHC-like
// encoding:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//	$pbkdf2-sha512$i=210000$<salt>$<hash>
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen = 16
	keyLen  = 32

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4

	pbkdf2Iterations = 210_000

	argon2Prefix = "argon2id"
	pbkdf2Prefix = "pbkdf2-sha512"
)

var b64 = base64.RawStdEncoding

// Hash derives an encoded hash of password with the given algorithm.
func Hash(algorithm, password string, pepper []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", rayerrors.InternalError("failed to generate salt", err)
	}
	secret := peppered(password, pepper)

	switch algorithm {
	case config.HashArgon2:
		key := argon2.IDKey(secret, salt, argon2Time, argon2Memory, argon2Threads, keyLen)
		return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
			argon2Prefix, argon2.Version, argon2Memory, argon2Time, argon2Threads,
			b64.EncodeToString(salt), b64.EncodeToString(key)), nil
	case config.HashPBKDF2:
		key := pbkdf2.Key(secret, salt, pbkdf2Iterations, keyLen, sha512.New)
		return fmt.Sprintf("$%s$i=%d$%s$%s",
			pbkdf2Prefix, pbkdf2Iterations, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
	default:
		return "", rayerrors.InvalidArgument("unsupported hashing algorithm", nil).WithDetail("algorithm", algorithm)
	}
}

// Algorithm reports which configured algorithm produced encoded.
func Algorithm(encoded string) (string, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) < 2 || parts[0] != "" {
		return "", malformed("missing algorithm")
	}
	switch parts[1] {
	case argon2Prefix:
		return config.HashArgon2, nil
	case pbkdf2Prefix:
		return config.HashPBKDF2, nil
	default:
		return "", malformed("unknown algorithm")
	}
}

// Verify reports whether password matches encoded. A malformed hash is an
// InvalidArgument error rather than a mismatch.
func Verify(encoded, password string, pepper []byte) (bool, error) {
	algorithm, err := Algorithm(encoded)
	if err != nil {
		return false, err
	}
	parts := strings.Split(encoded, "$")
	secret := peppered(password, pepper)

	var salt, want, got []byte
	switch algorithm {
	case config.HashArgon2:
		// "", argon2id, v=19, m=..,t=..,p=.., salt, hash
		if len(parts) != 6 {
			return false, malformed("argon2 hash must have 6 fields")
		}
		var version int
		if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
			return false, malformed("unsupported argon2 version")
		}
		var memory, time uint32
		var threads uint8
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
			return false, malformed("invalid argon2 parameters")
		}
		if salt, want, err = decodePair(parts[4], parts[5]); err != nil {
			return false, err
		}
		got = argon2.IDKey(secret, salt, time, memory, threads, uint32(len(want)))
	case config.HashPBKDF2:
		// "", pbkdf2-sha512, i=.., salt, hash
		if len(parts) != 5 {
			return false, malformed("pbkdf2 hash must have 5 fields")
		}
		iter, err := strconv.Atoi(strings.TrimPrefix(parts[2], "i="))
		if err != nil || iter <= 0 || !strings.HasPrefix(parts[2], "i=") {
			return false, malformed("invalid pbkdf2 iterations")
		}
		if salt, want, err = decodePair(parts[3], parts[4]); err != nil {
			return false, err
		}
		got = pbkdf2.Key(secret, salt, iter, len(want), sha512.New)
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func peppered(password string, pepper []byte) []byte {
	if len(pepper) == 0 {
		return []byte(password)
	}
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

func decodePair(saltB64, hashB64 string) ([]byte, []byte, error) {
	salt, err := b64.DecodeString(saltB64)
	if err != nil || len(salt) == 0 {
		return nil, nil, malformed("invalid salt")
	}
	hash, err := b64.DecodeString(hashB64)
	if err != nil || len(hash) == 0 {
		return nil, nil, malformed("invalid hash")
	}
	return salt, hash, nil
}

func malformed(reason string) *rayerrors.RayError {
	return rayerrors.InvalidArgument("malformed password hash", nil).WithDetail("reason", reason)
}

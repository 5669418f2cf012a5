// Package snapshot implements the signed envelope used by every file written
// through the write queue:
//
//	{"$data":{...},"$ttl":{...},"$signature":"<hex>","$metadata":{"signedAt":<ms>}}
//
// The signature is HMAC-SHA512 over the TTL table, every data entry (key and
// raw JSON, in key order), the namespace and signedAt. The serialized
// envelope is masked before it reaches disk.
package snapshot

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/mask"
)

// Metadata is the envelope's $metadata block.
type Metadata struct {
	SignedAt *int64 `json:"signedAt"`
}

// Envelope is the on-disk document.
type Envelope struct {
	Data      map[string]json.RawMessage `json:"$data"`
	TTL       map[string]int64           `json:"$ttl"`
	Signature string                     `json:"$signature"`
	Metadata  *Metadata                  `json:"$metadata"`
}

// Sign computes the hex signature for the given tables.
func Sign(hmacKey []byte, namespace string, ttl map[string]int64, data map[string]json.RawMessage, signedAt int64) (string, error) {
	if len(hmacKey) == 0 {
		return "", rayerrors.InvalidArgument("HMAC key must not be empty", nil)
	}
	if ttl == nil {
		ttl = map[string]int64{}
	}

	ttlJSON, err := json.Marshal(ttl)
	if err != nil {
		return "", rayerrors.SerializationFailure("failed to encode ttl table", err)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	mac := hmac.New(sha512.New, hmacKey)
	mac.Write(ttlJSON)
	mac.Write([]byte{':'})
	for i, k := range keys {
		if i > 0 {
			mac.Write([]byte{'|'})
		}
		mac.Write([]byte(k))
		mac.Write([]byte{'='})
		mac.Write(data[k])
	}
	mac.Write([]byte(namespace))
	mac.Write([]byte{'@'})
	mac.Write(strconv.AppendInt(nil, signedAt, 10))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Seal builds a signed envelope.
func Seal(hmacKey []byte, namespace string, ttl map[string]int64, data map[string]json.RawMessage, signedAt int64) (*Envelope, error) {
	if ttl == nil {
		ttl = map[string]int64{}
	}
	if data == nil {
		data = map[string]json.RawMessage{}
	}

	sig, err := Sign(hmacKey, namespace, ttl, data, signedAt)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Data:      data,
		TTL:       ttl,
		Signature: sig,
		Metadata:  &Metadata{SignedAt: &signedAt},
	}, nil
}

// Encode serializes and masks an envelope.
func Encode(env *Envelope, maskKey []byte) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, rayerrors.SerializationFailure("failed to encode snapshot", err)
	}
	return mask.Masked(payload, maskKey), nil
}

// Decode unmasks and parses raw without checking the signature. Field names
// must match exactly; unknown fields and missing blocks are CorruptedState.
func Decode(raw, maskKey []byte) (*Envelope, error) {
	top, err := decodeObject(mask.Masked(raw, maskKey), "$data", "$ttl", "$signature", "$metadata")
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(top["$data"], &env.Data); err != nil || env.Data == nil {
		return nil, rayerrors.CorruptedState("snapshot $data is not an object", err)
	}
	if err := json.Unmarshal(top["$ttl"], &env.TTL); err != nil || env.TTL == nil {
		return nil, rayerrors.CorruptedState("snapshot $ttl is not an object", err)
	}
	if err := json.Unmarshal(top["$signature"], &env.Signature); err != nil || env.Signature == "" {
		return nil, rayerrors.CorruptedState("snapshot $signature is invalid", err)
	}

	meta, err := decodeObject(top["$metadata"], "signedAt")
	if err != nil {
		return nil, err
	}
	var signedAt int64
	if err := json.Unmarshal(meta["signedAt"], &signedAt); err != nil {
		return nil, rayerrors.CorruptedState("snapshot $metadata.signedAt is invalid", err)
	}
	env.Metadata = &Metadata{SignedAt: &signedAt}

	return &env, nil
}

// decodeObject parses doc as a JSON object whose keys are exactly fields.
func decodeObject(doc []byte, fields ...string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))

	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, rayerrors.CorruptedState("malformed snapshot", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, rayerrors.CorruptedState("trailing data after snapshot", nil)
	}
	if obj == nil {
		return nil, rayerrors.CorruptedState("snapshot block is not an object", nil)
	}

	for _, f := range fields {
		if _, ok := obj[f]; !ok {
			return nil, rayerrors.CorruptedState(fmt.Sprintf("snapshot is missing %s", f), nil)
		}
	}
	if len(obj) != len(fields) {
		return nil, rayerrors.CorruptedState("snapshot has unexpected fields", nil)
	}
	return obj, nil
}

// Verify recomputes the signature of env for namespace.
func Verify(env *Envelope, hmacKey []byte, namespace string) error {
	want, err := Sign(hmacKey, namespace, env.TTL, env.Data, *env.Metadata.SignedAt)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return rayerrors.CorruptedState(fmt.Sprintf("snapshot signature mismatch for namespace %q", namespace), nil)
	}
	return nil
}

// Open decodes and verifies raw in one step.
func Open(raw, maskKey, hmacKey []byte, namespace string) (*Envelope, error) {
	env, err := Decode(raw, maskKey)
	if err != nil {
		return nil, err
	}
	if err := Verify(env, hmacKey, namespace); err != nil {
		return nil, err
	}
	return env, nil
}

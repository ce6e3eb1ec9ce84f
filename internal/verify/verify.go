package verify

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Version is the only fingerprint format version currently supported.
const Version uint16 = 0

// Fixed scrypt parameters. They are part of the protocol and must match
// every other client.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 2
	scryptKeyLen = 64
)

var pairwiseSalt = []byte{
	0x24, 0xca, 0xb1, 0x7a, 0x7a, 0xf8, 0xec, 0x2b,
	0x82, 0xb4, 0x12, 0xb9, 0x2d, 0xab, 0x19, 0x2e,
}

// Code layout used by clients.
const (
	MaxGroupSize = 8

	PairwiseCodeLength = 45
	PrivacyCodeLength  = 30
	CodeGroupSize      = 5
)

var (
	ErrUnsupportedVersion = errors.New("unsupported fingerprint version")
	ErrInvalidUserID      = errors.New("user id is not a numeric snowflake")
	ErrEmptyKey           = errors.New("key is empty")
	ErrInvalidCodeLayout  = errors.New("invalid displayable code layout")
)

// Fingerprint is a fixed-length digest of key material.
type Fingerprint []byte

// KeyFingerprint returns SHA-512 over the big-endian version, the key and
// the big-endian 64-bit user id.
func KeyFingerprint(version uint16, key []byte, userID string) (Fingerprint, error) {
	if version != Version {
		return nil, fmt.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	id, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", userID, ErrInvalidUserID)
	}

	data := make([]byte, 0, 2+len(key)+8)
	data = binary.BigEndian.AppendUint16(data, version)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint64(data, id)

	sum := sha512.Sum512(data)
	return sum[:], nil
}

// PairwiseFingerprint combines the key fingerprints of two users. The
// result does not depend on which user is passed first.
func PairwiseFingerprint(version uint16, keyA []byte, userA string, keyB []byte, userB string) (Fingerprint, error) {
	a, err := KeyFingerprint(version, keyA, userA)
	if err != nil {
		return nil, fmt.Errorf("first fingerprint: %w", err)
	}
	b, err := KeyFingerprint(version, keyB, userB)
	if err != nil {
		return nil, fmt.Errorf("second fingerprint: %w", err)
	}

	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	joined := make([]byte, 0, len(a)+len(b))
	joined = append(joined, a...)
	joined = append(joined, b...)

	out, err := scrypt.Key(joined, pairwiseSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pairwise fingerprint: %w", err)
	}
	return out, nil
}

// DisplayableCode renders the first desiredLength bytes of data as decimal
// digits, groupSize digits per groupSize-byte window.
func DisplayableCode(data []byte, desiredLength, groupSize int) (string, error) {
	if groupSize <= 0 || groupSize > MaxGroupSize {
		return "", fmt.Errorf("group size %d not in 1..%d: %w", groupSize, MaxGroupSize, ErrInvalidCodeLayout)
	}
	if desiredLength%groupSize != 0 {
		return "", fmt.Errorf("length %d is not a multiple of group size %d: %w", desiredLength, groupSize, ErrInvalidCodeLayout)
	}
	if len(data) < desiredLength {
		return "", fmt.Errorf("have %d bytes, need %d: %w", len(data), desiredLength, ErrInvalidCodeLayout)
	}

	var modulus uint64 = 1
	for range groupSize {
		modulus *= 10
	}

	var sb strings.Builder
	sb.Grow(desiredLength)
	for i := 0; i < desiredLength; i += groupSize {
		var group uint64
		for _, b := range data[i : i+groupSize] {
			group = group<<8 | uint64(b)
		}
		fmt.Fprintf(&sb, "%0*d", groupSize, group%modulus)
	}
	return sb.String(), nil
}

// PairwiseCode is the 45 digit code two users read to each other.
func PairwiseCode(version uint16, keyA []byte, userA string, keyB []byte, userB string) (string, error) {
	fp, err := PairwiseFingerprint(version, keyA, userA, keyB, userB)
	if err != nil {
		return "", err
	}
	return DisplayableCode(fp, PairwiseCodeLength, CodeGroupSize)
}

// PrivacyCode is the 30 digit code shared by every member of an epoch.
func PrivacyCode(epochAuthenticator []byte) (string, error) {
	return DisplayableCode(epochAuthenticator, PrivacyCodeLength, CodeGroupSize)
}

// Groups splits a code into space separated groups for display.
func Groups(code string, groupSize int) string {
	if groupSize <= 0 {
		return code
	}
	var parts []string
	for len(code) > groupSize {
		parts = append(parts, code[:groupSize])
		code = code[groupSize:]
	}
	parts = append(parts, code)
	return strings.Join(parts, " ")
}

package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDKind distinguishes the entity an opaque id was minted for.
type IDKind string

const (
	IDKindJob      IDKind = "job"
	IDKindPipeline IDKind = "pln"
	IDKindEvent    IDKind = "evt"
)

var idPattern = regexp.MustCompile(`^(job|pln|evt)_(\d{10})_([0-9a-f]{8})$`)

// GenerateID mints an id of the form "<kind>_<10-digit-unix-ts>_<8-hex-random>".
func GenerateID(kind IDKind) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	ts := time.Now().UTC().Unix()
	return fmt.Sprintf("%s_%010d_%s", kind, ts, hex.EncodeToString(buf)), nil
}

// ValidateID reports whether id matches the expected id grammar.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("malformed id: %q", id)
	}
	return nil
}

// ParseIDKind extracts the kind prefix of id.
func ParseIDKind(id string) (IDKind, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("malformed id: %q", id)
	}
	return IDKind(m[1]), nil
}

// ParseIDTimestamp extracts the embedded unix timestamp of id.
func ParseIDTimestamp(id string) (time.Time, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, fmt.Errorf("malformed id: %q", id)
	}
	sec, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse embedded timestamp: %w", err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

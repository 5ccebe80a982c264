package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDKind prefixes ids minted locally. Production ids come from the backend
// and are opaque.
type IDKind string

const (
	KindRequest IDKind = "req"
	KindCycle   IDKind = "cyc"
)

var localID = regexp.MustCompile(`^(req|cyc)_([0-9]{10})_[0-9a-f]{8}$`)

// NewRequestID names one inbox request when it is ordered.
func NewRequestID() string { return newID(KindRequest, time.Now()) }

// NewCycleID names one collector cycle.
func NewCycleID() string { return newID(KindCycle, time.Now()) }

func newID(kind IDKind, at time.Time) string {
	var b [4]byte
	// crypto/rand.Read never returns an error
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s_%010d_%s", kind, at.Unix(), hex.EncodeToString(b[:]))
}

// ParseID splits a local id into its kind and creation time.
func ParseID(id string) (IDKind, time.Time, error) {
	m := localID.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("malformed id %q", id)
	}
	sec, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("id %q: %w", id, err)
	}
	return IDKind(m[1]), time.Unix(sec, 0), nil
}

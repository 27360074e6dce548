// Package rendezvous lets two clients who have previously paired find each
// other again without coordination: both derive the same meeting-point
// tokens from their key pair and a time bucket, and leave encrypted dead
// drops at the daily points.
package rendezvous

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

const (
	dailyLabel  = "zajel_mp_daily_v1"
	hourlyLabel = "zajel_mp_hourly_v1"
)

// DayIndex buckets a time into days since the Unix epoch.
func DayIndex(t time.Time) uint64 {
	return uint64(t.Unix() / 86400)
}

// HourIndex buckets a time into hours since the Unix epoch.
func HourIndex(t time.Time) uint64 {
	return uint64(t.Unix() / 3600)
}

// DailyPoint derives the daily meeting point for a key pair. The two keys
// are ordered byte-wise before hashing so both peers derive the same token.
func DailyPoint(pkA, pkB []byte, day uint64) string {
	return derive(dailyLabel, pkA, pkB, day)
}

// HourlyToken derives the hourly live-match token for a key pair.
func HourlyToken(pkA, pkB []byte, hour uint64) string {
	return derive(hourlyLabel, pkA, pkB, hour)
}

// DailyWindow returns the day indices a client publishes for: yesterday,
// today and tomorrow, tolerating clock skew between peers.
func DailyWindow(now time.Time) []uint64 {
	d := DayIndex(now)
	return []uint64{d - 1, d, d + 1}
}

func derive(label string, pkA, pkB []byte, bucket uint64) string {
	lo, hi := canonicalOrder(pkA, pkB)

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], bucket)

	h := sha256.New()
	h.Write([]byte(label))
	h.Write(lo)
	h.Write(hi)
	h.Write(idx[:])
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalOrder returns the two byte slices in lexicographic order so both
// peers produce identical hash input.
func canonicalOrder(a, b []byte) (lo, hi []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// Package reference generates the opaque, prefix-typed identifiers
// attached to every financial record. A reference is
// <prefix><timestamp-code><sequence>: the 7-character timestamp code
// base-36 encodes (year offset, month, day, hour, minute) and the
// 3-character sequence comes from a daily counter in the shared counter
// store, so references sort roughly by creation time and decode back to
// the minute they were issued.
package reference

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

const (
	charset   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	base      = int64(len(charset))
	startYear = 2025

	// secureLength is the total length of a secure reference,
	// prefix included.
	secureLength = 16

	minBodyLength = 10
	sequenceTTL   = 24 * time.Hour
)

// Sequencer is the shared counter store behind daily sequence numbers.
type Sequencer interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type Generator struct {
	seq Sequencer
	now func() time.Time

	mu       sync.RWMutex
	prefixes map[string]string
}

// Entity types with registered prefixes.
const (
	EntityTransaction    = "transaction"
	EntityFraudAttempt   = "fraud_attempt"
	EntityFraudRule      = "fraud_rule"
	EntityModel          = "model"
	EntityUser           = "user"
	EntityWallet         = "wallet"
	EntityCard           = "card"
	EntityPaymentRequest = "payment_request"
	EntityLoan           = "loan"
	EntityRepayment      = "repayment"
	EntityForex          = "forex"
	EntityMpesa          = "mpesa"
	EntityBatch          = "batch"
	EntityRefund         = "refund"
)

func defaultPrefixes() map[string]string {
	return map[string]string{
		EntityTransaction:    "TXN",
		EntityFraudAttempt:   "FRD",
		EntityFraudRule:      "RUL",
		EntityModel:          "MOD",
		EntityUser:           "USR",
		EntityWallet:         "WLT",
		EntityCard:           "CRD",
		EntityPaymentRequest: "REQ",
		EntityLoan:           "LON",
		EntityRepayment:      "RPM",
		EntityForex:          "FX",
		EntityMpesa:          "MPE",
		EntityBatch:          "BCH",
		EntityRefund:         "RFN",
	}
}

func New(seq Sequencer) *Generator {
	return &Generator{
		seq:      seq,
		now:      time.Now,
		prefixes: defaultPrefixes(),
	}
}

// RegisterPrefix adds a prefix for a new entity type. Prefixes are 1-3
// uppercase letters; re-registering an entity type or reusing a prefix
// fails.
func (g *Generator) RegisterPrefix(entityType, prefix string) error {
	if len(prefix) < 1 || len(prefix) > 3 {
		return fmt.Errorf("RegisterPrefix: prefix must be 1-3 uppercase letters: %w", domain.ErrInvalidReference)
	}
	for _, c := range prefix {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("RegisterPrefix: prefix must be 1-3 uppercase letters: %w", domain.ErrInvalidReference)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.prefixes[entityType]; ok {
		return fmt.Errorf("RegisterPrefix: entity type %q already registered: %w", entityType, domain.ErrInvalidReference)
	}
	for _, existing := range g.prefixes {
		if existing == prefix {
			return fmt.Errorf("RegisterPrefix: prefix %q already in use: %w", prefix, domain.ErrInvalidReference)
		}
	}
	g.prefixes[entityType] = prefix
	return nil
}

func (g *Generator) prefixFor(entityType string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prefix, ok := g.prefixes[entityType]
	if !ok {
		return "", fmt.Errorf("prefixFor: entity type %q not registered: %w", entityType, domain.ErrInvalidReference)
	}
	return prefix, nil
}

// Generate produces a time-ordered reference for the entity type.
func (g *Generator) Generate(ctx context.Context, entityType string) (string, error) {
	prefix, err := g.prefixFor(entityType)
	if err != nil {
		return "", fmt.Errorf("Generate: %w", err)
	}

	now := g.now()
	sequence := baseEncode(g.nextSequence(ctx, prefix, now), 3)
	return prefix + encodeTimestamp(now) + sequence, nil
}

// GenerateSecure produces an unpredictable reference: a cryptographic
// digest of (prefix, timestamp code, 256-bit random) filtered to the
// charset. Used where unpredictability matters more than ordering.
func (g *Generator) GenerateSecure(entityType string) (string, error) {
	prefix, err := g.prefixFor(entityType)
	if err != nil {
		return "", fmt.Errorf("GenerateSecure: %w", err)
	}

	random := make([]byte, 32)
	cryptorand.Read(random)

	digest := sha256.Sum256([]byte(prefix + encodeTimestamp(g.now()) + hex.EncodeToString(random)))
	encoded := strings.ToUpper(hex.EncodeToString(digest[:]))

	var body strings.Builder
	for _, c := range encoded {
		if strings.ContainsRune(charset, c) {
			body.WriteRune(c)
		}
	}
	return prefix + body.String()[:secureLength-len(prefix)], nil
}

// Validate checks prefix membership, minimum body length, and that the
// timestamp portion decodes.
func (g *Generator) Validate(ref string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, prefix := range g.prefixes {
		if strings.HasPrefix(ref, prefix) {
			body := ref[len(prefix):]
			if len(body) < minBodyLength {
				return false
			}
			_, err := decodeTimestamp(body)
			return err == nil
		}
	}
	return false
}

// Timestamp inverts the encoding for any reference produced by
// Generate.
func (g *Generator) Timestamp(ref string) (time.Time, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, prefix := range g.prefixes {
		if strings.HasPrefix(ref, prefix) {
			ts, err := decodeTimestamp(ref[len(prefix):])
			if err != nil {
				return time.Time{}, fmt.Errorf("Timestamp: %w", err)
			}
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("Timestamp: no known prefix: %w", domain.ErrInvalidReference)
}

// nextSequence increments the (prefix, calendar day) counter. When the
// counter store is unreachable a random sequence keeps references
// flowing at the cost of ordering.
func (g *Generator) nextSequence(ctx context.Context, prefix string, now time.Time) int64 {
	key := fmt.Sprintf("ref_seq_%s_%s", prefix, now.Format("20060102"))

	sequence, err := g.seq.Incr(ctx, key)
	if err != nil {
		return rand.Int63n(9999) + 1
	}
	if sequence == 1 {
		_ = g.seq.Expire(ctx, key, sequenceTTL)
	}
	return sequence
}

// encodeTimestamp packs (year offset, month, day, hour, minute) into a
// fixed 7-character field: 2-char base-36 year offset, 1-char month,
// day as A-Z for 1-26 and 1-5 for 27-31, hour as A-X, 2-char base-36
// minute.
func encodeTimestamp(t time.Time) string {
	var day string
	if t.Day() <= 26 {
		day = string(rune('A' + t.Day() - 1))
	} else {
		day = string(rune('0' + t.Day() - 26))
	}
	hour := string(rune('A' + t.Hour()))

	return baseEncode(int64(t.Year()-startYear), 2) +
		baseEncode(int64(t.Month()), 1) +
		day +
		hour +
		baseEncode(int64(t.Minute()), 2)
}

func decodeTimestamp(body string) (time.Time, error) {
	if len(body) < 7 {
		return time.Time{}, fmt.Errorf("decodeTimestamp: %w", domain.ErrInvalidReference)
	}

	yearOffset, err := baseDecode(body[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("decodeTimestamp: %w", err)
	}
	month, err := baseDecode(body[2:3])
	if err != nil {
		return time.Time{}, fmt.Errorf("decodeTimestamp: %w", err)
	}

	var day int
	dayCode := body[3]
	switch {
	case dayCode >= 'A' && dayCode <= 'Z':
		day = int(dayCode-'A') + 1
	case dayCode >= '1' && dayCode <= '5':
		day = 26 + int(dayCode-'0')
	default:
		return time.Time{}, fmt.Errorf("decodeTimestamp: bad day code %q: %w", dayCode, domain.ErrInvalidReference)
	}

	hourCode := body[4]
	if hourCode < 'A' || hourCode > 'X' {
		return time.Time{}, fmt.Errorf("decodeTimestamp: bad hour code %q: %w", hourCode, domain.ErrInvalidReference)
	}
	hour := int(hourCode - 'A')

	minute, err := baseDecode(body[5:7])
	if err != nil {
		return time.Time{}, fmt.Errorf("decodeTimestamp: %w", err)
	}

	if month < 1 || month > 12 || minute > 59 {
		return time.Time{}, fmt.Errorf("decodeTimestamp: out of range: %w", domain.ErrInvalidReference)
	}

	ts := time.Date(startYear+int(yearOffset), time.Month(month), day, hour, int(minute), 0, 0, time.UTC)
	if ts.Day() != day || ts.Month() != time.Month(month) {
		// time.Date normalizes impossible dates like Feb 30.
		return time.Time{}, fmt.Errorf("decodeTimestamp: impossible date: %w", domain.ErrInvalidReference)
	}
	return ts, nil
}

func baseEncode(n int64, minLength int) string {
	if n == 0 {
		return strings.Repeat(string(charset[0]), minLength)
	}

	var encoded []byte
	for n > 0 {
		encoded = append([]byte{charset[n%base]}, encoded...)
		n /= base
	}
	for len(encoded) < minLength {
		encoded = append([]byte{charset[0]}, encoded...)
	}
	return string(encoded)
}

func baseDecode(s string) (int64, error) {
	var n int64
	for _, c := range s {
		idx := strings.IndexRune(charset, c)
		if idx < 0 {
			return 0, fmt.Errorf("baseDecode: character %q outside charset: %w", c, domain.ErrInvalidReference)
		}
		n = n*base + int64(idx)
	}
	return n, nil
}

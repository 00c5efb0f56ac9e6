// Package cursor defines the version tokens stamped on every mutation of a
// syncable row, and the wire form used when tokens travel as ack cursors.
//
// Tokens are ULIDs: time-ordered unique ids whose canonical 26-character
// encoding compares lexicographically in issuance order. Tokens are
// comparable within one entity kind; the engine never compares tokens across
// kinds.
package cursor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Token is an opaque, totally ordered version token. The zero value means
// "never synced".
type Token string

// Zero is the absent token.
const Zero Token = ""

// Compare returns -1 if t was issued before other, 0 if equal, 1 if after.
// The zero token compares before every issued token.
func (t Token) Compare(other Token) int {
	switch {
	case t < other:
		return -1
	case t > other:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether t is the absent token.
func (t Token) IsZero() bool { return t == Zero }

func (t Token) String() string { return string(t) }

// Time returns the issuance timestamp embedded in the token.
// The zero token maps to the zero time.
func (t Token) Time() time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	id, err := ulid.ParseStrict(string(t))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// Parse validates s as a token. The empty string parses to the zero token.
func Parse(s string) (Token, error) {
	if s == "" {
		return Zero, nil
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return Zero, fmt.Errorf("invalid token %q: %w", s, err)
	}
	return Token(s), nil
}

// AtTime returns the smallest token with the given timestamp. It is used to
// translate wall-clock bounds (tombstone deletion times, legacy delta
// windows) into the token order.
func AtTime(ts time.Time) Token {
	id, err := ulid.New(ulid.Timestamp(ts.UTC()), zeroEntropy{})
	if err != nil {
		// Timestamps beyond the ULID epoch range cannot occur for real
		// deletion times; clamp to the maximum token instead of failing.
		return Token("7ZZZZZZZZZZZZZZZZZZZZZZZZZ")
	}
	return Token(id.String())
}

type zeroEntropy struct{}

func (zeroEntropy) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Clock issues strictly increasing tokens. It is the version clock the
// storage layer stamps onto rows; issuance is serialized so that two calls
// never produce equal or reordered tokens.
type Clock struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
	lastMS  uint64
}

// NewClock creates a Clock backed by monotonic ULID entropy.
func NewClock() *Clock {
	seed := time.Now().UnixNano()
	return &Clock{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:     time.Now,
	}
}

// Next issues the next token. Tokens from one Clock are strictly increasing
// even if the wall clock steps backwards.
func (c *Clock) Next() Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := ulid.Timestamp(c.now().UTC())
	if ms < c.lastMS {
		ms = c.lastMS
	}
	c.lastMS = ms
	id := ulid.MustNew(ms, c.entropy)
	return Token(id.String())
}

// --- Wire form ---

// Cursor kinds understood by this server. Unknown kinds surface as
// "version scheme no longer understood" to the caller.
const KindULID = "ulid"

// Codec marshals one cursor kind to and from its wire payload.
type Codec interface {
	Kind() string
	Marshal(t Token) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Token, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[kind]
	return c, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 4 * 1024

// WireCursor is the typed union for transport.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// ErrUnknownKind marks a cursor kind this server no longer understands.
var ErrUnknownKind = errors.New("unknown cursor kind")

func MarshalWire(t Token) (*WireCursor, error) {
	codec, ok := Lookup(KindULID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, KindULID)
	}
	data, err := codec.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) (Token, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return Zero, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

type ulidCodec struct{}

func (ulidCodec) Kind() string { return KindULID }

func (ulidCodec) Marshal(t Token) (json.RawMessage, error) {
	return json.Marshal(string(t))
}

func (ulidCodec) Unmarshal(data json.RawMessage) (Token, error) {
	var s string
	if err := json.Unmarshal(bytes.TrimSpace(data), &s); err != nil {
		return Zero, err
	}
	return Parse(s)
}

// InitDefaultCodecs registers the cursor kinds this server speaks.
func InitDefaultCodecs() {
	Register(ulidCodec{})
}

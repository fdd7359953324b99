package job

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique job identifiers.
type IDGenerator interface {
	NextID() string
}

// SequenceGenerator issues ids derived from the current time in milliseconds.
// Consecutive ids are strictly increasing even when the clock does not move.
// An optional suffix distinguishes several service instances.
type SequenceGenerator struct {
	mu     sync.Mutex
	last   int64
	suffix string
	now    func() time.Time
}

// NewSequenceGenerator creates a generator. An empty suffix uses the host
// name; pass "-" to disable the suffix.
func NewSequenceGenerator(suffix string) *SequenceGenerator {
	if suffix == "" {
		suffix = hostSuffix()
	}
	if suffix == "-" {
		suffix = ""
	}
	return &SequenceGenerator{suffix: suffix, now: time.Now}
}

// NextID returns the next identifier.
func (g *SequenceGenerator) NextID() string {
	g.mu.Lock()
	n := max(g.now().UnixMilli(), g.last+1)
	g.last = n
	g.mu.Unlock()

	id := strconv.FormatInt(n, 10)
	if g.suffix != "" {
		id += "-" + g.suffix
	}
	return id
}

func hostSuffix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "-"
	}
	host, _, _ = strings.Cut(host, ".")
	return host
}

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

// NextID returns a new UUID string.
func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}

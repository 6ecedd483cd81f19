// Package idgen produces 64-bit Snowflake ids and their short base-62 codes.
//
// Layout, high to low: 41 bits of milliseconds since Epoch, 5 bits datacenter,
// 5 bits worker, 12 bits sequence. The datacenter and worker pair together form
// the 10-bit node field of github.com/bwmarrin/snowflake, so snowflake.ID
// accessors decode what this package encodes.
package idgen

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"urlshortener/utils"
)

// Epoch is 2024-01-01T00:00:00Z in milliseconds.
const Epoch int64 = 1704067200000

// snowflake.ID.Time reads the package-level epoch.
func init() {
	snowflake.Epoch = Epoch
}

const (
	sequenceBits   = 12
	workerBits     = 5
	datacenterBits = 5

	maxSequence   = 1<<sequenceBits - 1
	maxWorker     = 1<<workerBits - 1
	maxDatacenter = 1<<datacenterBits - 1

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits

	// MaxClockDrift is how far the clock may step back before Generate fails.
	MaxClockDrift = 10 * time.Millisecond
)

// ErrClockRegression is returned when the clock moved back beyond MaxClockDrift.
var ErrClockRegression = errors.New("idgen: clock moved backwards")

// GeneratedCode is an id and its text form.
type GeneratedCode struct {
	ID   snowflake.ID
	Text string
}

// Generator is safe for concurrent use.
type Generator struct {
	datacenterID int64
	workerID     int64
	minLength    int
	now          func() int64

	mu            sync.Mutex
	lastTimestamp int64
	sequence      int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the millisecond clock. Tests use it to simulate drift.
func WithClock(now func() int64) Option {
	return func(g *Generator) { g.now = now }
}

// WithMinLength sets the minimum length of generated codes (default 6).
func WithMinLength(n int) Option {
	return func(g *Generator) { g.minLength = n }
}

func New(datacenterID, workerID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > maxDatacenter {
		return nil, fmt.Errorf("datacenter id %d out of range [0, %d]", datacenterID, maxDatacenter)
	}
	if workerID < 0 || workerID > maxWorker {
		return nil, fmt.Errorf("worker id %d out of range [0, %d]", workerID, maxWorker)
	}
	g := &Generator{
		datacenterID:  datacenterID,
		workerID:      workerID,
		minLength:     6,
		now:           func() int64 { return time.Now().UnixMilli() },
		lastTimestamp: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate returns the next id. It waits out clock steps of up to
// MaxClockDrift and fails with ErrClockRegression on larger ones.
func (g *Generator) Generate() (GeneratedCode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTimestamp {
		drift := time.Duration(g.lastTimestamp-ts) * time.Millisecond
		if drift > MaxClockDrift {
			return GeneratedCode{}, fmt.Errorf("%w: by %s", ErrClockRegression, drift)
		}
		for ts < g.lastTimestamp {
			time.Sleep(time.Duration(g.lastTimestamp-ts) * time.Millisecond)
			ts = g.now()
		}
	}

	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ts <= g.lastTimestamp {
				runtime.Gosched()
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	id := (ts-Epoch)<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.workerID<<workerShift |
		g.sequence
	return GeneratedCode{
		ID:   snowflake.ID(id),
		Text: utils.Base62Encode(uint64(id), g.minLength),
	}, nil
}

// NodeID is the 10-bit node field the generator stamps into ids.
func (g *Generator) NodeID() int64 {
	return g.datacenterID<<workerBits | g.workerID
}

// Decode splits an id back into its fields.
func Decode(id snowflake.ID) (at time.Time, datacenterID, workerID, sequence int64) {
	at = time.UnixMilli(int64(id)>>timestampShift + Epoch)
	node := id.Node()
	return at, node >> workerBits, node & maxWorker, id.Step()
}

// ParseCode decodes a text code back into an id.
func ParseCode(code string) (snowflake.ID, error) {
	n, err := utils.Base62Decode(code)
	if err != nil {
		return 0, err
	}
	return snowflake.ID(n), nil
}

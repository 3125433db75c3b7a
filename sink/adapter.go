package sink

import (
	"fmt"
	"sort"
	"time"
)

// Frame is one encoded record on its way out of the pipeline.
type Frame struct {
	Queue     string
	ID        string // record id, for downstream dedup
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Adapter is the common behaviour every sink exposes. Push may be called
// from several split goroutines at once.
type Adapter interface {
	Configure(any) error // driver-specific YAML ⇒ struct
	Push(*Frame) error   // consume one frame
	Close() error        // idempotent
}

// Flusher is *optional*; sinks that buffer or write asynchronously
// implement it. The pipeline flushes every sink before it takes a
// checkpoint, so a finalized checkpoint never acknowledges a frame the sink
// could still lose.
type Flusher interface {
	Flush() error
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

// Names lists the registered sinks.
func Names() []string {
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

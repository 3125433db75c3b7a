// sluice/sink/stdout/driver.go
package stdout

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"sluice/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	PrintCounter  bool `yaml:"print_counter"`   // prepend seq#
	PrintValue    bool `yaml:"print_value"`     // append the encoded value
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = no limit

	Writer io.Writer `yaml:"-"` // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu sync.Mutex // guards w
	w  *bufio.Writer
}

var seq uint64

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	d.cfg = c
	d.w = bufio.NewWriter(c.Writer)
	return nil
}

func (d *driver) Push(f *sink.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return fmt.Errorf("stdout-sink: not configured")
	}

	if d.cfg.PrintCounter {
		fmt.Fprintf(d.w, "[sink %06d] ", atomic.AddUint64(&seq, 1))
	} else {
		d.w.WriteString("[sink] ")
	}
	fmt.Fprintf(d.w, "%s@%s bytes=%d", f.Queue, f.ID, len(f.Value))
	if d.cfg.PrintValue {
		v := f.Value
		if n := d.cfg.ValueMaxBytes; n > 0 && len(v) > n {
			v = v[:n]
		}
		fmt.Fprintf(d.w, " value=%q", v)
	}
	return d.w.WriteByte('\n')
}

/* ────────── sink.Flusher ────────── */
func (d *driver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	return d.w.Flush()
}

func (d *driver) Close() error { return d.Flush() }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}

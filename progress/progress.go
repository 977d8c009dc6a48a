package progress

import (
	"log/slog"
	"sync"

	"github.com/pterm/pterm"
)

// Bar shows trainer progress on an interactive terminal.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	title   string
	enabled bool
}

// New creates a progress bar if logLevel is "info". Other levels keep the
// terminal free for log output.
func New(title string, logLevel string) *Bar {
	return &Bar{title: title, enabled: logLevel == "info"}
}

// Update moves the bar to processed out of total, starting it on first use.
func (b *Bar) Update(processed, total int) {
	if !b.enabled || total <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(b.title).
			Start()
		if err != nil {
			b.enabled = false
			return
		}
		b.pb = pb
	}

	if delta := processed - b.pb.Current; delta > 0 {
		b.pb.Add(delta)
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println(b.title + " complete!")
}

// LogFunc reports progress through logger in steps of ten percent, for
// non-interactive runs.
func LogFunc(logger *slog.Logger, label string) func(processed, total int) {
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(processed, total int) {
		if logger == nil || total <= 0 {
			return
		}
		percent := processed * 100 / total

		mu.Lock()
		defer mu.Unlock()
		// A new training run starts from zero again.
		if percent < last {
			last = -1
		}
		if percent/10 <= last/10 && last >= 0 {
			return
		}
		last = percent
		logger.Info("training progress", "label", label, "processed", processed, "total", total, "percent", percent)
	}
}

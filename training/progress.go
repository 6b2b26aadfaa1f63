package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tsawler/go-detect/model"
)

// ProgressBar renders a single-line, carriage-return updated progress bar.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	now         func() time.Time
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30, // Character width of progress bar
		showRate:    true,
		now:         time.Now,
	}
}

// SetDescription replaces the text printed before the bar.
func (pb *ProgressBar) SetDescription(description string) {
	pb.description = description
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int) {
	pb.current = step
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}
	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// TrainHeader is the column header printed before every training epoch.
func TrainHeader() string {
	return fmt.Sprintf("%10s%10s%10s%10s%10s", "epoch", "memory", "box", "cls", "dfl")
}

// TrainStatus formats the running averages of an epoch under TrainHeader.
func TrainStatus(epoch, epochs int, memory string, box, cls, dfl float64) string {
	return fmt.Sprintf("%10s%10s%10.3g%10.3g%10.3g", fmt.Sprintf("%d/%d", epoch, epochs), memory, box, cls, dfl)
}

// EvalHeader is the column header of the evaluation pass.
func EvalHeader() string {
	return fmt.Sprintf("%10s%10s%10s%10s%10s", "", "precision", "recall", "mAP50", "mAP")
}

// EvalStatus formats an evaluation result under EvalHeader.
func EvalStatus(r EvalResult) string {
	return fmt.Sprintf("%10s%10.3g%10.3g%10.3g%10.3g", "", r.Precision, r.Recall, r.MAP50, r.MAP)
}

// ProfilePrinter prints the size and cost of a model.
type ProfilePrinter struct {
	out io.Writer
}

// NewProfilePrinter creates a new profile printer
func NewProfilePrinter(out io.Writer) *ProfilePrinter {
	return &ProfilePrinter{out: out}
}

// Print writes the class count, parameter count and forward FLOPs of m.
func (p *ProfilePrinter) Print(m model.Module) {
	params := model.CountParameters(m.Parameters())
	fmt.Fprintf(p.out, "params amount: %d\n", m.NumClasses())
	fmt.Fprintf(p.out, "Number of parameters: %s\n", formatCount(float64(params)))
	fmt.Fprintf(p.out, "Number of FLOPs: %s\n", formatCount(float64(2*m.FLOPs())))
}

// formatCount formats a count with K/M/G suffixes and three decimals.
func formatCount(v float64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("%.3fT", v/1e12)
	case v >= 1e9:
		return fmt.Sprintf("%.3fG", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.3fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.3fK", v/1e3)
	}
	return fmt.Sprintf("%.3fB", v)
}

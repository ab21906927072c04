package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/liamg/connscan/scan"
	"github.com/schollz/progressbar/v3"
)

var (
	okColor    = color.New(color.FgGreen)
	failColor  = color.New(color.FgRed)
	titleColor = color.New(color.Bold, color.Underline)
	errorColor = color.New(color.Bold, color.FgRed, color.Underline)
)

// printError renders a fault with the *** marker.
func printError(w io.Writer, msg string) {
	fmt.Fprintf(w, "***%s***\n", errorColor.Sprint(msg))
}

// reporter prints results as they arrive.
type reporter struct {
	out     io.Writer
	reasons bool
	bar     *progressbar.ProgressBar
}

func newReporter(out io.Writer, reasons bool) *reporter {
	return &reporter{
		out:     out,
		reasons: reasons,
	}
}

func (r *reporter) banner(target scan.Target, ports scan.PortRange, device *scan.Device, start time.Time) {
	rule := strings.Repeat("*", 50)

	failColor.Fprintln(r.out, rule)
	fmt.Fprintln(r.out, titleColor.Sprintf("Scanning Target: %s", target))
	fmt.Fprintf(r.out, "Ports: %s\n", ports)
	if device != nil && !device.IsZero() {
		if device.MAC != "" {
			fmt.Fprintf(r.out, "%-14s %s\n", "MAC:", device.MAC)
		}
		if device.Manufacturer != "" {
			fmt.Fprintf(r.out, "%-14s %s\n", "Manufacturer:", device.Manufacturer)
		}
		if device.Name != "" {
			fmt.Fprintf(r.out, "%-14s %s\n", "Name:", device.Name)
		}
	}
	fmt.Fprintf(r.out, "Time Started: %s\n", start.Format("2006-01-02 15:04:05"))
	failColor.Fprintln(r.out, rule)
}

func (r *reporter) result(res scan.PortResult) {
	if r.bar != nil {
		_ = r.bar.Clear()
	}

	var line string
	switch res.State {
	case scan.PortOpen:
		line = fmt.Sprintf("Port %d : [%s]", res.Port, okColor.Sprint(res.State))
	case scan.PortClosedOrFiltered:
		line = fmt.Sprintf("Port %d : [%s]", res.Port, failColor.Sprint(res.State))
	default:
		printError(r.out, fmt.Sprintf("Port %d : %s", res.Port, res.Reason))
		return
	}

	if service := scan.DescribePort(res.Port); service != "" {
		line = fmt.Sprintf("%s %s", line, service)
	}
	if r.reasons && res.Reason != "" {
		line = fmt.Sprintf("%s (%s)", line, res.Reason)
	}
	fmt.Fprintln(r.out, line)
}

func (r *reporter) summary(status scan.Status, summary scan.Summary) {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
	switch status {
	case scan.StatusCancelled:
		fmt.Fprintln(r.out, "\nExiting due to keyboard interruption...")
		fmt.Fprintf(r.out, "Scan cancelled after %s.\n", summary)
	case scan.StatusCompleted:
		fmt.Fprintf(r.out, "\nScan complete: %s.\n", summary)
	}
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan]scanning[reset]"),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// trackProgress polls the session counters until the returned stop func is
// called.
func trackProgress(bar *progressbar.ProgressBar, session *scan.Session) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(100 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Set(session.Summary().Scanned)
			}
		}
	}()
	return func() { close(done) }
}

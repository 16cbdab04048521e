package output

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// FormatBytes renders a byte count in the largest sensible unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < 0 {
		n = 0
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed renders average throughput over elapsed wall time.
func FormatSpeed(n int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	bps := int64(float64(n) / elapsed.Seconds())
	return FormatBytes(bps) + "/s"
}

// FormatETA projects the remaining time from the average rate so far.
func FormatETA(done, total int64, elapsed time.Duration) string {
	if done <= 0 || total <= 0 || done >= total {
		return "--"
	}
	rate := float64(done) / elapsed.Seconds()
	if rate <= 0 {
		return "--"
	}
	left := time.Duration(float64(total-done)/rate) * time.Second
	return left.Round(time.Second).String()
}

// ProgressBar renders a fixed-width bar with a percentage.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	var b strings.Builder
	b.WriteString(StyleSymbols["bullet"])
	b.WriteString(strings.Repeat(StyleSymbols["hline"], filled))
	b.WriteString(strings.Repeat(" ", width-filled))
	b.WriteString(StyleSymbols["bullet"])
	return debugStyle.Render(fmt.Sprintf("%s %.1f%%", b.String(), percent*100))
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// wrapText splits a long line so indented redraws never spill over and throw
// the line accounting off.
func wrapText(text string, indent int) []string {
	maxWidth := getTerminalWidth() - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	current := ""
	width := 0
	for _, r := range text {
		if width+1 > maxWidth {
			lines = append(lines, current)
			current = string(r)
			width = 1
			continue
		}
		current += string(r)
		width++
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// Package ui renders the proxy's terminal output: a startup banner, a
// grouped configuration summary, timestamped status lines, and one-line
// relay summaries. Output verbosity is controlled by SetLevel; debug lines
// are suppressed unless the configured log level asks for them.
package ui

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

var (
	clrDim    = color.New(color.FgHiBlack)
	clrSubtle = color.New(color.FgWhite)

	clrPrimary = color.New(color.FgMagenta, color.Bold)
	clrAccent  = color.New(color.FgCyan, color.Bold)

	clrSuccess = color.New(color.FgGreen)
	clrError   = color.New(color.FgRed)
	clrWarning = color.New(color.FgYellow)
	clrInfo    = color.New(color.FgBlue)

	badgePrimary = color.New(color.BgMagenta, color.FgWhite, color.Bold)
)

const (
	boxTopLeft     = "╭"
	boxTopRight    = "╮"
	boxBottomLeft  = "╰"
	boxBottomRight = "╯"
	boxHorizontal  = "─"
	boxVertical    = "│"
)

const bannerWidth = 60

// Log levels, ordered by verbosity. The zero value is levelInfo so an
// unconfigured logger behaves sensibly.
const (
	levelInfo int32 = iota
	levelDebug
)

var logLevel atomic.Int32

// SetLevel switches the logger's verbosity. Recognized values are "debug"
// and "info"; anything else is treated as "info".
func SetLevel(level string) {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		logLevel.Store(levelDebug)
		return
	}
	logLevel.Store(levelInfo)
}

// PrintBanner displays the startup header box.
func PrintBanner() {
	fmt.Println()

	badge := badgePrimary.Sprint(" ◆ SNIPROXY ")
	version := clrDim.Sprint("v1.0.0")

	fmt.Println(clrDim.Sprint(boxTopLeft + strings.Repeat(boxHorizontal, bannerWidth) + boxTopRight))
	bannerLine(badge + " " + version)
	bannerLine(clrSubtle.Sprint("SNI / Host dispatch proxy"))
	fmt.Println(clrDim.Sprint(boxBottomLeft + strings.Repeat(boxHorizontal, bannerWidth) + boxBottomRight))
	fmt.Println()
}

func bannerLine(content string) {
	pad := bannerWidth - 2 - visibleWidth(content)
	if pad < 0 {
		pad = 0
	}
	fmt.Printf("%s  %s%s%s\n",
		clrDim.Sprint(boxVertical),
		content,
		strings.Repeat(" ", pad),
		clrDim.Sprint(boxVertical))
}

// visibleWidth counts runes that will occupy a terminal column, skipping
// ANSI escape sequences.
func visibleWidth(s string) int {
	width := 0
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == 0x1b:
			inEscape = true
		default:
			width++
		}
	}
	return width
}

// LogStatus prints one timestamped status line. Categories: "success",
// "error", "warn", "info", "debug". Debug lines are dropped unless
// SetLevel("debug") was called.
func LogStatus(category, message string) {
	if category == "debug" && logLevel.Load() != levelDebug {
		return
	}

	ts := clrDim.Sprint(time.Now().Format("15:04:05"))

	var icon, styledMsg string
	switch category {
	case "success":
		icon = clrSuccess.Sprint("✔")
		styledMsg = clrSuccess.Sprint(message)
	case "error":
		icon = clrError.Sprint("✖")
		styledMsg = clrError.Sprint(message)
	case "warn":
		icon = clrWarning.Sprint("⚠")
		styledMsg = clrWarning.Sprint(message)
	case "info":
		icon = clrInfo.Sprint("ℹ")
		styledMsg = clrSubtle.Sprint(message)
	default:
		icon = clrDim.Sprint("●")
		styledMsg = clrDim.Sprint(message)
	}

	fmt.Printf("%s  %s  %s\n", ts, icon, styledMsg)
}

// LogGroup starts a boxed block of related lines, closed by LogGroupEnd.
func LogGroup(title string) {
	fmt.Println()
	width := bannerWidth - 6 - len(title)
	if width < 0 {
		width = 0
	}
	fmt.Println(clrDim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, 2)) +
		" " + clrPrimary.Sprint(title) + " " +
		clrDim.Sprint(strings.Repeat(boxHorizontal, width)+boxTopRight))
}

// LogGroupItem prints one "label: value" line inside a group.
func LogGroupItem(label, value string) {
	fmt.Printf("%s  %s %s\n",
		clrDim.Sprint(boxVertical),
		clrDim.Sprint(label+":"),
		clrAccent.Sprint(value))
}

// LogGroupEnd closes the block opened by LogGroup.
func LogGroupEnd() {
	fmt.Println(clrDim.Sprint(boxBottomLeft + strings.Repeat(boxHorizontal, bannerWidth-2) + boxBottomRight))
	fmt.Println()
}

// LogRelay prints a one-line summary of a finished relay: routed hostname,
// client address, and bytes moved each way.
func LogRelay(host, clientAddr string, up, down int64) {
	ts := clrDim.Sprint(time.Now().Format("15:04:05"))

	fmt.Printf("%s  %s  %s  %s  %s %s  %s %s\n",
		ts,
		clrSuccess.Sprint("→"),
		clrAccent.Sprintf("%-28s", host),
		clrDim.Sprintf("%-16s", clientAddr),
		clrDim.Sprint("↑"), clrSubtle.Sprintf("%-8s", formatBytes(up)),
		clrDim.Sprint("↓"), clrSubtle.Sprintf("%-8s", formatBytes(down)))
}

// PrintFooter prints a dim closing line, used once at shutdown.
func PrintFooter(message string) {
	fmt.Println()
	fmt.Printf("  %s %s\n", clrDim.Sprint("▸"), clrDim.Sprint(message))
}

func formatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%dB", b)
	}
	if b < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	}
	if b < 1024*1024*1024 {
		return fmt.Sprintf("%.1fMB", float64(b)/(1024*1024))
	}
	return fmt.Sprintf("%.1fGB", float64(b)/(1024*1024*1024))
}

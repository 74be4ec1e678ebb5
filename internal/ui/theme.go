package ui

import "github.com/fatih/color"

// Styled-text helpers for inline emphasis within a larger log line, kept
// separate from LogStatus so callers can highlight a single word. They
// respect NO_COLOR through fatih/color's global handling.

// Success returns success-styled text.
func Success(format string, a ...interface{}) string {
	return color.New(color.FgGreen).Sprintf(format, a...)
}

// Warn returns warning-styled text.
func Warn(format string, a ...interface{}) string {
	return color.New(color.FgYellow).Sprintf(format, a...)
}

// Muted returns secondary/hint text.
func Muted(format string, a ...interface{}) string {
	return color.New(color.FgHiBlack).Sprintf(format, a...)
}

package main

import (
	"fmt"
	"os"
)

// ANSI escape sequences for CLI output. Status and progress lines go to
// stderr so stdout carries only recall context and JSON.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// colorize wraps text in an ANSI style unless --no-color is set.
func colorize(style, text string) string {
	if noColor {
		return text
	}
	return style + text + ansiReset
}

// printTagged renders one stderr line prefixed with a styled marker glyph.
func printTagged(style, tag, format string, args ...any) {
	line := tag + " " + fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(style, line))
}

func printSuccess(format string, args ...any) { printTagged(ansiGreen, "✓", format, args...) }

func printError(format string, args ...any) { printTagged(ansiRed, "✗", format, args...) }

func printWarning(format string, args ...any) { printTagged(ansiYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { printTagged(ansiCyan, "→", format, args...) }

// printStatus renders one "label: value" line of the status report.
func printStatus(label, format string, args ...any) {
	value := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), value)
}

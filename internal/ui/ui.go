// Package ui prints colored terminal status lines for the CLI.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

const headerWidth = 60

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	stepColor    = color.New(color.FgBlue)
	successColor = color.New(color.FgGreen)
	infoColor    = color.New(color.FgWhite)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// Header prints a centered section header.
func Header(text string) {
	headerColor.Fprintln(os.Stderr, center(text, headerWidth))
	headerColor.Fprintln(os.Stderr, strings.Repeat("=", headerWidth))
}

// Step prints a numbered pipeline step.
func Step(current, total int, text string) {
	stepColor.Fprintf(os.Stderr, "[%d/%d] %s\n", current, total, text)
}

// Success prints a completed-action line.
func Success(text string) {
	successColor.Fprintf(os.Stderr, "✓ %s\n", text)
}

// Info prints a neutral status line.
func Info(text string) {
	infoColor.Fprintf(os.Stderr, "  %s\n", text)
}

// Warning prints a warning line.
func Warning(text string) {
	warningColor.Fprintf(os.Stderr, "! %s\n", text)
}

// Error prints an error line.
func Error(text string) {
	errorColor.Fprintf(os.Stderr, "✗ %s\n", text)
}

// center left-pads text toward the middle of the given width. Text wider
// than the width is returned unchanged.
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return fmt.Sprintf("%s%s", strings.Repeat(" ", padding), text)
}

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // light grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
	labelStyle   = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("13"))  // purple
)

func printSuccess(text string) {
	fmt.Println(successStyle.Render("✓ " + text))
}

func printError(text string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+text))
}

func printWarning(text string) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("! "+text))
}

func printInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

func printHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

// printField prints an aligned "label value" line, skipping empty values
func printField(label, value string) {
	if value == "" {
		return
	}
	fmt.Println(labelStyle.Render(label) + detailStyle.Render(value))
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

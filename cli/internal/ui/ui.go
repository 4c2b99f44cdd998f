// Package ui holds the terminal output helpers shared by the commands.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/pterm/pterm"
)

var (
	PrimaryColor   = lipgloss.Color("#7AA2F7")
	SuccessColor   = lipgloss.Color("#9ECE6A")
	WarningColor   = lipgloss.Color("#E0AF68")
	ErrorColor     = lipgloss.Color("#F7768E")
	SecondaryColor = lipgloss.Color("#565F89")

	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(SuccessColor).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(WarningColor)

	SecondaryStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor)
)

// PrintHeader prints the boxed command header.
func PrintHeader(title, subtitle string) {
	header := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Padding(0, 2).
		Render(lipgloss.JoinVertical(
			lipgloss.Left,
			TitleStyle.Render(title),
			SecondaryStyle.Render(subtitle),
		))
	fmt.Println(header)
}

// PrintSuccess prints a success message
func PrintSuccess(format string, args ...interface{}) {
	fmt.Println(SuccessStyle.Render("✓ " + fmt.Sprintf(format, args...)))
}

// PrintError prints an error message
func PrintError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("✗ "+fmt.Sprintf(format, args...)))
}

// PrintWarning prints a warning message
func PrintWarning(format string, args ...interface{}) {
	fmt.Println(WarningStyle.Render("⚠ " + fmt.Sprintf(format, args...)))
}

// PrintInfo prints an info message
func PrintInfo(format string, args ...interface{}) {
	fmt.Println(SecondaryStyle.Render("ℹ " + fmt.Sprintf(format, args...)))
}

// PrintTable renders a result grid.
func PrintTable(headers []string, rows [][]string) {
	data := pterm.TableData{headers}
	data = append(data, rows...)
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// PrintStatus prints the engine status line of a finished run.
func PrintStatus(status string, elapsed string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render(status), SecondaryStyle.Render("("+elapsed+")"))
}

// PrintSpinner starts a spinner and returns it for the caller to stop.
func PrintSpinner(message string) (*pterm.SpinnerPrinter, error) {
	spinner := pterm.DefaultSpinner.WithText(message)
	return spinner.Start()
}

// PrintCodeBlock prints SQL text in a bordered block.
func PrintCodeBlock(code string) {
	block := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(SecondaryColor).
		Padding(0, 1).
		Render(code)
	fmt.Println(block)
}

// Printers returns the fatih/color printers used for severity-tagged
// server messages.
func Printers() map[string]*color.Color {
	return map[string]*color.Color{
		"notice":  color.New(color.FgCyan),
		"warning": color.New(color.FgYellow, color.Bold),
		"error":   color.New(color.FgRed, color.Bold),
	}
}

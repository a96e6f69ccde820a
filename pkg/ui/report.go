// Package ui renders the terminal summaries printed by the carrystress
// command.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status selects the badge shown under a report.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusFailed
)

// Row is one label/value line.
type Row struct {
	Label string
	Value string
}

// Section is a titled group of rows.
type Section struct {
	Name string
	Rows []Row
}

// Add appends a row and returns the section for chaining.
func (s *Section) Add(label, value string) *Section {
	s.Rows = append(s.Rows, Row{Label: label, Value: value})
	return s
}

// Report is a boxed summary with a status badge.
type Report struct {
	Title    string
	Sections []*Section
	Status   Status
	Message  string
}

// Section starts a new section.
func (r *Report) Section(name string) *Section {
	s := &Section{Name: name}
	r.Sections = append(r.Sections, s)
	return s
}

// Render lays the report out for a terminal.
func (r *Report) Render() string {
	width := 0
	for _, s := range r.Sections {
		for _, row := range s.Rows {
			width = max(width, lipgloss.Width(row.Label))
		}
	}

	var body []string
	for i, s := range r.Sections {
		if i > 0 {
			body = append(body, "")
		}
		body = append(body, sectionStyle.Render(s.Name))
		for _, row := range s.Rows {
			label := labelStyle.Render(row.Label + strings.Repeat(" ", width-lipgloss.Width(row.Label)))
			body = append(body, "  "+label+"  "+valueStyle.Render(row.Value))
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(r.Title),
		boxStyle.Render(strings.Join(body, "\n")),
		Badge(r.Status, r.Message),
	)
}

// Badge renders msg in the colours of status.
func Badge(status Status, msg string) string {
	switch status {
	case StatusWarning:
		return warningStyle.Render("! " + msg)
	case StatusFailed:
		return errorStyle.Render("x " + msg)
	default:
		return successStyle.Render("ok " + msg)
	}
}

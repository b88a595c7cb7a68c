// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders CLI output in the ShopRAG theme.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Theme colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// ColorEnabled reports whether f is a terminal and NO_COLOR is unset.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes themed lines to w. With color off every helper writes
// plain text, so output stays stable in pipes and tests.
type Printer struct {
	w     io.Writer
	color bool

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

// NewPrinter returns a Printer for w.
func NewPrinter(w io.Writer, color bool) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		color:   color,
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorTealPrimary),
		warning: r.NewStyle().Foreground(ColorWarning),
		failure: r.NewStyle().Foreground(ColorError),
	}
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Line writes text followed by a newline.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

// Title writes a blank line and a bold heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.render(p.title, text))
}

// Bullet writes an indented list item.
func (p *Printer) Bullet(text string) {
	fmt.Fprintf(p.w, "  %s %s\n", IconBullet, text)
}

// Muted writes secondary text, indented under the previous line.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, "    "+p.render(p.muted, text))
}

// Status writes one dependency line: icon, padded name, status and an
// optional detail.
func (p *Printer) Status(name, status, detail string) {
	icon := p.IconFor(status)
	line := fmt.Sprintf("  %s %-10s %s", icon, name, status)
	if detail != "" {
		line += "  " + detail
	}
	fmt.Fprintln(p.w, line)
}

// IconFor maps a health status to its rendered icon.
func (p *Printer) IconFor(status string) string {
	switch status {
	case "ok", "healthy":
		return p.render(p.success, string(IconSuccess))
	case "degraded":
		return p.render(p.warning, string(IconWarning))
	case "unavailable":
		return p.render(p.failure, string(IconError))
	default:
		return p.render(p.muted, string(IconPending))
	}
}

// Package profile turns the long-term memory text produced by the memory store
// into a structured category -> field -> values view.
//
// The accepted text looks like:
//
//	## User Current Profile:
//	- interest::hobby: painting; hiking [mention 2024-01-01]
//	- work::title: engineer
//	---
//
// Only bullet lines inside the "User Current Profile" section are read. Lines
// that do not have the category::field: content shape are skipped.
package profile

import (
	"regexp"
	"strings"

	model "github.com/zhouzirui/memochat/backend/internal/model/profile"
)

const (
	// SectionHeader opens the block of profile bullet lines.
	SectionHeader = "## User Current Profile:"

	categorySep   = "::"
	fieldSep      = ":"
	valueSep      = ";"
	bulletMarker  = "-"
	headerPrefix  = "##"
	separatorLine = "---"
)

var mentionSuffix = regexp.MustCompile(`\s*\[mention[^\]]*\]\s*$`)

// Parse extracts the profile section of text. It never fails: a text without
// the section, or a section without bullet lines, yields an empty profile.
func Parse(text string) model.Profile {
	result := model.New()

	for _, line := range sectionLines(text) {
		category, field, values, ok := parseLine(line)
		if !ok {
			continue
		}
		result.Add(category, field, values...)
	}

	return result
}

// sectionLines returns the raw lines between the profile header and the next
// section header or separator.
func sectionLines(text string) []string {
	start := strings.Index(text, SectionHeader)
	if start == -1 {
		return nil
	}

	body := text[start+len(SectionHeader):]
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	out := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		// the remainder of the header line itself belongs to the section
		if i > 0 && (strings.HasPrefix(trimmed, headerPrefix) || strings.HasPrefix(trimmed, separatorLine)) {
			break
		}
		out = append(out, line)
	}
	return out
}

// parseLine applies the line grammar:
//
//   - <category>::<field>: <content> [mention <date-info>]
func parseLine(line string) (category, field string, values []string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, bulletMarker) {
		return "", "", nil, false
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, bulletMarker))

	category, rest, found := strings.Cut(trimmed, categorySep)
	if !found {
		return "", "", nil, false
	}

	field, content, found := strings.Cut(rest, fieldSep)
	if !found {
		return "", "", nil, false
	}

	content = mentionSuffix.ReplaceAllString(content, "")

	category = strings.TrimSpace(category)
	field = strings.TrimSpace(field)
	content = strings.TrimSpace(content)
	if category == "" || field == "" || content == "" {
		return "", "", nil, false
	}

	values = splitValues(content)
	if len(values) == 0 {
		return "", "", nil, false
	}
	return category, field, values, true
}

func splitValues(content string) []string {
	if !strings.Contains(content, valueSep) {
		return []string{content}
	}

	parts := strings.Split(content, valueSep)
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

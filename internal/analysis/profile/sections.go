package profile

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	model "github.com/zhouzirui/memochat/backend/internal/model/profile"
)

const defaultIcon = "📌"

var categoryIcons = map[string]string{
	"psychological": "🧠",
	"work":          "💼",
	"interest":      "⭐",
	"contact_info":  "📧",
	"basic_info":    "👤",
	"education":     "🎓",
	"skill":         "🛠️",
	"hobby":         "🎨",
	"goal":          "🎯",
}

// Section is a display-ready category block.
type Section struct {
	Category string  `json:"category"`
	Title    string  `json:"title"`
	Icon     string  `json:"icon"`
	Fields   []Field `json:"fields"`
}

// Field is a display-ready field row.
type Field struct {
	Name   string   `json:"name"`
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

// Sections orders a profile for display: categories and fields sorted by name,
// snake_case names title-cased, known categories decorated with an icon.
func Sections(p model.Profile) []Section {
	categories := make([]string, 0, len(p))
	for category, fields := range p {
		if len(fields) == 0 {
			continue
		}
		categories = append(categories, category)
	}
	sort.Strings(categories)

	sections := make([]Section, 0, len(categories))
	for _, category := range categories {
		fields := p[category]
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		section := Section{
			Category: category,
			Title:    Title(category),
			Icon:     Icon(category),
			Fields:   make([]Field, 0, len(names)),
		}
		for _, name := range names {
			section.Fields = append(section.Fields, Field{
				Name:   name,
				Label:  Title(name),
				Values: append([]string(nil), fields[name]...),
			})
		}
		sections = append(sections, section)
	}
	return sections
}

// Icon returns the display icon for a category.
func Icon(category string) string {
	if icon, ok := categoryIcons[strings.ToLower(category)]; ok {
		return icon
	}
	return defaultIcon
}

// Title converts snake_case names to "Title Case".
func Title(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, word := range words {
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + word[size:]
	}
	return strings.Join(words, " ")
}

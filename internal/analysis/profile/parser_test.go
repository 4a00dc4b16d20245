package profile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/memochat/backend/internal/model/profile"
)

const sampleMemory = "## User Current Profile:\n" +
	"- interest::hobby: painting; hiking [mention 2024-01-01]\n" +
	"- work::title: engineer\n" +
	"---\n"

func TestParseSampleProfile(t *testing.T) {
	got := Parse(sampleMemory)

	want := model.Profile{
		"interest": {"hobby": {"painting", "hiking"}},
		"work":     {"title": {"engineer"}},
	}
	assert.Equal(t, want, got)

	encoded, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"interest":{"hobby":["painting","hiking"]},"work":{"title":"engineer"}}`, string(encoded))
}

func TestParseRepeatedFieldPromotesToList(t *testing.T) {
	text := "## User Current Profile:\n" +
		"- interest::hobby: painting; hiking [mention 2024-01-01]\n" +
		"- work::title: engineer\n" +
		"- work::title: senior engineer\n" +
		"---\n"

	got := Parse(text)

	assert.Equal(t, model.Values{"engineer", "senior engineer"}, got["work"]["title"])

	encoded, err := json.Marshal(got["work"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":["engineer","senior engineer"]}`, string(encoded))
}

func TestParseWithoutSectionIsEmpty(t *testing.T) {
	for _, text := range []string{
		"",
		"no memory yet",
		"## Past Events:\n- work::title: engineer\n",
	} {
		got := Parse(text)
		require.NotNil(t, got)
		assert.Empty(t, got, "text %q", text)
	}
}

func TestParseSectionWithoutBullets(t *testing.T) {
	got := Parse("## User Current Profile:\nnothing to see here\n---\n")
	assert.Empty(t, got)
}

func TestParseStopsAtNextSection(t *testing.T) {
	text := "# Memory\n" +
		"- ignored::before: header\n" +
		SectionHeader + "\n" +
		"- basic_info::name: Hung\n" +
		"## Past Events:\n" +
		"- ignored::after: section\n"

	got := Parse(text)
	assert.Equal(t, model.Profile{"basic_info": {"name": {"Hung"}}}, got)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	text := SectionHeader + "\n" +
		"- missing separator\n" +
		"- category-only::\n" +
		"- ::field: no category\n" +
		"- work::: no field\n" +
		"- work::title:   \n" +
		"- work::title: ; ;\n" +
		"not a bullet::field: value\n" +
		"  - skill::language: Go; Python  \n"

	got := Parse(text)
	assert.Equal(t, model.Profile{"skill": {"language": {"Go", "Python"}}}, got)
}

func TestParseKeepsColonsInsideContent(t *testing.T) {
	got := Parse(SectionHeader + "\n- schedule::meeting: daily at 10:30 [mention 2025-02-03, 2 times]\n")
	assert.Equal(t, model.Values{"daily at 10:30"}, got["schedule"]["meeting"])
}

func TestParseAppendsSplitValuesToExisting(t *testing.T) {
	got := Parse(SectionHeader + "\n- interest::sport: tennis\n- interest::sport: running; swimming\n")
	assert.Equal(t, model.Values{"tennis", "running", "swimming"}, got["interest"]["sport"])
}

func TestSectionsOrderAndLabels(t *testing.T) {
	p := model.Profile{
		"work":       {"title": {"engineer"}, "company_name": {"Acme"}},
		"basic_info": {"name": {"Hung"}},
		"custom":     {"x": {"y"}},
	}

	sections := Sections(p)
	require.Len(t, sections, 3)

	assert.Equal(t, "basic_info", sections[0].Category)
	assert.Equal(t, "Basic Info", sections[0].Title)
	assert.Equal(t, "👤", sections[0].Icon)

	assert.Equal(t, "custom", sections[1].Category)
	assert.Equal(t, defaultIcon, sections[1].Icon)

	work := sections[2]
	require.Len(t, work.Fields, 2)
	assert.Equal(t, "company_name", work.Fields[0].Name)
	assert.Equal(t, "Company Name", work.Fields[0].Label)
	assert.Equal(t, []string{"engineer"}, work.Fields[1].Values)
}

func TestParseReadsBulletOnHeaderLine(t *testing.T) {
	got := Parse("## User Current Profile: - a::b: c\n---\n- x::y: ignored\n")
	assert.Equal(t, model.Profile{"a": {"b": {"c"}}}, got)
}

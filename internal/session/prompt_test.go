package session

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/tabrelay/tabrelay/pkg/wire"
)

func TestBuildPromptMessageOnly(t *testing.T) {
	got := BuildPrompt("fix the login bug", nil, "", "")
	assert.Equal(t, "fix the login bug", got)
}

func TestBuildPromptWithSelectedText(t *testing.T) {
	got := BuildPrompt("what does this mean?", nil, "NullPointerException at line 42", "")
	assert.Contains(t, got, "Selected text on the page:")
	assert.Contains(t, got, "NullPointerException at line 42")
}

func TestBuildPromptWithElementContext(t *testing.T) {
	got := BuildPrompt("why is this disabled?", &wire.ElementContext{
		Selector: "#submit-btn",
		TagName:  "button",
		Text:     "Submit",
		Attributes: map[string]string{
			"disabled": "true",
			"class":    "btn primary",
		},
	}, "", "")

	assert.Contains(t, got, "- tag: button")
	assert.Contains(t, got, "- selector: #submit-btn")
	assert.Contains(t, got, `class="btn primary"`)
	assert.Contains(t, got, `disabled="true"`)
	// Attributes render in sorted key order for determinism.
	assert.Less(t, strings.Index(got, "class="), strings.Index(got, "disabled="))
}

func TestBuildPromptTruncatesOuterHTML(t *testing.T) {
	got := BuildPrompt("inspect", &wire.ElementContext{
		OuterHTML: strings.Repeat("<div>", 1000),
	}, "", "")
	assert.Contains(t, got, "…")
	assert.Less(t, len(got), 2200)
}

func TestBuildPromptTruncationKeepsMultibyteRunesIntact(t *testing.T) {
	got := BuildPrompt("inspect", &wire.ElementContext{
		OuterHTML: strings.Repeat("<p>héllo wörld</p>", 500),
	}, "", "")
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "…")
}

func TestBuildPromptWithScreenshotPath(t *testing.T) {
	got := BuildPrompt("look at this", nil, "", "/tmp/state/screenshots/s1/c1.png")
	assert.Contains(t, got, "/tmp/state/screenshots/s1/c1.png")
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	ec := &wire.ElementContext{
		TagName:    "input",
		Attributes: map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first := BuildPrompt("m", ec, "sel", "/p.png")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildPrompt("m", ec, "sel", "/p.png"))
	}
}

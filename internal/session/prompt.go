package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tabrelay/tabrelay/pkg/wire"
)

// continuationPrompt is issued verbatim for the follow-up run after a plan
// approval switches the session out of plan mode.
const continuationPrompt = "The plan was approved. Implement it now."

// outerHTMLMaxLen bounds how much raw markup a prompt carries.
const outerHTMLMaxLen = 2000

// BuildPrompt renders the chat message plus optional element context and
// selected text into the prompt sent to the agent. screenshotPath points at
// the saved element capture, when one exists. Pure: the same inputs always
// produce the same prompt.
func BuildPrompt(message string, ec *wire.ElementContext, selectedText, screenshotPath string) string {
	var b strings.Builder
	b.WriteString(message)

	if selectedText != "" {
		b.WriteString("\n\nSelected text on the page:\n")
		b.WriteString(selectedText)
	}

	if ec != nil {
		b.WriteString("\n\nThe user selected this element on the page:\n")
		writeElementContext(&b, ec)
	}

	if screenshotPath != "" {
		fmt.Fprintf(&b, "\nA screenshot of the element was saved at %s\n", screenshotPath)
	}

	return b.String()
}

func writeElementContext(b *strings.Builder, ec *wire.ElementContext) {
	if ec.TagName != "" {
		fmt.Fprintf(b, "- tag: %s\n", ec.TagName)
	}
	if ec.Selector != "" {
		fmt.Fprintf(b, "- selector: %s\n", ec.Selector)
	}
	if ec.Text != "" {
		fmt.Fprintf(b, "- text: %s\n", ec.Text)
	}
	if len(ec.Attributes) > 0 {
		keys := make([]string, 0, len(ec.Attributes))
		for k := range ec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("- attributes:\n")
		for _, k := range keys {
			fmt.Fprintf(b, "    %s=%q\n", k, ec.Attributes[k])
		}
	}
	if ec.OuterHTML != "" {
		html := ec.OuterHTML
		if runes := []rune(html); len(runes) > outerHTMLMaxLen {
			html = string(runes[:outerHTMLMaxLen]) + "…"
		}
		fmt.Fprintf(b, "- outer html:\n%s\n", html)
	}
}

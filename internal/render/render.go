// Package render formats classification results for people.
package render

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
)

const bestGuessTag = "Best Guess"

// Entry is one displayed result line.
type Entry struct {
	Label      string
	Confidence string
	BestGuess  bool
}

// Percent formats a confidence in [0,1] as a percentage with two decimals.
func Percent(confidence float32) string {
	return fmt.Sprintf("%.2f%%", float64(confidence)*100)
}

// Entries projects a result in its ranked order. Only the first entry is
// tagged as the best guess.
func Entries(r model.Result) []Entry {
	if len(r) == 0 {
		return nil
	}
	entries := make([]Entry, len(r))
	for i, p := range r {
		entries[i] = Entry{
			Label:      p.Label,
			Confidence: Percent(p.Confidence),
			BestGuess:  i == 0,
		}
	}
	return entries
}

func Text(w io.Writer, r model.Result) error {
	for _, e := range Entries(r) {
		line := fmt.Sprintf("%s\tConfidence level : %s", e.Label, e.Confidence)
		if e.BestGuess {
			line += "\t" + bestGuessTag
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Markdown renders the result as a bullet list.
func Markdown(r model.Result) string {
	var b strings.Builder
	for _, e := range Entries(r) {
		fmt.Fprintf(&b, "- **%s**: Confidence level : %s", escapeMarkdown(e.Label), escapeMarkdown(e.Confidence))
		if e.BestGuess {
			fmt.Fprintf(&b, " _%s_", bestGuessTag)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

var md = goldmark.New()

// HTML renders the Markdown form to an HTML fragment. Raw HTML in labels is
// not passed through.
func HTML(r model.Result) (string, error) {
	source := Markdown(r)
	if source == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render results: %w", err)
	}
	return buf.String(), nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`,
	"<", "&lt;", ">", "&gt;", "&", "&amp;", "#", `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

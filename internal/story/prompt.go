package story

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxTitleRunes = 120
	maxTitleWords = 12
)

var promptFields = []struct {
	id    string
	label string
}{
	{"hero", "Heroe"},
	{"sidekick", "Personaje secundario"},
	{"object", "Objeto"},
	{"place", "Lugar"},
	{"moral", "Que pasara"},
	{"language", "Idioma"},
}

const SystemPrompt = "Eres un narrador de cuentos infantiles. " +
	"Responde con el titulo del cuento en la primera linea y, despues de una linea en blanco, el cuento completo. " +
	"No anadas comentarios ni encabezados extra."

// FormatPrompt renders the picked options as the user message for the LLM.
func FormatPrompt(in Inputs) string {
	parts := []string{"Genera un cuento infantil con estos elementos:"}

	for _, f := range promptFields {
		sel, ok := in[f.id]
		if !ok {
			continue
		}
		switch {
		case sel.OptionID != "" && sel.OptionName != "":
			line := fmt.Sprintf("- %s: %s", f.label, sel.OptionName)
			if sel.CustomName != "" {
				line += fmt.Sprintf(" (nombre: %s)", sel.CustomName)
			}
			parts = append(parts, line)
		case f.id == "moral" && sel.FreeText != "":
			parts = append(parts, fmt.Sprintf("- %s: %s", f.label, sel.FreeText))
		}
	}

	if lang := in["language"].OptionName; lang != "" {
		parts = append(parts,
			fmt.Sprintf("Redacta el cuento en %s.", lang),
			"No uses ningún otro idioma distinto al indicado.",
		)
	}
	return strings.Join(parts, "\n")
}

// DefaultTitle is used until the LLM produces one, and whenever its first
// line does not look like a title.
func DefaultTitle(in Inputs) string {
	hero := in["hero"]
	if hero.CustomName != "" {
		return "Cuento de " + hero.CustomName
	}
	if hero.OptionName != "" {
		return "Cuento de " + hero.OptionName
	}
	return "Cuento infantil"
}

type Generated struct {
	Title string
	Text  string
}

var ErrMalformedReply = errors.New("llm reply has no title and story body")

// ParseReply splits an LLM reply into title (first non-blank line) and body.
func ParseReply(reply string, in Inputs) (Generated, error) {
	normalized := strings.ReplaceAll(reply, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return Generated{}, ErrMalformedReply
	}

	titleLine := strings.TrimSpace(lines[0])
	rest := strings.TrimSpace(strings.Join(lines[1:], "\n"))
	if titleLine == "" || rest == "" {
		return Generated{}, ErrMalformedReply
	}

	if utf8.RuneCountInString(titleLine) > maxTitleRunes || len(strings.Fields(titleLine)) > maxTitleWords {
		return Generated{
			Title: DefaultTitle(in),
			Text:  strings.TrimSpace(titleLine + "\n" + rest),
		}, nil
	}
	return Generated{Title: titleLine, Text: rest}, nil
}

package storyboard

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

const (
	promptRound1   = "round1_pictures.txt"
	promptRound2   = "round2_keyframes.txt"
	promptContinue = "continue.txt"
)

//go:embed prompts/*.txt
var embeddedPrompts embed.FS

var placeholderRe = regexp.MustCompile(`<<\s*([a-zA-Z0-9_]+)\s*>>`)

// Prompts loads templates from an override directory, falling back to the
// built-in set for any file the directory does not have.
type Prompts struct {
	override fs.FS
}

func NewPrompts(dir string) *Prompts {
	p := &Prompts{}
	if dir != "" {
		p.override = os.DirFS(dir)
	}
	return p
}

func (p *Prompts) Load(name string) (string, error) {
	if p != nil && p.override != nil {
		b, err := fs.ReadFile(p.override, name)
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
	}
	b, err := embeddedPrompts.ReadFile("prompts/" + name)
	if err != nil {
		return "", fmt.Errorf("unknown prompt %s: %w", name, err)
	}
	return string(b), nil
}

// Render substitutes <<key>> placeholders. Keys missing from vars are left
// as they are.
func Render(tmpl string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}

func (p *Prompts) render(name string, vars map[string]any) (string, error) {
	tmpl, err := p.Load(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(Render(tmpl, vars)), nil
}

// Package moderation applies content moderation to message text before it is
// stored. Matched terms of the configured word list are replaced and the
// message is marked flagged, delivery continues rather than being rejected.
// An optional expression rule can additionally flag messages based on author,
// room and text.
package moderation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/parleychat/parley/globals"
)

const replacement = "***"

// Env is the environment the flag expression is evaluated against.
type Env struct {
	Nick   string `expr:"Nick"`
	RoomId string `expr:"RoomId"`
	Text   string `expr:"Text"`
}

// Filter rewrites message text according to the configured word list and
// decides the flagged bit. The zero Filter passes everything through.
type Filter struct {
	words    []*regexp.Regexp
	flagProg *vm.Program
}

// NewFilter compiles the word list and the optional flag expression. Words
// are matched case-insensitively on word boundaries.
func NewFilter(words []string, flagExpression string) (*Filter, error) {
	f := &Filter{}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile word filter %q: %w", w, err)
		}
		f.words = append(f.words, re)
	}
	if flagExpression != "" {
		prog, err := expr.Compile(flagExpression, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile flag expression: %w", err)
		}
		f.flagProg = prog
	}
	return f, nil
}

// Apply returns the moderated text and whether the message must carry the
// flagged bit. A failing flag expression never blocks delivery, it only logs.
func (f *Filter) Apply(roomId, nick, text string) (string, bool) {
	if f == nil {
		return text, false
	}
	flagged := false
	for _, re := range f.words {
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, replacement)
			flagged = true
		}
	}
	if f.flagProg != nil {
		res, err := expr.Run(f.flagProg, Env{Nick: nick, RoomId: roomId, Text: text})
		if err != nil {
			globals.AppLogger.Error("could not run flag expression", "error", err)
		} else if b, ok := res.(bool); ok && b {
			flagged = true
		}
	}
	return text, flagged
}

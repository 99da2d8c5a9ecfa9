package sandbox

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const regexPrefix = "re:"

// Policy is a compiled command deny-list.
//
// Plain patterns match on token boundaries after whitespace normalization, so
// "rm -rf /" denies "sudo rm  -rf /" and "x; rm -rf /" but not "rm -rf /tmp/x".
// Path-qualified binaries are resolved to their base name first, so the same
// pattern denies "/usr/bin/rm -rf /".
// Patterns prefixed with "re:" are regular expressions matched against the
// normalized command.
type Policy struct {
	literals []string
	regexps  []*regexp.Regexp
	sources  []string
}

// NewPolicy compiles the patterns.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		if pat == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pat, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid deny pattern %q: %w", raw, err)
			}
			p.regexps = append(p.regexps, re)
			p.sources = append(p.sources, pat)
			continue
		}
		p.literals = append(p.literals, normalize(pat))
		p.sources = append(p.sources, pat)
	}
	return p, nil
}

// Merge returns a policy denying everything p or other deny.
func (p *Policy) Merge(other *Policy) *Policy {
	if other == nil {
		return p
	}
	return &Policy{
		literals: append(append([]string{}, p.literals...), other.literals...),
		regexps:  append(append([]*regexp.Regexp{}, p.regexps...), other.regexps...),
		sources:  append(append([]string{}, p.sources...), other.sources...),
	}
}

// Patterns returns the source patterns.
func (p *Policy) Patterns() []string { return append([]string{}, p.sources...) }

// Check returns the first pattern denying command, or "" when allowed.
func (p *Policy) Check(command string) string {
	norm := normalize(command)
	if norm == "" {
		return ""
	}

	candidates := []string{norm}
	if resolved := resolveBinaries(norm); resolved != norm {
		candidates = append(candidates, resolved)
	}
	for _, cmd := range candidates {
		for _, lit := range p.literals {
			if containsBounded(cmd, lit) {
				return lit
			}
		}
		for _, re := range p.regexps {
			if re.MatchString(cmd) {
				return regexPrefix + re.String()
			}
		}
	}
	return ""
}

// wrappers run their arguments as a command.
var wrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nohup": true, "nice": true,
	"ionice": true, "exec": true, "command": true, "time": true, "xargs": true,
}

// resolveBinaries replaces every word in command position with its base
// name: "/bin/rm -rf /" becomes "rm -rf /". Command position is the start of
// the line, after a separator or an opening quote, and after a wrapper such
// as sudo or env along with its flags and assignments.
func resolveBinaries(norm string) string {
	words := strings.Split(norm, " ")
	commandPos := true
	afterWrapper := false
	for i, w := range words {
		if isSeparator(w) {
			commandPos, afterWrapper = true, false
			continue
		}

		word := strings.TrimLeft(w, "$('\"`")
		prefix := w[:len(w)-len(word)]
		if prefix != "" {
			commandPos, afterWrapper = true, false
		}
		body := strings.TrimRight(word, ";|&)'\"`")
		suffix := word[len(body):]

		switch {
		case commandPos && afterWrapper && (strings.HasPrefix(body, "-") || strings.Contains(body, "=")):
			// Wrapper flags and env assignments, the command is still ahead.
		case commandPos:
			if strings.Contains(body, "/") && !strings.HasSuffix(body, "/") {
				body = path.Base(body)
			}
			afterWrapper = wrappers[body]
			commandPos = afterWrapper
		}
		words[i] = prefix + body + suffix

		if suffix != "" && strings.ContainsAny(suffix, ";|&`") {
			commandPos, afterWrapper = true, false
		}
	}
	return strings.Join(words, " ")
}

func isSeparator(w string) bool {
	switch w {
	case ";", "|", "||", "&", "&&", "(", "`", "$(":
		return true
	}
	return false
}

// CheckScript checks every line of a script body as well as the whole body
// joined, so patterns split over line continuations are still found.
func (p *Policy) CheckScript(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if pat := p.Check(line); pat != "" {
			return pat
		}
	}
	return p.Check(strings.ReplaceAll(body, "\\\n", " "))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// isBoundary reports whether b separates shell tokens.
func isBoundary(b byte) bool {
	switch b {
	case ' ', ';', '|', '&', '(', ')', '`', '\'', '"', '\n':
		return true
	}
	return false
}

func containsBounded(s, pattern string) bool {
	for from := 0; from <= len(s)-len(pattern); {
		i := strings.Index(s[from:], pattern)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(pattern)

		leftOK := start == 0 || isBoundary(s[start-1]) || isBoundary(pattern[0])
		rightOK := end == len(s) || isBoundary(s[end]) || isBoundary(pattern[len(pattern)-1])
		if leftOK && rightOK {
			return true
		}
		from = start + 1
	}
	return false
}

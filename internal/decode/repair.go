package decode

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The repair pass fixes nearly-valid JSON emitted by player pages. It runs a
// fixed, ordered rule table over a token stream and serializes compactly. A
// later rule can expose work for an earlier one (a dropped stray closer
// leaves a bare key next to ':'), so the table is reapplied until the output
// stops changing. A second Repair then returns its input unchanged.

type tokenKind int

const (
	tokString tokenKind = iota // double-quoted JSON string literal, quotes included
	tokBare                    // unquoted word or number
	tokPunct                   // one of {}[]:,
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(p string) bool { return t.kind == tokPunct && t.text == p }

var (
	tokComma = token{tokPunct, ","}
	tokNull  = token{tokBare, "null"}
)

type repairRule struct {
	name string
	// when documents the precondition under which the rule changes anything.
	when  string
	apply func(ts []token, required map[string]bool) []token
}

var repairRules = []repairRule{
	{"quote-bare-keys", "an unquoted word is directly followed by ':'", quoteBareKeys},
	{"normalize-bare-values", "an unquoted value is not true/false/null or a number", normalizeBareValues},
	{"fill-missing-values", "':' is followed by ',', a closer or the end", fillMissingValues},
	{"balance-brackets", "a closer has no opener, or openers are left open", balanceBrackets},
	{"brace-bare-members", "a 'key: value' pair sits outside any object", braceBareMembers},
	{"split-repeated-required-keys", "a required key repeats inside one top-level or array-element object", splitRepeatedRequired},
	{"insert-missing-commas", "two values or members are adjacent inside a container", insertMissingCommas},
	{"collapse-commas", "a comma is doubled, leading or trailing", collapseCommas},
	{"wrap-multiple-roots", "more than one top-level value", wrapMultipleRoots},
}

// maxRepairPasses bounds the fixpoint loop. Most inputs settle in two.
const maxRepairPasses = 16

var assignmentPrefix = regexp.MustCompile(`^\s*(?:(?:var|let|const)\s+)?[A-Za-z_$][\w$.]*\s*=\s*`)

// Repair applies the rule table to text. required names keys whose
// repetition marks an object boundary.
func Repair(text string, required []string) string {
	req := make(map[string]bool, len(required))
	for _, k := range required {
		req[k] = true
	}

	text = strings.TrimPrefix(text, "\ufeff")
	text = assignmentPrefix.ReplaceAllString(text, "")

	for range maxRepairPasses {
		next := repairPass(text, req)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func repairPass(text string, required map[string]bool) string {
	ts := tokenize(text)
	for _, r := range repairRules {
		ts = r.apply(ts, required)
	}
	return serialize(ts)
}

func serialize(ts []token) string {
	var b strings.Builder
	for _, t := range ts {
		b.WriteString(t.text)
	}
	return b.String()
}

func tokenize(s string) []token {
	var ts []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';':
			i++
		case strings.IndexByte("{}[]:,", c) >= 0:
			ts = append(ts, token{tokPunct, string(c)})
			i++
		case c == '"' || c == '\'':
			lit, n := readString(s[i:], c)
			ts = append(ts, token{tokString, lit})
			i += n
		default:
			j := i
			for j < len(s) && strings.IndexByte(" \t\n\r;{}[]:,\"'", s[j]) < 0 {
				j++
			}
			ts = append(ts, token{tokBare, s[i:j]})
			i = j
		}
	}
	return ts
}

// readString reads a string opened by quote q and returns it as a
// double-quoted literal. Escapes are copied verbatim except \' which loses
// its backslash. Unterminated strings are closed.
func readString(s string, q byte) (string, int) {
	var b strings.Builder
	b.WriteByte('"')
	i := 1
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				i++
				continue
			}
			if s[i+1] == '\'' {
				b.WriteByte('\'')
			} else {
				b.WriteByte('\\')
				b.WriteByte(s[i+1])
			}
			i += 2
			continue
		case c == q:
			b.WriteByte('"')
			return b.String(), i + 1
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
		i++
	}
	b.WriteByte('"')
	return b.String(), i
}

func quoteString(s string) token {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return token{tokString, `"` + s + `"`}
}

func quoteBareKeys(ts []token, _ map[string]bool) []token {
	out := make([]token, len(ts))
	copy(out, ts)
	for i := range out {
		if out[i].kind == tokBare && i+1 < len(out) && out[i+1].is(":") {
			out[i] = quoteString(out[i].text)
		}
	}
	return out
}

var jsonNumber = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?(?:[eE][+-]?\d+)?$`)

var bareLiterals = map[string]string{
	"true":      "true",
	"false":     "false",
	"null":      "null",
	"True":      "true",
	"False":     "false",
	"None":      "null",
	"nil":       "null",
	"undefined": "null",
	"NaN":       "null",
}

func normalizeBareValues(ts []token, _ map[string]bool) []token {
	out := make([]token, len(ts))
	copy(out, ts)
	for i, t := range out {
		if t.kind != tokBare {
			continue
		}
		if lit, ok := bareLiterals[t.text]; ok {
			out[i] = token{tokBare, lit}
			continue
		}
		if !jsonNumber.MatchString(t.text) {
			out[i] = quoteString(t.text)
		}
	}
	return out
}

func fillMissingValues(ts []token, _ map[string]bool) []token {
	out := make([]token, 0, len(ts))
	for i, t := range ts {
		out = append(out, t)
		if !t.is(":") {
			continue
		}
		if i+1 == len(ts) || ts[i+1].is(",") || ts[i+1].is("}") || ts[i+1].is("]") {
			out = append(out, tokNull)
		}
	}
	return out
}

func opener(closer string) string {
	if closer == "}" {
		return "{"
	}
	return "["
}

func closerOf(open string) string {
	if open == "{" {
		return "}"
	}
	return "]"
}

// balanceBrackets closes what is left open, auto-closes frames skipped by a
// mismatched closer, and gives an orphan closer at depth 0 an opener at the
// start of its top-level segment.
func balanceBrackets(ts []token, _ map[string]bool) []token {
	var out []token
	var stack []string
	segStart := 0

	for _, t := range ts {
		switch {
		case t.is("{") || t.is("["):
			stack = append(stack, t.text)
			out = append(out, t)

		case t.is("}") || t.is("]"):
			want := opener(t.text)
			depth := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == want {
					depth = i
					break
				}
			}
			switch {
			case depth >= 0:
				for len(stack)-1 > depth {
					out = append(out, token{tokPunct, closerOf(stack[len(stack)-1])})
					stack = stack[:len(stack)-1]
				}
				stack = stack[:depth]
				out = append(out, t)
			case len(stack) == 0:
				seg := append([]token{{tokPunct, want}}, out[segStart:]...)
				out = append(out[:segStart], seg...)
				out = append(out, t)
			}

		default:
			out = append(out, t)
			if t.is(",") && len(stack) == 0 {
				segStart = len(out)
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, token{tokPunct, closerOf(stack[i])})
	}
	return out
}

func braceBareMembers(ts []token, _ map[string]bool) []token {
	depth := 0
	for _, t := range ts {
		switch {
		case t.is("{") || t.is("["):
			depth++
		case t.is("}") || t.is("]"):
			depth--
		case t.is(":") && depth == 0:
			out := make([]token, 0, len(ts)+2)
			out = append(out, token{tokPunct, "{"})
			out = append(out, ts...)
			return append(out, token{tokPunct, "}"})
		}
	}
	return ts
}

func unquote(lit string) string {
	var s string
	if err := json.Unmarshal([]byte(lit), &s); err != nil {
		return strings.Trim(lit, `"`)
	}
	return s
}

type frame struct {
	open      string
	splitable bool
	keys      map[string]bool
}

// splitRepeatedRequired closes the current object and opens a new one when a
// required key appears twice in it. Only objects at the top level or directly
// inside an array are split, so the result stays a list of objects.
func splitRepeatedRequired(ts []token, required map[string]bool) []token {
	if len(required) == 0 {
		return ts
	}
	var out []token
	var stack []*frame

	for i, t := range ts {
		switch {
		case t.is("{"):
			splitable := len(stack) == 0 || stack[len(stack)-1].open == "["
			stack = append(stack, &frame{open: "{", splitable: splitable, keys: map[string]bool{}})
		case t.is("["):
			stack = append(stack, &frame{open: "["})
		case t.is("}") || t.is("]"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case t.kind == tokString && i+1 < len(ts) && ts[i+1].is(":") && len(stack) > 0:
			top := stack[len(stack)-1]
			if top.open != "{" {
				break
			}
			key := unquote(t.text)
			if required[key] && top.keys[key] && top.splitable {
				if n := len(out); n > 0 && out[n-1].is(",") {
					out = out[:n-1]
				}
				out = append(out, token{tokPunct, "}"}, tokComma, token{tokPunct, "{"})
				top.keys = map[string]bool{}
			}
			top.keys[key] = true
		}
		out = append(out, t)
	}
	return out
}

func endsValue(t token) bool {
	return t.kind == tokString || t.kind == tokBare || t.is("}") || t.is("]")
}

func startsValue(t token) bool {
	return t.kind == tokString || t.kind == tokBare || t.is("{") || t.is("[")
}

func insertMissingCommas(ts []token, _ map[string]bool) []token {
	var out []token
	depth := 0
	for _, t := range ts {
		if depth > 0 && len(out) > 0 && endsValue(out[len(out)-1]) && startsValue(t) {
			out = append(out, tokComma)
		}
		switch {
		case t.is("{") || t.is("["):
			depth++
		case t.is("}") || t.is("]"):
			depth--
		}
		out = append(out, t)
	}
	return out
}

func collapseCommas(ts []token, _ map[string]bool) []token {
	var out []token
	for i, t := range ts {
		if !t.is(",") {
			out = append(out, t)
			continue
		}
		if len(out) == 0 {
			continue
		}
		last := out[len(out)-1]
		if last.is(",") || last.is("{") || last.is("[") || last.is(":") {
			continue
		}
		j := i + 1
		for j < len(ts) && ts[j].is(",") {
			j++
		}
		if j == len(ts) || ts[j].is("}") || ts[j].is("]") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func wrapMultipleRoots(ts []token, _ map[string]bool) []token {
	roots := 0
	depth := 0
	for _, t := range ts {
		if depth == 0 && startsValue(t) {
			roots++
		}
		switch {
		case t.is("{") || t.is("["):
			depth++
		case t.is("}") || t.is("]"):
			depth--
		}
	}
	if roots < 2 {
		return ts
	}

	out := []token{{tokPunct, "["}}
	depth = 0
	seen := 0
	for _, t := range ts {
		if depth == 0 && startsValue(t) {
			if seen > 0 && !out[len(out)-1].is(",") {
				out = append(out, tokComma)
			}
			seen++
		}
		switch {
		case t.is("{") || t.is("["):
			depth++
		case t.is("}") || t.is("]"):
			depth--
		}
		out = append(out, t)
	}
	return append(out, token{tokPunct, "]"})
}

package decode

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var required = []string{"file", "label"}

func TestRepair(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already valid", `{"file":"a","label":"b"}`, `{"file":"a","label":"b"}`},
		{"bare keys", `{file: "a", label: "b"}`, `{"file":"a","label":"b"}`},
		{"single quotes", `{'file': 'it\'s', "label": 'say "hi"'}`, `{"file":"it's","label":"say \"hi\""}`},
		{"duplicate commas", `[{"file":"a"},,,{"file":"b"},]`, `[{"file":"a"},{"file":"b"}]`},
		{"leading comma", `{,"file":"a"}`, `{"file":"a"}`},
		{"missing closers", `[{"file":"a","label":"b"`, `[{"file":"a","label":"b"}]`},
		{"mismatched closer", `[{"file":"a"]`, `[{"file":"a"}]`},
		{"orphan closer", `"file":"a"},{"file":"b"}`, `[{"file":"a"},{"file":"b"}]`},
		{"bare members", `file:"a",label:"b"`, `{"file":"a","label":"b"}`},
		{"repeated required key", `{"file":"a","label":"x","file":"b","label":"y"}`, `[{"file":"a","label":"x"},{"file":"b","label":"y"}]`},
		{"repeated key nested stays", `{"data":{"file":"a","file":"b"}}`, `{"data":{"file":"a","file":"b"}}`},
		{"missing commas", `{"file":"a" "label":"b"}`, `{"file":"a","label":"b"}`},
		{"concatenated roots", `{"file":"a"}{"file":"b"}`, `[{"file":"a"},{"file":"b"}]`},
		{"js assignment", `var sources = {file:"a"};`, `{"file":"a"}`},
		{"bare values", `{file: https, n: 12, ok: True, x: undefined}`, `{"file":"https","n":12,"ok":true,"x":null}`},
		{"missing value", `{"file":"a","label":}`, `{"file":"a","label":null}`},
		{"unterminated string", `{"file":"a`, `{"file":"a"}`},
		{"number key behind stray closer", `{file: "https://a/x.m3u8", 1080]: "hd"}`, `{"file":"https://a/x.m3u8","1080":"hd"}`},
		{"number key after leading root", `-label01{0]:file}`, `["-label01",{"0":"file"}]`},
		{"value left empty by dropped closer", `{a:]`, `{"a":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Repair(tt.in, required)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Every input in the corpus must reach a fixpoint after one pass and, when
// recoverable, be valid JSON.
func TestRepairIsIdempotent(t *testing.T) {
	corpus := []string{
		`{file: "a", label: "b"}`,
		`[{"file":"a"},,,{"file":"b"},]`,
		`[{"file":"a","label":"b"`,
		`"file":"a"},{"file":"b"}`,
		`{"file":"a","label":"x","file":"b","label":"y","file":"c"}`,
		`{"file":"a"}{"file":"b"} {"file":"c"}`,
		`var s = [{file:'x',label:'y'},{file:'z',label:'w'}];`,
		`{"a":[1,2,,3],"b":{"c":}}`,
		`{{"file":"a"}`,
		`}}{"file":"a"`,
		`{"file":"a\"b","label":"é"}`,
		`{file:"https://cdn.example/a.m3u8" label:"HD"}`,
		`{file: "https://a/x.m3u8", 1080]: "hd"}`,
		`-label01{0]:file}`,
		`{true]:1, None}:2}`,
		`file:file:file`,
	}

	for _, in := range corpus {
		once := Repair(in, required)
		twice := Repair(once, required)
		assert.Equal(t, once, twice, "input %q", in)
	}

	recoverable := corpus[:8]
	for _, in := range recoverable {
		out := Repair(in, required)
		assert.True(t, json.Valid([]byte(out)), "input %q repaired to invalid %q", in, out)
	}
}

func TestRepairReachesFixpointOnRandomInput(t *testing.T) {
	pieces := []string{
		"{", "}", "[", "]", ":", ",", `"`, "'", " ", `\`,
		"file", "label", "a", "0", "1080", "-", "true", "None", "x.m3u8",
	}
	rng := rand.New(rand.NewPCG(7, 11))

	for range 20000 {
		var b strings.Builder
		for range 1 + rng.IntN(16) {
			b.WriteString(pieces[rng.IntN(len(pieces))])
		}
		in := b.String()

		once := Repair(in, required)
		if twice := Repair(once, required); twice != once {
			t.Fatalf("input %q: once %q, twice %q", in, once, twice)
		}
	}
}

func TestRepairRulesRunInOrder(t *testing.T) {
	names := make([]string, 0, len(repairRules))
	for _, r := range repairRules {
		assert.NotEmpty(t, r.when, r.name)
		names = append(names, r.name)
	}
	assert.Equal(t, []string{
		"quote-bare-keys",
		"normalize-bare-values",
		"fill-missing-values",
		"balance-brackets",
		"brace-bare-members",
		"split-repeated-required-keys",
		"insert-missing-commas",
		"collapse-commas",
		"wrap-multiple-roots",
	}, names)
}

func TestRepairRulesIndividually(t *testing.T) {
	tests := []struct {
		rule string
		in   string
		want string
	}{
		{"quote-bare-keys", `{a:1}`, `{"a":1}`},
		{"normalize-bare-values", `["x",None,-1.5e3,abc]`, `["x",null,-1.5e3,"abc"]`},
		{"fill-missing-values", `{"a":}`, `{"a":null}`},
		{"balance-brackets", `[{"a":1`, `[{"a":1}]`},
		{"brace-bare-members", `"a":1`, `{"a":1}`},
		{"split-repeated-required-keys", `[{"file":1,"file":2}]`, `[{"file":1},{"file":2}]`},
		{"insert-missing-commas", `[1 2]`, `[1,2]`},
		{"collapse-commas", `[,1,,2,]`, `[1,2]`},
		{"wrap-multiple-roots", `1 2`, `[1,2]`},
	}

	req := map[string]bool{"file": true}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			var rule *repairRule
			for i := range repairRules {
				if repairRules[i].name == tt.rule {
					rule = &repairRules[i]
				}
			}
			if rule == nil {
				t.Fatalf("rule %q not found", tt.rule)
			}
			got := serialize(rule.apply(tokenize(tt.in), req))
			assert.Equal(t, tt.want, got)
			// A rule applied to its own output changes nothing.
			assert.Equal(t, got, serialize(rule.apply(tokenize(got), req)))
		})
	}
}

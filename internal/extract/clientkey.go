package extract

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// The embed page hides its client key with one of several rotating
// placements. Rules are tried in order; the first hit wins.
type keyRule struct {
	name string
	re   *regexp.Regexp
	// parts are concatenated in order; a single group is the common case.
	parts []int
}

var clientKeyRules = []keyRule{
	{"meta", regexp.MustCompile(`<meta name="_gg_fb" content="([a-zA-Z0-9]+)">`), []int{1}},
	{"comment", regexp.MustCompile(`<!--\s+_is_th:([0-9a-zA-Z]+)\s+-->`), []int{1}},
	{"lk_db", regexp.MustCompile(`<script>window\._lk_db\s+=\s+\{x:\s+["']([a-zA-Z0-9]+)["'],\s+y:\s+["']([a-zA-Z0-9]+)["'],\s+z:\s+["']([a-zA-Z0-9]+)["']\};</script>`), []int{1, 2, 3}},
	{"data-dpi", regexp.MustCompile(`<div\s+data-dpi="([0-9a-zA-Z]+)"\s+[^>]*></div>`), []int{1}},
	{"nonce", regexp.MustCompile(`<script nonce="([0-9a-zA-Z]+)">`), []int{1}},
	{"xy_ws", regexp.MustCompile("<script>window\\._xy_ws = ['\"`]([0-9a-zA-Z]+)['\"`];</script>"), []int{1}},
}

// extractClientKey returns the client key from an embed page.
func extractClientKey(html string) (string, error) {
	for _, rule := range clientKeyRules {
		m := rule.re.FindStringSubmatch(html)
		if m == nil {
			continue
		}
		var b strings.Builder
		for _, g := range rule.parts {
			b.WriteString(m[g])
		}
		if b.Len() == 0 {
			return "", errors.Errorf("client key rule %s matched an empty key", rule.name)
		}
		return b.String(), nil
	}
	return "", errors.New("no client key pattern matched")
}

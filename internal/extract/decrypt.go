package extract

import (
	"encoding/base64"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Encrypted getSources payloads are three stacked layers over printable
// ASCII. Each layer is a seeded shift, a columnar transposition and a seeded
// substitution, keyed by the derived key plus the layer number.

const (
	sourceLayers = 3
	printableLen = 95
	keygenXOR    = 247
	keygenShift  = 5
)

var printable = func() [printableLen]byte {
	var a [printableLen]byte
	for i := range a {
		a[i] = byte(32 + i)
	}
	return a
}()

func isPrintable(c byte) bool { return c >= 32 && c <= 126 }

// lcg is the generator both the shift and the shuffle draw from.
type lcg uint64

func (g *lcg) next(n int) int {
	*g = (*g*1103515245 + 12345) & 0x7fffffff
	return int(uint64(*g) % uint64(n))
}

// hash31 is the 32-bit multiplicative string hash that seeds each layer.
func hash31(s string) uint64 {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = (h*31 + uint64(s[i])) & 0xffffffff
	}
	return h
}

// decryptSources undoes every layer and strips the 4-digit length header.
// It returns "" when the result is not well-formed.
func decryptSources(src, clientKey, megaKey string) string {
	key := deriveKey(megaKey, clientKey)
	if key == "" {
		return ""
	}
	data := atob(src)
	for layer := sourceLayers; layer > 0; layer-- {
		data = reverseLayer(data, key+strconv.Itoa(layer))
	}

	if len(data) < 4 {
		return ""
	}
	n, err := strconv.Atoi(string(data[:4]))
	if err != nil || n < 0 || 4+n > len(data) {
		return ""
	}
	return string(data[4 : 4+n])
}

func reverseLayer(data []byte, layerKey string) []byte {
	rng := lcg(hash31(layerKey))
	out := make([]byte, len(data))
	for i, c := range data {
		if !isPrintable(c) {
			out[i] = c
			continue
		}
		idx := int(c - 32)
		out[i] = printable[(idx-rng.next(printableLen)+printableLen)%printableLen]
	}

	out = transpose(out, layerKey)

	sub := shuffled(layerKey)
	var rev [256]byte
	for i, c := range sub {
		rev[c] = printable[i]
	}
	for i, c := range out {
		if isPrintable(c) {
			out[i] = rev[c]
		}
	}
	return out
}

// shuffled is a Fisher-Yates permutation of the printable alphabet.
func shuffled(key string) [printableLen]byte {
	rng := lcg(hash31(key))
	a := printable
	for i := len(a) - 1; i > 0; i-- {
		j := rng.next(i + 1)
		a[i], a[j] = a[j], a[i]
	}
	return a
}

// columnOrder returns column indices sorted by key byte, stable on ties.
func columnOrder(key string) []int {
	order := make([]int, len(key))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return key[order[a]] < key[order[b]] })
	return order
}

// transpose writes src down the columns in key order and reads the grid row
// by row. Short input is padded with spaces.
func transpose(src []byte, key string) []byte {
	cols := len(key)
	if cols == 0 {
		return src
	}
	rows := (len(src) + cols - 1) / cols
	grid := make([]byte, rows*cols)
	for i := range grid {
		grid[i] = ' '
	}

	k := 0
	for _, col := range columnOrder(key) {
		for row := 0; row < rows && k < len(src); row++ {
			grid[row*cols+col] = src[k]
			k++
		}
	}
	return grid
}

// deriveKey mixes the published key with the page's client key.
func deriveKey(megaKey, clientKey string) string {
	seed := megaKey + clientKey
	if seed == "" {
		return ""
	}

	// h = c + 31h + (h << 7) - h, unbounded, then folded to 63 bits.
	h := new(big.Int)
	mul := big.NewInt(158)
	for i := 0; i < len(seed); i++ {
		h.Mul(h, mul)
		h.Add(h, big.NewInt(int64(seed[i])))
	}
	folded := new(big.Int).Mod(h, new(big.Int).SetUint64(0x7fffffffffffffff)).Int64()

	mixed := []byte(seed)
	for i := range mixed {
		mixed[i] ^= keygenXOR
	}
	pivot := (int(folded%int64(len(mixed))) + keygenShift) % len(mixed)
	rotated := append(append([]byte{}, mixed[pivot:]...), mixed[:pivot]...)

	leaf := reverseString(clientKey)
	out := make([]byte, 0, len(rotated)+len(leaf))
	for i := 0; i < len(rotated) || i < len(leaf); i++ {
		if i < len(rotated) {
			out = append(out, rotated[i])
		}
		if i < len(leaf) {
			out = append(out, leaf[i])
		}
	}

	if limit := 96 + int(folded%33); limit < len(out) {
		out = out[:limit]
	}
	for i, c := range out {
		out[i] = byte(int(c)%printableLen + 32)
	}
	return string(out)
}

// atob decodes base64 the lenient way browsers do: whitespace and padding
// are ignored and a dangling single character is dropped.
func atob(s string) []byte {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '=', ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if len(clean)%4 == 1 {
		clean = clean[:len(clean)-1]
	}
	out, err := base64.RawStdEncoding.DecodeString(clean)
	if err != nil {
		return nil
	}
	return out
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// Package fingerprint computes comparable representations of posts: a
// MinHash signature over normalized text shingles and 64-bit average hashes
// of images. Fingerprints are pure functions of post content.
package fingerprint

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// SignatureSize is the number of MinHash slots in a text signature.
	SignatureSize = 128
	// ShingleSize is the length of character shingles in runes.
	ShingleSize = 5
	// MinTextRunes is the shortest normalized text that gets a signature.
	MinTextRunes = 20
)

var (
	vkLinkRe = regexp.MustCompile(`\[(?:id|club|public|event)\d+\|([^\]]*)\]`)
	urlRe    = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+|\b[\p{L}\d-]+\.(?:ru|com|рф|org|net|me)/\S*`)
	tagRe    = regexp.MustCompile(`[#@][\p{L}\p{N}_]+`)
)

var seeds = func() [SignatureSize]uint64 {
	var out [SignatureSize]uint64
	x := uint64(0x5eed_1e55_c0ff_ee00)
	for i := range out {
		x += 0x9e3779b97f4a7c15
		out[i] = mix(x)
	}
	return out
}()

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// NormalizeText reduces text to the form that is compared: links, hashtags
// and mentions removed, case folded, punctuation dropped, whitespace
// collapsed, ё folded into е.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = vkLinkRe.ReplaceAllString(s, " $1 ")
	s = urlRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = cases.Fold().String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == 'ё':
			return 'е'
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			return r
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// TextSignature returns the MinHash signature of the text, or nil when the
// normalized text is shorter than MinTextRunes.
func TextSignature(text string) []uint64 {
	runes := []rune(NormalizeText(text))
	if len(runes) < MinTextRunes {
		return nil
	}

	shingles := make(map[uint64]struct{}, len(runes))
	for i := 0; i+ShingleSize <= len(runes); i++ {
		shingles[xxhash.Sum64String(string(runes[i:i+ShingleSize]))] = struct{}{}
	}

	sig := make([]uint64, SignatureSize)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for h := range shingles {
		for i, seed := range seeds {
			if v := mix(h ^ seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

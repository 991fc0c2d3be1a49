// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import "unicode"

// DetectLanguage guesses the message language from its dominant script.
//
// # Description
//
//	A script-level heuristic, not a language identifier: it returns a BCP 47
//	primary tag for scripts that map to one plausible support language and
//	"en" otherwise. Good enough to pick a reply language; anything finer
//	belongs in a real language-ID model behind the same call site.
func DetectLanguage(text string) string {
	counts := map[string]int{}
	total := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		total++
		switch {
		case unicode.Is(unicode.Han, r):
			counts["zh"]++
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			counts["ja"]++
		case unicode.Is(unicode.Hangul, r):
			counts["ko"]++
		case unicode.Is(unicode.Cyrillic, r):
			counts["ru"]++
		case unicode.Is(unicode.Arabic, r):
			counts["ar"]++
		case unicode.Is(unicode.Devanagari, r):
			counts["hi"]++
		case unicode.Is(unicode.Greek, r):
			counts["el"]++
		case unicode.Is(unicode.Hebrew, r):
			counts["he"]++
		case unicode.Is(unicode.Thai, r):
			counts["th"]++
		}
	}
	if total == 0 {
		return "en"
	}
	// Japanese text mixes Han with kana; prefer ja when any kana present.
	if counts["ja"] > 0 {
		return "ja"
	}
	best, bestCount := "en", 0
	for lang, c := range counts {
		if c > bestCount {
			best, bestCount = lang, c
		}
	}
	// Majority of letters must be non-Latin before overriding the default.
	if bestCount*2 <= total {
		return "en"
	}
	return best
}

/*
Ferrymail - Standalone outbound email delivery engine.
Copyright © 2022-2024 Ferrymail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package security

import (
	"strings"
	"unicode"

	"github.com/emersion/go-message/textproto"
)

// Rule weights for the spam heuristic. The total is capped at scoreCap so a
// single pathological input cannot produce an unbounded score.
const (
	phraseWeight     = 1.5
	linkRatioWeight  = 2.0
	uppercaseWeight  = 2.0
	missingHdrWeight = 1.0
	manyRcptsWeight  = 1.5
	scoreCap         = 10.0

	// Uppercase ratio is meaningless for short bodies.
	minLetters = 20

	linkRatioThreshold = 0.2
	upperThreshold     = 0.5
	manyRcpts          = 20
)

// suspectPhrases is matched case-insensitively against the body. Kept short
// on purpose: this is a tripwire for the obvious, not a content filter.
var suspectPhrases = []string{
	"100% free",
	"act now",
	"click here",
	"earn cash",
	"free money",
	"guaranteed winner",
	"no credit check",
	"risk free",
	"urgent response",
	"viagra",
	"wire transfer",
	"you have been selected",
}

// AnalyseSpam scores a message against the built-in heuristics and returns
// the matched rule names. The score is advisory, callers compare it against
// the configured threshold (see IsSpam).
func (m *Manager) AnalyseSpam(hdr textproto.Header, body []byte) (float64, []string) {
	var (
		score   float64
		matched []string
	)
	text := string(body)
	lower := strings.ToLower(text)

	for _, phrase := range suspectPhrases {
		if strings.Contains(lower, phrase) {
			score += phraseWeight
			matched = append(matched, "phrase:"+phrase)
		}
	}

	if linkRatio(lower) > linkRatioThreshold {
		score += linkRatioWeight
		matched = append(matched, "link_ratio")
	}
	if upperRatio(text) > upperThreshold {
		score += uppercaseWeight
		matched = append(matched, "uppercase")
	}

	for _, name := range []string{"From", "Date", "Subject"} {
		if !hdr.Has(name) {
			score += missingHdrWeight
			matched = append(matched, "missing_header:"+strings.ToLower(name))
		}
	}

	if headerRcpts(hdr) > manyRcpts {
		score += manyRcptsWeight
		matched = append(matched, "many_recipients")
	}

	if score > scoreCap {
		score = scoreCap
	}
	return score, matched
}

// IsSpam reports whether score crosses the configured threshold. A zero
// threshold disables the verdict.
func (m *Manager) IsSpam(score float64) bool {
	return m.cfg.SpamThreshold > 0 && score >= m.cfg.SpamThreshold
}

// linkRatio is URLs per word. A newsletter with a handful of links in
// paragraphs of text stays well under the threshold, a bare link dump does
// not.
func linkRatio(lower string) float64 {
	urls := strings.Count(lower, "http://") + strings.Count(lower, "https://")
	if urls == 0 {
		return 0
	}
	words := len(strings.Fields(lower))
	if words == 0 {
		return 1
	}
	return float64(urls) / float64(words)
}

func upperRatio(text string) float64 {
	var letters, upper int
	for _, ch := range text {
		if !unicode.IsLetter(ch) {
			continue
		}
		letters++
		if unicode.IsUpper(ch) {
			upper++
		}
	}
	if letters < minLetters {
		return 0
	}
	return float64(upper) / float64(letters)
}

// headerRcpts estimates the address count in To and Cc. Counting @ signs is
// crude but good enough for a heuristic input.
func headerRcpts(hdr textproto.Header) int {
	return strings.Count(hdr.Get("To"), "@") + strings.Count(hdr.Get("Cc"), "@")
}

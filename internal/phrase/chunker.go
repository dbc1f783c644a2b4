// Package phrase splits final transcripts into phrase units small enough to
// translate incrementally. Splitting is only safe between languages that
// share subject-object-verb order, where phrases can be translated in place
// without reordering.
package phrase

import (
	"sort"
	"strings"

	"github.com/eumlab/speechbridge/internal/language"
)

// Pair is the closed set of language pairings eligible for chunking.
type Pair int

const (
	PairNone Pair = iota
	PairKoreanJapanese
)

func (p Pair) String() string {
	if p == PairKoreanJapanese {
		return "ko-ja"
	}
	return "none"
}

// MinPhraseLength is the shortest phrase worth translating on its own, in runes.
const MinPhraseLength = 5

type Chunk struct {
	Text   string
	Index  int
	IsLast bool
}

// 연결어미·접속부사. Longest first wins the suffix match.
var koreanMarkers = markerTable(
	"하지만", "그리고", "그래서", "그런데",
	"지만", "는데", "은데", "니까", "면서", "어서", "아서", "다가", "려고", "거나",
)

// 接続助詞・接続詞。
var japaneseMarkers = markerTable(
	"けれども",
	"しかし", "ですが", "ますが", "そして", "ながら", "だから",
	"ので", "から", "けど", "して", "たら", "たり",
)

var markersByLanguage = map[string][][]rune{
	"ko": koreanMarkers,
	"ja": japaneseMarkers,
}

func markerTable(markers ...string) [][]rune {
	out := make([][]rune, len(markers))
	for i, m := range markers {
		out[i] = []rune(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// EligiblePair reports whether transcripts in source may be chunked for
// translation into target. The pairing is unordered.
func EligiblePair(source, target string) (Pair, bool) {
	a, b := language.Base(source), language.Base(target)
	if (a == "ko" && b == "ja") || (a == "ja" && b == "ko") {
		return PairKoreanJapanese, true
	}
	return PairNone, false
}

// ShouldChunk reports whether chunking text is worth the segmentation
// overhead: the pair must be eligible, the text long enough to plausibly
// split, and the split must actually produce more than one phrase.
func ShouldChunk(text, source, target string) bool {
	if _, ok := EligiblePair(source, target); !ok {
		return false
	}
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < 3*MinPhraseLength {
		return false
	}
	return len(Split(trimmed, source)) >= 2
}

// Split walks text rune by rune and closes a phrase whenever the buffer ends
// with a boundary marker, provided the buffer holds at least MinPhraseLength
// runes plus the marker itself. The longest suffix-matching marker wins; when
// the winner fails the length gate the position does not split at all. A
// trailing remainder shorter than twice MinPhraseLength merges into the
// previous phrase.
func Split(text, languageCode string) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	markers := markersByLanguage[language.Base(languageCode)]
	if len(markers) == 0 {
		return wholeChunk(trimmed)
	}

	var phrases []string
	buf := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		buf = append(buf, r)
		marker, ok := longestSuffixMarker(buf, markers)
		if !ok {
			continue
		}
		if len(buf) < MinPhraseLength+len(marker) {
			continue
		}
		if phrase := strings.TrimSpace(string(buf)); phrase != "" {
			phrases = append(phrases, phrase)
		}
		buf = buf[:0]
	}

	remainder := strings.TrimSpace(string(buf))
	switch {
	case remainder == "":
	case len([]rune(remainder)) < 2*MinPhraseLength && len(phrases) > 0:
		phrases[len(phrases)-1] += " " + remainder
	default:
		phrases = append(phrases, remainder)
	}

	if len(phrases) == 0 {
		return wholeChunk(trimmed)
	}
	chunks := make([]Chunk, len(phrases))
	for i, p := range phrases {
		chunks[i] = Chunk{Text: p, Index: i, IsLast: i == len(phrases)-1}
	}
	return chunks
}

func wholeChunk(text string) []Chunk {
	return []Chunk{{Text: text, Index: 0, IsLast: true}}
}

func longestSuffixMarker(buf []rune, markers [][]rune) ([]rune, bool) {
	for _, m := range markers {
		if hasRuneSuffix(buf, m) {
			return m, true
		}
	}
	return nil, false
}

func hasRuneSuffix(buf, suffix []rune) bool {
	if len(suffix) > len(buf) {
		return false
	}
	off := len(buf) - len(suffix)
	for i, r := range suffix {
		if buf[off+i] != r {
			return false
		}
	}
	return true
}

// Package chunker は長文を翻訳サービスに送れる大きさのブロックへ分割します。
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkSize は1ブロックの既定の最大文字数です。
const DefaultMaxChunkSize = 800

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Split は text を maxChunkSize 文字以下のブロックに分割します。
// 段落 → 文 → 単語の順に区切りを探し、どうしても収まらない単語だけ文字単位で切ります。
// 文字数はルーン単位で数えます。空白のみの入力は nil を返します。
func Split(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if runeLen(trimmed) <= maxChunkSize {
		return []string{trimmed}
	}

	var chunks []string
	for _, paragraph := range paragraphBreak.Split(trimmed, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if runeLen(paragraph) <= maxChunkSize {
			chunks = append(chunks, paragraph)
			continue
		}
		chunks = append(chunks, splitParagraph(paragraph, maxChunkSize)...)
	}

	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// splitParagraph は文単位でブロックを詰めていきます。
func splitParagraph(paragraph string, maxChunkSize int) []string {
	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, sentence := range sentences(paragraph) {
		trimmed := strings.TrimSpace(sentence)
		if trimmed == "" {
			continue
		}
		if runeLen(strings.TrimSpace(current.String()+sentence)) <= maxChunkSize {
			current.WriteString(sentence)
			continue
		}

		flush()
		if runeLen(trimmed) > maxChunkSize {
			chunks = append(chunks, splitWords(trimmed, maxChunkSize)...)
			continue
		}
		current.WriteString(sentence)
	}
	flush()
	return chunks
}

// sentences は文末記号の直後で区切り、記号と後続の空白は前の文に残します。
// 欧文の終止符は後ろに空白がある場合のみ、CJK の終止符は常に文末とみなします。
func sentences(paragraph string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(paragraph)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		end := -1
		switch r {
		case '。', '！', '？':
			end = i + 1
		case '.', '!', '?':
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				end = i + 1
			}
		}
		if end < 0 {
			continue
		}
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		out = append(out, string(runes[start:end]))
		start = end
		i = end - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// splitWords は空白区切りの単語を詰めていきます。上限を超える単語は文字単位で分割します。
func splitWords(sentence string, maxChunkSize int) []string {
	var (
		chunks  []string
		current string
	)
	for _, word := range strings.Fields(sentence) {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if runeLen(candidate) <= maxChunkSize {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
		if runeLen(word) <= maxChunkSize {
			current = word
			continue
		}
		pieces := hardSplit(word, maxChunkSize)
		chunks = append(chunks, pieces[:len(pieces)-1]...)
		current = pieces[len(pieces)-1]
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func hardSplit(word string, size int) []string {
	runes := []rune(word)
	pieces := make([]string, 0, len(runes)/size+1)
	for len(runes) > size {
		pieces = append(pieces, string(runes[:size]))
		runes = runes[size:]
	}
	return append(pieces, string(runes))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

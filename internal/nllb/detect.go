package nllb

import "unicode"

// AutoLanguage は原文言語の自動判定を指示するタグです。
const AutoLanguage = "auto"

// DetectLanguage は文字種から原文の言語を推定します。
// 漢字 → zh、仮名 → ja、ハングル → ko の順に判定し、該当しなければ en を返します。
// 簡易的な判定であり、仮名交じりの日本語も漢字を含めば zh になります。
func DetectLanguage(text string) string {
	var hasKana, hasHangul bool
	for _, r := range text {
		switch {
		case r >= 0x4e00 && r <= 0x9fff:
			return "zh"
		case r >= 0x3040 && r <= 0x30ff:
			hasKana = true
		case r >= 0xac00 && r <= 0xd7af:
			hasHangul = true
		}
	}
	switch {
	case hasKana:
		return "ja"
	case hasHangul:
		return "ko"
	default:
		return "en"
	}
}

func isBlank(text string) bool {
	for _, r := range text {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

package nllb

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Language は対応言語の表示名と NLLB の内部コードです。
type Language struct {
	Code string `json:"code" yaml:"-"`
	Name string `json:"name" yaml:"name"`
	NLLB string `json:"nllb" yaml:"nllb"`
}

var defaultLanguages = map[string]Language{
	"zh": {Name: "中文", NLLB: "zho_Hans"},
	"en": {Name: "English", NLLB: "eng_Latn"},
	"es": {Name: "Español", NLLB: "spa_Latn"},
	"fr": {Name: "Français", NLLB: "fra_Latn"},
	"pt": {Name: "Português", NLLB: "por_Latn"},
	"ar": {Name: "العربية", NLLB: "arb_Arab"},
	"hi": {Name: "हिन्दी", NLLB: "hin_Deva"},
	"th": {Name: "ไทย", NLLB: "tha_Thai"},
	"vi": {Name: "Tiếng Việt", NLLB: "vie_Latn"},
	"id": {Name: "Bahasa Indonesia", NLLB: "ind_Latn"},
	"ms": {Name: "Bahasa Melayu", NLLB: "zsm_Latn"},
	"tl": {Name: "Filipino", NLLB: "fil_Latn"},
	"km": {Name: "ខ្មែរ", NLLB: "khm_Khmr"},
	"lo": {Name: "ລາວ", NLLB: "lao_Laoo"},
	"my": {Name: "မြန်မာ", NLLB: "mya_Mymr"},
	"si": {Name: "සිංහල", NLLB: "sin_Sinh"},
	"ja": {Name: "日本語", NLLB: "jpn_Jpan"},
	"ko": {Name: "한국어", NLLB: "kor_Hang"},
	"ru": {Name: "Русский", NLLB: "rus_Cyrl"},
	"de": {Name: "Deutsch", NLLB: "deu_Latn"},
	"it": {Name: "Italiano", NLLB: "ita_Latn"},
	"nl": {Name: "Nederlands", NLLB: "nld_Latn"},
	"pl": {Name: "Polski", NLLB: "pol_Latn"},
	"tr": {Name: "Türkçe", NLLB: "tur_Latn"},
	"he": {Name: "עברית", NLLB: "heb_Hebr"},
	"fa": {Name: "فارسی", NLLB: "pes_Arab"},
	"ur": {Name: "اردو", NLLB: "urd_Arab"},
	"bn": {Name: "বাংলা", NLLB: "ben_Beng"},
	"ta": {Name: "தமிழ்", NLLB: "tam_Taml"},
	"te": {Name: "తెలుగు", NLLB: "tel_Telu"},
	"ml": {Name: "മലയാളം", NLLB: "mal_Mlym"},
	"kn": {Name: "ಕನ್ನಡ", NLLB: "kan_Knda"},
	"gu": {Name: "ગુજરાતી", NLLB: "guj_Gujr"},
	"pa": {Name: "ਪੰਜਾਬੀ", NLLB: "pan_Guru"},
	"ne": {Name: "नेपाली", NLLB: "npi_Deva"},
	"sw": {Name: "Kiswahili", NLLB: "swh_Latn"},
	"am": {Name: "አማርኛ", NLLB: "amh_Ethi"},
	"ha": {Name: "Hausa", NLLB: "hau_Latn"},
	"ig": {Name: "Igbo", NLLB: "ibo_Latn"},
	"yo": {Name: "Yorùbá", NLLB: "yor_Latn"},
	"zu": {Name: "isiZulu", NLLB: "zul_Latn"},
	"xh": {Name: "isiXhosa", NLLB: "xho_Latn"},
	"mg": {Name: "Malagasy", NLLB: "plt_Latn"},
	"ht": {Name: "Kreyòl Ayisyen", NLLB: "hat_Latn"},
	"ps": {Name: "پښتو", NLLB: "pbt_Arab"},
	"sd": {Name: "سنڌي", NLLB: "snd_Arab"},
	"ky": {Name: "Кыргызча", NLLB: "kir_Cyrl"},
	"tg": {Name: "Тоҷикӣ", NLLB: "tgk_Cyrl"},
	"mn": {Name: "Монгол", NLLB: "khk_Cyrl"},
}

// LanguageTable は言語タグから NLLB コードへの対応表です。
// 構築後は読み取り専用なので並行利用できます。
type LanguageTable struct {
	entries map[string]Language
}

// DefaultLanguages は組み込みの対応表を返します。
func DefaultLanguages() *LanguageTable {
	entries := make(map[string]Language, len(defaultLanguages))
	for code, lang := range defaultLanguages {
		lang.Code = code
		entries[code] = lang
	}
	return &LanguageTable{entries: entries}
}

// LoadLanguages は組み込みの対応表に YAML ファイルの内容を上書きします。
// path が空の場合は組み込みの表をそのまま返します。
//
//	ja:
//	  name: 日本語
//	  nllb: jpn_Jpan
func LoadLanguages(path string) (*LanguageTable, error) {
	table := DefaultLanguages()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read language map: %w", err)
	}
	var overrides map[string]Language
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse language map: %w", err)
	}
	for code, lang := range overrides {
		code = strings.TrimSpace(code)
		if code == "" || lang.NLLB == "" {
			return nil, fmt.Errorf("language map entry %q requires nllb code", code)
		}
		lang.Code = code
		table.entries[code] = lang
	}
	return table, nil
}

// Normalize は言語タグを NLLB コードに変換します。未知のタグはそのまま返します。
func (t *LanguageTable) Normalize(tag string) string {
	if t == nil {
		return tag
	}
	if lang, ok := t.entries[tag]; ok {
		return lang.NLLB
	}
	return tag
}

// Supported は tag が対応表に含まれるかを返します。
func (t *LanguageTable) Supported(tag string) bool {
	if t == nil {
		return false
	}
	_, ok := t.entries[tag]
	return ok
}

// List はコード順に並べた対応言語の一覧を返します。
func (t *LanguageTable) List() []Language {
	if t == nil {
		return nil
	}
	out := make([]Language, 0, len(t.entries))
	for _, lang := range t.entries {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

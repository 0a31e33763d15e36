// Package i18n localizes the human-readable messages the API returns next
// to machine-readable reason codes.
//
// The language comes from the Accept-Language header and falls back to
// DefaultLanguage.
//
//	localizer := i18n.NewLocalizer("tr")
//	msg := localizer.T("scan.TOKEN_MISMATCH")
package i18n

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SupportedLanguages are the bundled translations.
var SupportedLanguages = []string{"en", "tr"}

// DefaultLanguage is used when nothing better matches.
const DefaultLanguage = "en"

// translations is map[lang]map[key]value. Written once by Load, read-only after.
var (
	translations map[string]map[string]string
	loadOnce     sync.Once
)

// Load reads <lang>.json for every supported language from localesFS.
// Nested keys are flattened to dot notation. Only the first call has effect.
func Load(localesFS fs.FS) error {
	var loadErr error

	loadOnce.Do(func() {
		translations = make(map[string]map[string]string)

		for _, lang := range SupportedLanguages {
			fileName := lang + ".json"

			data, err := fs.ReadFile(localesFS, fileName)
			if err != nil {
				loadErr = fmt.Errorf("failed to read translation file %s: %w", fileName, err)
				return
			}

			var nested map[string]any
			if err := json.Unmarshal(data, &nested); err != nil {
				loadErr = fmt.Errorf("failed to parse translation file %s: %w", fileName, err)
				return
			}

			flat := make(map[string]string)
			flattenMap("", nested, flat)
			translations[lang] = flat

			log.Debug().Str("component", "i18n").Int("keys", len(flat)).Str("lang", lang).Msg("translations loaded")
		}
	})

	return loadErr
}

// Localizer translates keys for one language.
type Localizer struct {
	lang string
}

// NewLocalizer returns a Localizer; unsupported languages use the default.
func NewLocalizer(lang string) *Localizer {
	if !isSupported(lang) {
		lang = DefaultLanguage
	}
	return &Localizer{lang: lang}
}

// T returns the translation of key, then the English one, then key itself.
func (l *Localizer) T(key string) string {
	if msg, ok := translations[l.lang][key]; ok {
		return msg
	}
	if msg, ok := translations[DefaultLanguage][key]; ok {
		return msg
	}
	return key
}

// Lang returns the language the localizer resolved to.
func (l *Localizer) Lang() string {
	return l.lang
}

// TWithParams replaces {{name}} placeholders after translating.
func (l *Localizer) TWithParams(key string, params map[string]string) string {
	msg := l.T(key)
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{{"+k+"}}", v)
	}
	return msg
}

// DetectLanguage picks the first supported language of an Accept-Language
// header such as "tr-TR,tr;q=0.9,en;q=0.8". Quality values are ignored.
func DetectLanguage(acceptLanguage string) string {
	if acceptLanguage == "" {
		return DefaultLanguage
	}

	parts := strings.Split(acceptLanguage, ",")
	for _, part := range parts {
		lang := strings.TrimSpace(strings.Split(part, ";")[0])
		lang = strings.Split(lang, "-")[0]
		lang = strings.ToLower(lang)

		if isSupported(lang) {
			return lang
		}
	}

	return DefaultLanguage
}

// ─── Helpers ───

func isSupported(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// flattenMap turns {"scan": {"x": "..."}} into {"scan.x": "..."}.
func flattenMap(prefix string, src map[string]any, dst map[string]string) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch val := v.(type) {
		case string:
			dst[key] = val
		case map[string]any:
			flattenMap(key, val, dst)
		}
	}
}

// Package language holds the recognition language codes the bridge accepts.
package language

import (
	"errors"
	"strings"
)

// ErrUnsupported marks language codes outside the recognition set. Callers
// that surface the failure to clients match on it with errors.Is.
var ErrUnsupported = errors.New("unsupported language code")

const (
	Korean   = "ko-KR"
	English  = "en-US"
	Japanese = "ja-JP"
	Chinese  = "zh-CN"
)

var supported = map[string]string{
	"ko": Korean,
	"en": English,
	"ja": Japanese,
	"zh": Chinese,
}

// Normalize maps a client language code to its full recognition code.
// Bare base codes ("ko") and full codes ("ko-KR") are both accepted; the
// region part of a full code is ignored in favor of the canonical one.
func Normalize(code string) (string, bool) {
	full, ok := supported[Base(code)]
	return full, ok
}

// IsSupported reports whether code names one of the recognized languages.
func IsSupported(code string) bool {
	_, ok := Normalize(code)
	return ok
}

// Base returns the lowercase primary subtag of a language code ("ko-KR" -> "ko").
func Base(code string) string {
	code = strings.TrimSpace(strings.ToLower(code))
	if i := strings.IndexByte(code, '-'); i >= 0 {
		return code[:i]
	}
	return code
}

// Supported lists the full recognition codes in a stable order.
func Supported() []string {
	return []string{Korean, English, Japanese, Chinese}
}

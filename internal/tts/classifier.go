package tts

import "strings"

const (
	CodeCreditsOrQuota = "credits_or_quota"
	CodeCharLimit      = "char_limit"
	CodeAuthError      = "auth_error"
	// CodeProviderError is the fallback bucket for unrecognised provider errors.
	CodeProviderError = "provider_error"
)

type Classification struct {
	Code    string
	Message string
}

// Classifier maps a provider error body to a machine code and a short
// user-facing message.
type Classifier func(body string) Classification

var keywordRules = []struct {
	keywords []string
	class    Classification
}{
	{[]string{"quota", "credit", "balance"}, Classification{CodeCreditsOrQuota, "insufficient credits at the speech provider"}},
	{[]string{"character", "length"}, Classification{CodeCharLimit, "speech provider character limit reached"}},
	{[]string{"unauthorized", "forbidden", "token"}, Classification{CodeAuthError, "speech provider rejected the credentials"}},
}

// DefaultClassifier scans the body case-insensitively for known keywords;
// the first matching rule wins.
func DefaultClassifier(body string) Classification {
	lower := strings.ToLower(body)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.class
			}
		}
	}
	return Classification{Code: CodeProviderError, Message: "speech generation failed"}
}

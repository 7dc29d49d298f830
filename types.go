package deathbycaptcha

// CaptchaType selects which CAPTCHA variant is being submitted. The
// numeric values are the provider's wire discriminators and must not
// be changed.
type CaptchaType int

const (
	TypeImage                 CaptchaType = 0
	TypeRecaptchaV2           CaptchaType = 4
	TypeRecaptchaV3           CaptchaType = 5
	TypeFunCaptcha            CaptchaType = 6
	TypeHCaptcha              CaptchaType = 7
	TypeGeetest               CaptchaType = 8
	TypeGeetestV4             CaptchaType = 9
	TypeAudio                 CaptchaType = 13
	TypeLemin                 CaptchaType = 14
	TypeAmazonWAF             CaptchaType = 16
	TypeCutcaptcha            CaptchaType = 19
	TypeRecaptchaV2Enterprise CaptchaType = 25
)

// paramsField returns the wire field name carrying the JSON parameter
// blob for token-based types, or "" for types without one.
func (t CaptchaType) paramsField() string {
	switch t {
	case TypeRecaptchaV2, TypeRecaptchaV3:
		return "token_params"
	case TypeFunCaptcha:
		return "funcaptcha_params"
	case TypeHCaptcha:
		return "hcaptcha_params"
	case TypeGeetest, TypeGeetestV4:
		return "geetest_params"
	case TypeLemin:
		return "lemin_params"
	case TypeAmazonWAF:
		return "waf_params"
	case TypeCutcaptcha:
		return "cutcaptcha_params"
	case TypeRecaptchaV2Enterprise:
		return "token_enterprise_params"
	}
	return ""
}

// Correctness is the tri-state correctness flag on a CAPTCHA record.
// It starts Unknown and transitions at most once to a terminal value.
type Correctness int

const (
	CorrectnessUnknown Correctness = iota
	CorrectnessCorrect
	CorrectnessIncorrect
)

// Captcha is the provider-side record of one submitted CAPTCHA.
type Captcha struct {
	ID          int64
	Text        string
	Correctness Correctness
}

// Solved reports whether the record carries a solution.
func (c *Captcha) Solved() bool {
	return c != nil && c.ID != 0 && c.Text != ""
}

// User is a read-only snapshot of the provider account.
type User struct {
	ID       int64
	Balance  int // US cents
	IsBanned bool
	Rate     float64
}

// TokenParams holds the type-specific parameters for token-based
// CAPTCHA types. Field names follow the provider's JSON schema; only
// set fields are sent.
type TokenParams struct {
	Proxy     string  `json:"proxy,omitempty"`
	ProxyType string  `json:"proxytype,omitempty"`
	GoogleKey string  `json:"googlekey,omitempty"`
	SiteKey   string  `json:"sitekey,omitempty"`
	PageURL   string  `json:"pageurl,omitempty"`
	Action    string  `json:"action,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"`
	CaptchaID string  `json:"captcha_id,omitempty"`
	IV        string  `json:"iv,omitempty"`
	Context   string  `json:"context,omitempty"`
}

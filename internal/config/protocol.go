package config

// Static protocol tables. Version-specific values (payload version strings,
// model identifiers) are data here, never code branches elsewhere.

// APIVersion is the payload version string sent with every request.
const APIVersion = "2.18"

// Endpoint paths relative to BaseURL.
const (
	PathAuthSession = "/api/auth/session"
	PathAuthSignin  = "/api/auth/signin/email"
	PathSSEAsk      = "/rest/sse/perplexity_ask"
	PathUploadURL   = "/rest/uploads/create_upload_url"
)

// Account limits assigned right after provisioning.
const (
	StartingPremiumCredits = 5
	StartingUploadCredits  = 10
)

// Sign-in email recognition.
const (
	SigninMailSubject = "Sign in to Perplexity"
	SigninLinkPattern = `"(https://www\.perplexity\.ai/api/auth/callback/email\?callbackUrl=.*?)"`
)

// Modes accepted by Search.
const (
	ModeAuto         = "auto"
	ModePro          = "pro"
	ModeReasoning    = "reasoning"
	ModeDeepResearch = "deep research"
)

// PremiumModes are the modes that consume a premium query credit.
var PremiumModes = map[string]bool{
	ModePro:          true,
	ModeReasoning:    true,
	ModeDeepResearch: true,
}

// Sources accepted by Search.
var Sources = map[string]bool{
	"web":     true,
	"scholar": true,
	"social":  true,
}

// ModelPreferences maps mode -> user-facing model name -> backend
// preference identifier. The empty model name is the mode default.
var ModelPreferences = map[string]map[string]string{
	ModeAuto: {
		"": "turbo",
	},
	ModePro: {
		"":                  "pplx_pro",
		"sonar":             "experimental",
		"gpt-5.2":           "gpt52",
		"claude-4.5-sonnet": "claude45sonnet",
		"grok-4.1":          "grok41nonreasoning",
	},
	ModeReasoning: {
		"":                           "pplx_reasoning",
		"gpt-5.2-thinking":           "gpt52_thinking",
		"claude-4.5-sonnet-thinking": "claude45sonnetthinking",
		"gemini-3.0-pro":             "gemini30pro",
		"kimi-k2-thinking":           "kimik2thinking",
		"grok-4.1-reasoning":         "grok41reasoning",
	},
	ModeDeepResearch: {
		"": "pplx_alpha",
	},
}

// DefaultHeaders mimic a desktop browser. The credential supplier owns
// fingerprint fidelity; these are only a baseline.
var DefaultHeaders = map[string]string{
	"accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"accept-language": "en-US,en;q=0.9",
	"cache-control":   "max-age=0",
	"dnt":             "1",
	"priority":        "u=0, i",
	"user-agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
}

// EmailnatorHeaders is the baseline header set for the mailbox provider.
var EmailnatorHeaders = map[string]string{
	"accept":           "application/json, text/plain, */*",
	"accept-language":  "en-US,en;q=0.9",
	"content-type":     "application/json",
	"dnt":              "1",
	"user-agent":       DefaultHeaders["user-agent"],
	"x-requested-with": "XMLHttpRequest",
}

// MaxPromptAnswerLength bounds free-text answers to provider prompt steps.
const MaxPromptAnswerLength = 2000

package capsolver

import "strings"

// Challenge page title patterns (multi-language).
var defaultTitleIndicators = []string{
	"<title>just a moment...</title>",
	"<title>un instant...</title>",
	"<title>einen moment...</title>",
	"<title>un momento...</title>",
	"<title>bir dakika...</title>",
	"<title>um momento...</title>",
	"<title>een moment...</title>",
}

// Cloudflare-specific body markers (high confidence).
var defaultCFIndicators = []string{
	"cf-challenge-running",
	"cloudflare-challenge",
	"cf_challenge_response",
	"cf-under-attack",
	"cf-checking-browser",
	"/cdn-cgi/challenge-platform",
	"cf-turnstile",
}

// Detector recognizes Cloudflare interstitial challenge pages. Use it to
// decide whether a response needs solving, or to confirm that captured
// page content is suitable for ChallengeConfig.HTML.
type Detector struct {
	titleIndicators []string
	cfIndicators    []string
}

// NewDetector creates a detector. Extra indicators extend the built-in
// sets; both are matched case-insensitively.
func NewDetector(extraTitleIndicators, extraCFIndicators []string) *Detector {
	d := &Detector{
		titleIndicators: append([]string{}, defaultTitleIndicators...),
		cfIndicators:    append([]string{}, defaultCFIndicators...),
	}
	for _, s := range extraTitleIndicators {
		d.titleIndicators = append(d.titleIndicators, strings.ToLower(s))
	}
	for _, s := range extraCFIndicators {
		d.cfIndicators = append(d.cfIndicators, strings.ToLower(s))
	}
	return d
}

// IsChallenge reports whether a response looks like a Cloudflare
// interstitial. Challenge pages come with 403, 503, or 429; a 200 is
// never a challenge.
func (d *Detector) IsChallenge(statusCode int, body []byte) bool {
	if statusCode != 403 && statusCode != 503 && statusCode != 429 {
		return false
	}

	content := strings.ToLower(string(body))

	for _, indicator := range d.titleIndicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}

	for _, indicator := range d.cfIndicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}

	return false
}

// Package detector recognizes anti-automation pages (CAPTCHAs, edge challenges,
// explicit block and rate-limit notices) in rendered page content.
package detector

import (
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Category groups blocking phrases by defense type.
type Category string

// Known blocking categories.
const (
	CategoryNone              Category = ""
	CategoryCaptcha           Category = "captcha"
	CategoryHumanVerification Category = "human_verification"
	CategoryEdgeChallenge     Category = "edge_challenge"
	CategoryBlocked           Category = "blocked"
	CategoryRateLimited       Category = "rate_limited"
	CategoryBotDetection      Category = "bot_detection"
)

// Rule maps a lowercase phrase to a category. Phrase rules match the page
// title and visible text. Markup rules match raw HTML and only fire on pages
// that carry no content marker.
type Rule struct {
	Phrase   string
	Category Category
	Markup   bool
}

// DefaultRules is the curated phrase list checked against every scraped page.
var DefaultRules = []Rule{
	{Phrase: "g-recaptcha", Category: CategoryCaptcha, Markup: true},
	{Phrase: "h-captcha", Category: CategoryCaptcha, Markup: true},
	{Phrase: "hcaptcha.com/1/api.js", Category: CategoryCaptcha, Markup: true},
	{Phrase: "complete the captcha", Category: CategoryCaptcha},
	{Phrase: "solve the captcha", Category: CategoryCaptcha},
	{Phrase: "captcha challenge", Category: CategoryCaptcha},
	{Phrase: "verify you are human", Category: CategoryHumanVerification},
	{Phrase: "verify that you are human", Category: CategoryHumanVerification},
	{Phrase: "are you a robot", Category: CategoryHumanVerification},
	{Phrase: "i am not a robot", Category: CategoryHumanVerification},
	{Phrase: "press & hold", Category: CategoryHumanVerification},
	{Phrase: "checking your browser", Category: CategoryEdgeChallenge},
	{Phrase: "cf-browser-verification", Category: CategoryEdgeChallenge, Markup: true},
	{Phrase: "cf-challenge", Category: CategoryEdgeChallenge, Markup: true},
	{Phrase: "ray id:", Category: CategoryEdgeChallenge},
	{Phrase: "attention required! | cloudflare", Category: CategoryEdgeChallenge},
	{Phrase: "ddos protection by", Category: CategoryEdgeChallenge},
	{Phrase: "incapsula incident id", Category: CategoryEdgeChallenge},
	{Phrase: "you have been blocked", Category: CategoryBlocked},
	{Phrase: "request blocked", Category: CategoryBlocked},
	{Phrase: "access denied", Category: CategoryBlocked},
	{Phrase: "the requested url was rejected", Category: CategoryBlocked},
	{Phrase: "too many requests", Category: CategoryRateLimited},
	{Phrase: "rate limit exceeded", Category: CategoryRateLimited},
	{Phrase: "you have exceeded the request limit", Category: CategoryRateLimited},
	{Phrase: "unusual traffic", Category: CategoryBotDetection},
	{Phrase: "detected automated requests", Category: CategoryBotDetection},
	{Phrase: "automated requests from your", Category: CategoryBotDetection},
	{Phrase: "bot detection", Category: CategoryBotDetection},
	{Phrase: "suspected automated", Category: CategoryBotDetection},
}

// DefaultContentMarkers match elements a challenge interstitial never
// renders: free-text inputs and data tables.
var DefaultContentMarkers = []string{
	"input[type=text]",
	"input[type=search]",
	"input:not([type])",
	"table",
}

// Snapshot is the part of a page a blocking check looks at.
type Snapshot struct {
	Title string
	// Text is the rendered text of the body, without script or style content.
	Text string
	HTML string
	// HasContent is set when any content marker matched.
	HasContent bool
}

// Result is the outcome of a blocking check.
type Result struct {
	Blocked  bool
	Category Category
	Phrase   string
	Reason   string
}

// Detector scans pages against a rule list.
type Detector struct {
	rules   []Rule
	markers []string
}

// New creates a detector using DefaultRules plus any extra rules.
func New(extra ...Rule) *Detector {
	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, DefaultRules...)
	for _, r := range extra {
		r.Phrase = strings.ToLower(r.Phrase)
		rules = append(rules, r)
	}
	return &Detector{rules: rules, markers: slices.Clone(DefaultContentMarkers)}
}

// WithContentMarkers returns a copy of d that also treats selectors as
// proof of a served page.
func (d *Detector) WithContentMarkers(selectors ...string) *Detector {
	return &Detector{
		rules:   d.rules,
		markers: append(slices.Clone(d.markers), selectors...),
	}
}

// ContentMarkers lists the selectors checked for HasContent.
func (d *Detector) ContentMarkers() []string {
	return slices.Clone(d.markers)
}

// Inspect reports the first matching rule. Matching is case-insensitive.
func (d *Detector) Inspect(s Snapshot) Result {
	visible := strings.ToLower(s.Title + "\n" + s.Text)
	markup := strings.ToLower(s.HTML)
	for _, rule := range d.rules {
		var hit bool
		if rule.Markup {
			hit = !s.HasContent && strings.Contains(markup, rule.Phrase)
		} else {
			hit = strings.Contains(visible, rule.Phrase)
		}
		if hit {
			return Result{
				Blocked:  true,
				Category: rule.Category,
				Phrase:   rule.Phrase,
				Reason:   fmt.Sprintf("%s page detected (matched %q)", rule.Category, rule.Phrase),
			}
		}
	}
	return Result{}
}

// Snapshot parses html into the view Inspect works on.
func (d *Detector) Snapshot(html string) Snapshot {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Snapshot{Text: html, HTML: html}
	}
	snap := Snapshot{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		HTML:  html,
	}
	for _, sel := range d.markers {
		if doc.Find(sel).Length() > 0 {
			snap.HasContent = true
			break
		}
	}
	body := doc.Find("body")
	body.Find("script, style, noscript, template").Remove()
	snap.Text = body.Text()
	return snap
}

// Detect parses html and inspects it.
func (d *Detector) Detect(html string) Result {
	if strings.TrimSpace(html) == "" {
		return Result{}
	}
	return d.Inspect(d.Snapshot(html))
}

var defaultDetector = New()

// Detect checks html against DefaultRules and DefaultContentMarkers.
func Detect(html string) Result {
	return defaultDetector.Detect(html)
}

package reqguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern families are compiled once at package load and shared across all
// pipeline instances. Inputs are lower-cased before matching, so the
// expressions are written for lower-case text.
var (
	sqlInjectionPatterns = compilePatterns(
		`(\bselect\b|\bunion\b|\binsert\b|\bupdate\b|\bdelete\b|\bdrop\b)`,
		`(\bor\s+\d+\s*=\s*\d+|\band\s+\d+\s*=\s*\d+)`,
		`(--|#|/\*|\*/)`,
		`(\bexec\b|\bexecute\b|\bsp_)`,
		`(\bxp_cmdshell\b|\bopenrowset\b|\bopendir\b)`,
	)

	xssPatterns = compilePatterns(
		`(<script[^>]*>.*?</script>)`,
		`(javascript:|vbscript:|data:text/html)`,
		`(on\w+\s*=)`,
		`(<iframe[^>]*>.*?</iframe>)`,
		`(<object[^>]*>.*?</object>)`,
	)

	pathTraversalPatterns = compilePatterns(
		`\.\.[/\\]`,
		`%2e%2e[/\\]`,
		`\.\.%2f`,
		`\\+\.\.+\\+`,
	)

	// Header names checked for oversized or script-bearing values.
	suspiciousHeaders = []string{"user-agent", "referer", "x-forwarded-for"}
)

func compilePatterns(exprs ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		compiled = append(compiled, regexp.MustCompile(expr))
	}
	return compiled
}

// PatternDetector runs the static pattern families against the request. It
// is stateless; detection is binary with a fixed confidence.
type PatternDetector struct{}

func NewPatternDetector() *PatternDetector {
	return &PatternDetector{}
}

func (d *PatternDetector) Detect(req *Request) SignalOutcome {
	var matches []string

	path := strings.ToLower(req.Path)
	body := strings.ToLower(req.Body)

	for _, re := range sqlInjectionPatterns {
		if re.MatchString(path) || re.MatchString(body) {
			matches = append(matches, fmt.Sprintf("SQL injection pattern: %s", re.String()))
		}
	}
	for _, re := range xssPatterns {
		if re.MatchString(path) || re.MatchString(body) {
			matches = append(matches, fmt.Sprintf("XSS pattern: %s", re.String()))
		}
	}
	for _, re := range pathTraversalPatterns {
		if re.MatchString(path) {
			matches = append(matches, fmt.Sprintf("Path traversal pattern: %s", re.String()))
		}
	}

	for _, header := range suspiciousHeaders {
		value, ok := req.Headers[header]
		if !ok {
			continue
		}
		if len(value) > 1000 || strings.Contains(strings.ToLower(value), "script") {
			matches = append(matches, fmt.Sprintf("Suspicious header %s: %s...", header, truncate(value, 100)))
		}
	}

	if req.UserAgent != "" {
		if len(req.UserAgent) > 500 || strings.Contains(strings.ToLower(req.UserAgent), "bot") {
			matches = append(matches, fmt.Sprintf("Suspicious user agent: %s...", truncate(req.UserAgent, 100)))
		}
	}

	outcome := SignalOutcome{
		Detail: PatternDetail{Patterns: matches, TotalPatterns: len(matches)},
	}
	if len(matches) > 0 {
		outcome.Triggered = true
		outcome.Confidence = 0.8
		outcome.Evidence = matches
	}
	return outcome
}

package robots

import (
	"net/url"
	"strings"
	"time"
)

type DecisionReason string

const (
	AllowedByRobots     DecisionReason = "allowed_by_robots"
	DisallowedByRobots  DecisionReason = "disallowed_by_robots"
	UserAgentNotMatched DecisionReason = "user_agent_not_matched"
	EmptyRuleSet        DecisionReason = "empty_rule_set"
	NoMatchingRules     DecisionReason = "no_matching_rules"
)

type Decision struct {
	URL     string
	Allowed bool
	// Why this decision was made (for logging/debugging)
	Reason DecisionReason
	// Zero when robots.txt sets no crawl-delay for the agent.
	CrawlDelay time.Duration
}

// Decide applies the rules to target. The longest matching pattern wins;
// on a tie between allow and disallow, allow wins.
func (r RobotsResponse) Decide(target *url.URL, userAgent string) Decision {
	d := Decision{URL: target.String(), Allowed: true}

	group := r.GroupFor(userAgent)
	if group == nil {
		d.Reason = UserAgentNotMatched
		if len(r.UserAgents) == 0 {
			d.Reason = EmptyRuleSet
		}
		return d
	}
	if group.CrawlDelay != nil {
		d.CrawlDelay = *group.CrawlDelay
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}

	allow := longestMatch(group.Allows, path)
	disallow := longestMatch(group.Disallows, path)
	switch {
	case disallow > allow:
		d.Allowed = false
		d.Reason = DisallowedByRobots
	case allow >= 0:
		d.Reason = AllowedByRobots
	default:
		d.Reason = NoMatchingRules
	}
	return d
}

// longestMatch returns the length of the longest pattern matching path,
// or -1 when none does.
func longestMatch(patterns []string, path string) int {
	best := -1
	for _, p := range patterns {
		if matches(p, path) && len(p) > best {
			best = len(p)
		}
	}
	return best
}

// matches reports whether a robots.txt path pattern matches path.
// '*' matches any run of characters and a trailing '$' anchors the end.
func matches(pattern, path string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = pattern[:len(pattern)-1]
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	if len(parts) == 1 {
		return !anchored || rest == ""
	}

	for i, part := range parts[1:] {
		if i == len(parts)-2 && anchored {
			return strings.HasSuffix(rest, part)
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}

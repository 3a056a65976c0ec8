package robots

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

// RobotsResponse is a parsed robots.txt. It is cached as JSON, so every
// field is exported.
type RobotsResponse struct {
	Host       string           `json:"host"`
	Sitemaps   []string         `json:"sitemaps,omitempty"`
	UserAgents []UserAgentGroup `json:"groups,omitempty"`
}

// UserAgentGroup is one set of rules shared by one or more user agents.
type UserAgentGroup struct {
	UserAgents []string       `json:"userAgents"`
	Allows     []string       `json:"allows,omitempty"`
	Disallows  []string       `json:"disallows,omitempty"`
	CrawlDelay *time.Duration `json:"crawlDelay,omitempty"`
}

func (g *UserAgentGroup) hasRules() bool {
	return len(g.Allows) > 0 || len(g.Disallows) > 0 || g.CrawlDelay != nil
}

// ParseRobotsTxt parses robots.txt content. Unknown fields and malformed
// lines are skipped. Rules appearing before any user-agent line apply to
// every agent.
func ParseRobotsTxt(content, host string) RobotsResponse {
	response := RobotsResponse{Host: host}

	var current *UserAgentGroup
	var global UserAgentGroup

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		target := current
		if target == nil {
			target = &global
		}

		switch field {
		case "user-agent":
			switch {
			case current == nil:
				current = &UserAgentGroup{UserAgents: []string{value}}
			case !current.hasRules():
				// consecutive user-agent lines share the rules that follow
				current.UserAgents = append(current.UserAgents, value)
			default:
				response.UserAgents = append(response.UserAgents, *current)
				current = &UserAgentGroup{UserAgents: []string{value}}
			}
		case "allow":
			if value != "" {
				target.Allows = append(target.Allows, normalizePath(value))
			}
		case "disallow":
			// an empty disallow allows everything and adds no rule
			if value != "" {
				target.Disallows = append(target.Disallows, normalizePath(value))
			}
		case "crawl-delay":
			if current == nil {
				continue
			}
			if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
				delay := time.Duration(seconds * float64(time.Second))
				current.CrawlDelay = &delay
			}
		case "sitemap":
			if value != "" {
				response.Sitemaps = append(response.Sitemaps, value)
			}
		}
	}

	if current != nil {
		response.UserAgents = append(response.UserAgents, *current)
	}
	if len(global.Allows) > 0 || len(global.Disallows) > 0 {
		global.UserAgents = []string{"*"}
		response.UserAgents = append([]UserAgentGroup{global}, response.UserAgents...)
	}
	return response
}

// GroupFor returns the group that applies to userAgent: an exact
// (case-insensitive) match, else the longest agent token the user agent
// starts with, else the wildcard group. Nil when none applies.
func (r RobotsResponse) GroupFor(userAgent string) *UserAgentGroup {
	target := strings.ToLower(userAgent)
	// "harvester/1.0" is matched by its product token
	product, _, _ := strings.Cut(target, "/")

	var best, wildcard *UserAgentGroup
	bestLen := 0
	for i := range r.UserAgents {
		group := &r.UserAgents[i]
		for _, ua := range group.UserAgents {
			ua = strings.ToLower(ua)
			switch {
			case ua == "*":
				if wildcard == nil {
					wildcard = group
				}
			case ua == target || ua == product:
				return group
			case strings.HasPrefix(target, ua) && len(ua) > bestLen:
				best = group
				bestLen = len(ua)
			}
		}
	}
	if best != nil {
		return best
	}
	return wildcard
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "*") {
		path = "/" + path
	}
	return path
}

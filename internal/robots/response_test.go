package robots_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/harvester/internal/robots"
)

const sampleRobots = `
# global comment
Sitemap: https://example.com/sitemap.xml

User-agent: harvester
User-agent: otherbot
Disallow: /private
Allow: /private/public
Crawl-delay: 1.5

User-agent: *
Disallow: /tmp/   # trailing comment
Disallow: /*.php$
Disallow:

User-agent: harvester-images
Disallow: /
`

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseRobotsTxt(t *testing.T) {
	r := robots.ParseRobotsTxt(sampleRobots, "example.com")

	assert.Equal(t, "example.com", r.Host)
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, r.Sitemaps)
	require.Len(t, r.UserAgents, 3)

	first := r.UserAgents[0]
	assert.Equal(t, []string{"harvester", "otherbot"}, first.UserAgents)
	assert.Equal(t, []string{"/private"}, first.Disallows)
	assert.Equal(t, []string{"/private/public"}, first.Allows)
	require.NotNil(t, first.CrawlDelay)
	assert.Equal(t, 1500*time.Millisecond, *first.CrawlDelay)

	wildcard := r.UserAgents[1]
	assert.Equal(t, []string{"*"}, wildcard.UserAgents)
	assert.Equal(t, []string{"/tmp/", "/*.php$"}, wildcard.Disallows)
	assert.Nil(t, wildcard.CrawlDelay)
}

func TestParseRobotsTxt_RulesBeforeAnyAgentApplyToAll(t *testing.T) {
	r := robots.ParseRobotsTxt("Disallow: /secret\nUser-agent: bot\nDisallow: /bot-only\n", "h")

	require.Len(t, r.UserAgents, 2)
	assert.Equal(t, []string{"*"}, r.UserAgents[0].UserAgents)
	assert.Equal(t, []string{"/secret"}, r.UserAgents[0].Disallows)
}

func TestParseRobotsTxt_MalformedLinesSkipped(t *testing.T) {
	r := robots.ParseRobotsTxt("garbage line\nUser-agent: *\nCrawl-delay: soon\nDisallow: nested\n", "h")

	require.Len(t, r.UserAgents, 1)
	assert.Nil(t, r.UserAgents[0].CrawlDelay)
	assert.Equal(t, []string{"/nested"}, r.UserAgents[0].Disallows)
}

func TestGroupFor(t *testing.T) {
	r := robots.ParseRobotsTxt(sampleRobots, "example.com")

	tests := []struct {
		userAgent string
		want      []string
	}{
		{"harvester/1.0", []string{"harvester", "otherbot"}},
		{"HARVESTER", []string{"harvester", "otherbot"}},
		{"harvester-images/2", []string{"harvester-images"}},
		{"somebot/1.0", []string{"*"}},
	}
	for _, tt := range tests {
		t.Run(tt.userAgent, func(t *testing.T) {
			group := r.GroupFor(tt.userAgent)
			require.NotNil(t, group)
			assert.Equal(t, tt.want, group.UserAgents)
		})
	}

	assert.Nil(t, robots.ParseRobotsTxt("User-agent: onlybot\nDisallow: /\n", "h").GroupFor("harvester"))
}

func TestDecide(t *testing.T) {
	r := robots.ParseRobotsTxt(sampleRobots, "example.com")

	tests := []struct {
		name      string
		userAgent string
		target    string
		allowed   bool
		reason    robots.DecisionReason
	}{
		{"disallowed prefix", "harvester", "https://example.com/private/data", false, robots.DisallowedByRobots},
		{"longer allow wins", "harvester", "https://example.com/private/public/x", true, robots.AllowedByRobots},
		{"no matching rule", "harvester", "https://example.com/docs", true, robots.NoMatchingRules},
		{"wildcard group", "somebot", "https://example.com/tmp/file", false, robots.DisallowedByRobots},
		{"anchored wildcard", "somebot", "https://example.com/a/index.php", false, robots.DisallowedByRobots},
		{"anchored wildcard with query", "somebot", "https://example.com/a/index.php?x=1", true, robots.NoMatchingRules},
		{"disallow all", "harvester-images", "https://example.com/", false, robots.DisallowedByRobots},
		{"empty path is root", "harvester-images", "https://example.com", false, robots.DisallowedByRobots},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Decide(mustURL(t, tt.target), tt.userAgent)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecide_CrawlDelayAndEmptyRules(t *testing.T) {
	r := robots.ParseRobotsTxt(sampleRobots, "example.com")
	d := r.Decide(mustURL(t, "https://example.com/docs"), "otherbot/3")
	assert.Equal(t, 1500*time.Millisecond, d.CrawlDelay)

	empty := robots.RobotsResponse{Host: "example.com"}.Decide(mustURL(t, "https://example.com/x"), "harvester")
	assert.True(t, empty.Allowed)
	assert.Equal(t, robots.EmptyRuleSet, empty.Reason)

	unmatched := robots.ParseRobotsTxt("User-agent: onlybot\nDisallow: /\n", "h").Decide(mustURL(t, "https://h/x"), "harvester")
	assert.True(t, unmatched.Allowed)
	assert.Equal(t, robots.UserAgentNotMatched, unmatched.Reason)
}

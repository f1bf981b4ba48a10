package poll

import (
	"bungie-webhooks/pkg/webhooks"
	"regexp"
)

// Tested in order; the first match wins.
var (
	twabPattern   = regexp.MustCompile(`(?i)^This Week At Bungie\b`)
	hotfixPattern = regexp.MustCompile(`(?i)^(.+?) Hotfix ([\d+.]+)$`)
	updatePattern = regexp.MustCompile(`(?i)^(.+?) Update ([\d+.]+)$`)
)

// Classify sets an article's type from its title. Titles are left unchanged.
func Classify(a webhooks.Article) webhooks.Article {
	a.HotfixNumber, a.UpdateNumber = "", ""
	switch {
	case twabPattern.MatchString(a.Title):
		a.Type = webhooks.ArticleTWAB
	case hotfixPattern.MatchString(a.Title):
		a.Type = webhooks.ArticleHotfix
		a.HotfixNumber = hotfixPattern.FindStringSubmatch(a.Title)[2]
	case updatePattern.MatchString(a.Title):
		a.Type = webhooks.ArticleUpdate
		a.UpdateNumber = updatePattern.FindStringSubmatch(a.Title)[2]
	default:
		a.Type = webhooks.ArticleNews
	}
	return a
}

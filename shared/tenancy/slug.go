package tenancy

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxSlugLength bounds derived slugs.
const MaxSlugLength = 50

var (
	slugInvalidChars = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugWhitespace   = regexp.MustCompile(`\s+`)
	slugHyphens      = regexp.MustCompile(`-+`)
)

// Slugify derives a URL-safe slug from a tenant name.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = slugInvalidChars.ReplaceAllString(s, "")
	s = slugWhitespace.ReplaceAllString(strings.TrimSpace(s), "-")
	s = slugHyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugLength {
		s = strings.TrimRight(s[:MaxSlugLength], "-")
	}
	return s
}

// withSuffix returns base-n, shortening base so the result stays within MaxSlugLength.
func withSuffix(base string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxSlugLength {
		base = strings.TrimRight(base[:MaxSlugLength-len(suffix)], "-")
	}
	return base + suffix
}

package cardimage

import (
	"path/filepath"
	"strings"

	"github.com/tphakala/cardimages/internal/mediawiki"
)

// item is one card name together with its cache key.
type item struct {
	name string
	key  string
}

// claim assigns a featured file to the item it was reconciled with.
type claim struct {
	item       item
	identifier string
}

// reconcile maps featured files back to items. The API does not promise
// that file names follow card names, so this is best effort:
//
//   - the file stem is sanitized and compared case-insensitively against
//     every item key; the longest key that is a prefix of the stem wins
//   - a file no key is a prefix of, or whose best match is already claimed,
//     goes to the page it was reported for; shorter prefix matches are
//     never tried
//   - an item claims at most one file, the first in response order, and a
//     file is claimed at most once
//
// Items without a claim stay unresolved.
func reconcile(items []item, images []mediawiki.FeaturedImage) []claim {
	byTitle := make(map[string]int, len(items))
	for i, it := range items {
		byTitle[it.name] = i
	}
	lowerKeys := make([]string, len(items))
	for i, it := range items {
		lowerKeys[i] = strings.ToLower(it.key)
	}

	claimedItem := make(map[int]bool, len(items))
	claimedFile := make(map[string]bool, len(images))
	var claims []claim

	for _, img := range images {
		if img.File == "" || claimedFile[img.File] {
			continue
		}
		stem := strings.ToLower(Sanitize(strings.TrimSuffix(img.File, filepath.Ext(img.File))))

		best := -1
		for i, k := range lowerKeys {
			if k == "" || !strings.HasPrefix(stem, k) {
				continue
			}
			if best < 0 || len(k) > len(lowerKeys[best]) {
				best = i
			}
		}
		if best < 0 || claimedItem[best] {
			best = -1
			if i, ok := byTitle[img.Title]; ok {
				best = i
			}
		}
		if best < 0 || claimedItem[best] {
			continue
		}

		claimedItem[best] = true
		claimedFile[img.File] = true
		claims = append(claims, claim{item: items[best], identifier: img.File})
	}
	return claims
}

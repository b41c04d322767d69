package mediawiki

import (
	"context"
	"crypto/md5" //nolint:gosec // MediaWiki shards uploads by md5 of the file name
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/tphakala/cardimages/internal/logger"
)

const filePrefix = "File:"

// ImageURLs resolves file names to their download URLs with prop=imageinfo.
// Names are queried in batches of MaxTitlesPerQuery. The result is keyed by
// the requested name; names without an uploaded file are absent.
// An error means the API itself could not be used.
func (c *Client) ImageURLs(ctx context.Context, files []string) (map[string]string, error) {
	urls := make(map[string]string, len(files))
	reqID := NewRequestID()

	titles := make([]string, len(files))
	for i, f := range files {
		titles[i] = filePrefix + f
	}

	for _, batch := range chunk(titles, MaxTitlesPerQuery) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		obj, err := c.query(ctx, reqID, map[string]string{
			"action": "query",
			"prop":   "imageinfo",
			"iiprop": "url",
			"titles": strings.Join(batch, "|"),
		})
		if err != nil {
			return nil, err
		}

		query, err := obj.GetObject("query")
		if err != nil {
			// No pages at all for this batch
			continue
		}
		mapper := newTitleMapper(query)
		pages, err := query.GetObjectArray("pages")
		if err != nil {
			continue
		}

		for _, page := range pages {
			title, err := page.GetString("title")
			if err != nil {
				continue
			}
			infos, err := page.GetObjectArray("imageinfo")
			if err != nil || len(infos) == 0 {
				continue
			}
			u, err := infos[0].GetString("url")
			if err != nil || u == "" {
				continue
			}
			name := strings.TrimPrefix(mapper.requested(title), filePrefix)
			urls[name] = u
		}
	}

	c.log.Debug("Resolved file URLs",
		logger.String("request_id", reqID),
		logger.Int("requested", len(files)),
		logger.Int("found", len(urls)))
	return urls, nil
}

// FeaturedImage is the lead image of a page as reported by prop=pageimages.
type FeaturedImage struct {
	Title  string // requested page title
	File   string // file name on the wiki, without the File: prefix
	Source string // full-resolution URL
}

// FeaturedImages looks up the lead image of each page title, in response order.
// Pages without a lead image are skipped.
func (c *Client) FeaturedImages(ctx context.Context, titles []string) ([]FeaturedImage, error) {
	var images []FeaturedImage
	reqID := NewRequestID()

	for _, batch := range chunk(titles, MaxTitlesPerQuery) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		obj, err := c.query(ctx, reqID, map[string]string{
			"action":    "query",
			"prop":      "pageimages",
			"piprop":    "original|name",
			"redirects": "1",
			"titles":    strings.Join(batch, "|"),
		})
		if err != nil {
			return nil, err
		}

		query, err := obj.GetObject("query")
		if err != nil {
			continue
		}
		mapper := newTitleMapper(query)
		pages, err := query.GetObjectArray("pages")
		if err != nil {
			continue
		}

		for _, page := range pages {
			title, err := page.GetString("title")
			if err != nil {
				continue
			}

			source, err := page.GetString("original", "source")
			if err != nil {
				source, _ = page.GetString("thumbnail", "original")
			}

			file, err := page.GetString("pageimage")
			if err != nil && source != "" {
				file = fileFromURL(source)
			}
			if file == "" {
				c.log.Debug("Page has no featured image", logger.String("title", title))
				continue
			}

			images = append(images, FeaturedImage{
				Title:  mapper.requested(title),
				File:   file,
				Source: source,
			})
		}
	}

	c.log.Debug("Resolved featured images",
		logger.String("request_id", reqID),
		logger.Int("requested", len(titles)),
		logger.Int("found", len(images)))
	return images, nil
}

// Probe checks that the API answers a trivial siteinfo query.
func (c *Client) Probe(ctx context.Context) error {
	obj, err := c.query(ctx, NewRequestID(), map[string]string{
		"action": "query",
		"meta":   "siteinfo",
		"siprop": "general",
	})
	if err != nil {
		return err
	}
	_, err = obj.GetObject("query", "general")
	return err
}

// StaticURL builds the upload URL of a file on the static host:
// <host>/<md5[0]>/<md5[0:2]>/<file>, hashing the file name in its
// underscore form as MediaWiki does.
func StaticURL(host, file string) string {
	file = strings.ReplaceAll(file, " ", "_")
	sum := md5.Sum([]byte(file)) //nolint:gosec // not used for security
	digest := hex.EncodeToString(sum[:])
	return strings.TrimRight(host, "/") + "/" + digest[:1] + "/" + digest[:2] + "/" + url.PathEscape(file)
}

// fileFromURL returns the unescaped last path segment of an upload URL.
func fileFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

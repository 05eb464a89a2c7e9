package webdav

import (
	"net/url"
	"strconv"
	"strings"
)

// parsePropfindResponse tolerantly parses a multi-status PROPFIND body.
// It is deliberately line-oriented rather than a strict XML decode: real
// WebDAV servers (Nextcloud, ownCloud, generic Apache mod_dav) mix "D:" and
// "d:" namespace prefixes and disagree on whether <href> carries a full URL
// or just a path component, and a strict decoder tends to choke on minor
// dialect differences that don't matter for the four properties we need.
func parsePropfindResponse(xml string, baseURL string) ([]ResourceInfo, error) {
	var resources []ResourceInfo

	var (
		currentPath     string
		currentETag     string
		currentLength   int64
		currentModified string
		isCollection    bool
		inResponse      bool
	)

	reset := func() {
		currentPath = ""
		currentETag = ""
		currentLength = 0
		currentModified = ""
		isCollection = false
	}

	for _, rawLine := range strings.Split(xml, "\n") {
		line := strings.TrimSpace(rawLine)

		if containsAny(line, "<D:response>", "<d:response>") {
			inResponse = true
			reset()
		}

		if inResponse {
			if href, ok := extractTag(line, "href"); ok {
				currentPath = resolveHref(href, baseURL)
			}
			if etag, ok := extractTag(line, "getetag"); ok {
				currentETag = strings.Trim(etag, `"`)
			}
			if length, ok := extractTag(line, "getcontentlength"); ok {
				if n, err := strconv.ParseInt(length, 10, 64); err == nil {
					currentLength = n
				}
			}
			if modified, ok := extractTag(line, "getlastmodified"); ok {
				currentModified = modified
			}
			if containsAny(line, "<D:collection", "<d:collection") {
				isCollection = true
			}
		}

		if containsAny(line, "</D:response>", "</d:response>") {
			if inResponse && currentPath != "" {
				resources = append(resources, ResourceInfo{
					Path:          currentPath,
					IsCollection:  isCollection,
					ETag:          currentETag,
					LastModified:  currentModified,
					ContentLength: currentLength,
				})
			}
			inResponse = false
		}
	}

	return resources, nil
}

func containsAny(line string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

// extractTag pulls the text content out of a <D:name>...</D:name> or
// <d:name>...</d:name> element appearing on a single line.
func extractTag(line, name string) (string, bool) {
	for _, prefix := range []string{"D:", "d:"} {
		open := "<" + prefix + name + ">"
		close_ := "</" + prefix + name + ">"
		start := strings.Index(line, open)
		if start == -1 {
			continue
		}
		start += len(open)
		end := strings.Index(line, close_)
		if end == -1 || end < start {
			continue
		}
		return line[start:end], true
	}
	return "", false
}

// resolveHref strips the base URL (or its path component) from an href,
// then URL-decodes and trims leading slashes, yielding a library-relative path.
func resolveHref(href, baseURL string) string {
	p := href
	if stripped, ok := strings.CutPrefix(href, baseURL); ok {
		p = stripped
	} else if schemeEnd := strings.Index(baseURL, "://"); schemeEnd != -1 {
		afterScheme := baseURL[schemeEnd+3:]
		basePath := ""
		if i := strings.Index(afterScheme, "/"); i != -1 {
			basePath = afterScheme[i:]
		}
		basePath = strings.TrimRight(basePath, "/")
		if basePath != "" {
			if stripped, ok := strings.CutPrefix(href, basePath); ok {
				p = stripped
			}
		}
	}
	p = strings.TrimLeft(p, "/")
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	return p
}

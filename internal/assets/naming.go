package assets

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NameFromURL derives the local destination name for sourceURL.
// The name is the last element of the URL path, or of hint when hint is set.
// The result never contains a path separator.
func NameFromURL(sourceURL, hint string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid audio url %q: %w", sourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported audio url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("audio url %q has no host", sourceURL)
	}

	candidate := u.Path
	if hint != "" {
		candidate = hint
	}
	return cleanName(candidate)
}

func cleanName(p string) (string, error) {
	// Normalize Windows separators so "..\x.wav" cannot escape the asset dir
	name := path.Base(strings.ReplaceAll(p, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("cannot derive a file name from %q", p)
	}
	if strings.HasPrefix(name, ".") {
		// Reserved for in-progress temp files
		return "", fmt.Errorf("file name %q must not start with '.'", name)
	}
	return name, nil
}

package lsp

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"owlsp/internal/source"
)

// uriToPath maps a document URI to the normalized absolute path the
// workspace keys files by. Bare paths are accepted; URIs of any scheme
// other than file yield "".
func uriToPath(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "file":
		return localPath(u.Path)
	case "":
		p, err := url.PathUnescape(uri)
		if err != nil {
			p = uri
		}
		return localPath(p)
	default:
		return ""
	}
}

func localPath(p string) string {
	if p == "" {
		return ""
	}
	// file:///C:/src arrives as /C:/src.
	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	p = filepath.FromSlash(p)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return source.NormalizePath(p)
}

func pathToURI(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

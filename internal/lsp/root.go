package lsp

import (
	"os"
	"path/filepath"

	"owlsp/internal/project"
)

// workspaceRoot picks the root of the analysis from the initialize request:
// rootUri, then rootPath, then the first workspace folder. A manifest found
// above the chosen directory takes precedence.
func workspaceRoot(params *initializeParams) string {
	root := ""
	if params.RootURI != "" {
		root = uriToPath(params.RootURI)
	}
	if root == "" && params.RootPath != "" {
		root = params.RootPath
	}
	if root == "" && len(params.WorkspaceFolders) > 0 {
		root = uriToPath(params.WorkspaceFolders[0].URI)
	}
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	start := resolveStartDir(root)
	if found, ok, err := project.FindProjectRoot(start); err == nil && ok {
		return found
	}
	return start
}

func resolveStartDir(path string) string {
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

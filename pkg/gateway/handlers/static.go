package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ClientHandler serves the browser test client from Dir/index.html.
type ClientHandler struct {
	Dir string
}

func (h ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.Dir) == "" {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	index := filepath.Join(h.Dir, "index.html")
	if info, err := os.Stat(index); err != nil || info.IsDir() {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	http.ServeFile(w, r, index)
}

// StaticHandler serves files under /static/ from Dir. Directory listings
// are not exposed.
type StaticHandler struct {
	Dir string
}

func (h StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.Dir) == "" {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	if name == "" || strings.HasSuffix(name, "/") {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	root, err := os.OpenRoot(h.Dir)
	if err != nil {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	defer root.Close()
	if info, err := root.Stat(filepath.FromSlash(name)); err != nil || info.IsDir() {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	http.StripPrefix("/static", http.FileServerFS(root.FS())).ServeHTTP(w, r)
}

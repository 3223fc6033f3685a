package server

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Directory listing for {{.Path}}</title>
</head>
<body>
<h1>Directory listing for {{.Path}}</h1>
<hr>
<table>
<tr><th>Name</th><th>Size</th><th>Type</th></tr>
{{range .Entries}}<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td>{{.Size}}</td><td>{{.Type}}</td></tr>
{{end}}</table>
<hr>
</body>
</html>
`))

type listingEntry struct {
	Name string // display name; directories end in "/", symlinks in "@"
	Href string
	Size string
	Type string
}

func (h *FileHandler) serveListing(w http.ResponseWriter, r *http.Request, name string) error {
	dir, err := h.root.Open(filepath.FromSlash(name))
	if err != nil {
		return fsError(err)
	}
	defer dir.Close()

	dirents, err := dir.ReadDir(-1)
	if err != nil {
		return fsError(err)
	}
	slices.SortFunc(dirents, func(a, b fs.DirEntry) int {
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	entries := make([]listingEntry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, newListingEntry(d))
	}

	var buf bytes.Buffer
	err = listingTemplate.Execute(&buf, struct {
		Path    string
		Entries []listingEntry
	}{r.URL.Path, entries})
	if err != nil {
		return err
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(buf.Bytes())
	}
	return nil
}

func newListingEntry(d fs.DirEntry) listingEntry {
	e := listingEntry{
		Name: d.Name(),
		// "./" keeps names like "a:b" from reading as a URL scheme.
		Href: "./" + url.PathEscape(d.Name()),
		Size: "-",
	}
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		e.Name += "@"
		e.Type = "symlink"
	case d.IsDir():
		e.Name += "/"
		e.Href += "/"
		e.Type = "directory"
	case d.Type().IsRegular():
		e.Type = "file"
		if info, err := d.Info(); err == nil {
			e.Size = strconv.FormatInt(info.Size(), 10)
		}
	default:
		e.Type = "other"
	}
	return e
}

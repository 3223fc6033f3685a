package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultIndexFiles are tried, in order, when a directory is requested.
var DefaultIndexFiles = []string{"index.html", "index.htm"}

// FileHandler serves GET and HEAD requests from a directory tree.
//
// Every path is confined to the root: ".." segments that would climb above
// it are refused with 403 before the filesystem is consulted, and files are
// opened through an os.Root so symlinks can't lead outside either.
//
// A directory is answered with its first index file. Without one, a
// generated listing is returned, or 403 when DisableListing is set.
//
// The exported fields must not change once the handler is serving.
type FileHandler struct {
	IndexFiles     []string
	DisableListing bool

	// MIMETypes maps lower-case extensions, dot included, to content
	// types. It takes precedence over the mime package table.
	MIMETypes map[string]string

	root *os.Root
}

// NewFileHandler opens dir as the root of the served tree.
func NewFileHandler(dir string) (*FileHandler, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open root: %w", err)
	}
	return &FileHandler{
		IndexFiles: DefaultIndexFiles,
		root:       root,
	}, nil
}

// Close releases the root directory.
func (h *FileHandler) Close() error {
	return h.root.Close()
}

func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, statusOf(ErrMethodNotAllowed))
		return
	}

	name, err := resolvePath(r.URL.Path)
	if err == nil {
		err = h.serve(w, r, name)
	}
	if err != nil {
		writeError(w, statusOf(err))
	}
}

// resolvePath turns a decoded URL path into a slash-separated name
// relative to the root, "." for the root itself.
func resolvePath(urlPath string) (string, error) {
	if strings.IndexByte(urlPath, 0) >= 0 {
		return "", ErrNotFound
	}
	var parts []string
	for _, seg := range strings.Split(urlPath, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", fmt.Errorf("%w: path leaves root", ErrForbidden)
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return ".", nil
	}
	return strings.Join(parts, "/"), nil
}

// serve returns an error only when nothing has been written yet.
func (h *FileHandler) serve(w http.ResponseWriter, r *http.Request, name string) error {
	fi, err := h.root.Stat(filepath.FromSlash(name))
	if err != nil {
		return fsError(err)
	}

	if fi.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			redirectToDir(w, r, name)
			return nil
		}
		for _, index := range h.IndexFiles {
			err := h.serveFile(w, r, path.Join(name, index))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if h.DisableListing {
			return fmt.Errorf("%w: listing disabled", ErrForbidden)
		}
		return h.serveListing(w, r, name)
	}

	// A trailing slash names a directory; files don't have one.
	if strings.HasSuffix(r.URL.Path, "/") {
		return ErrNotFound
	}
	return h.serveFile(w, r, name)
}

func (h *FileHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) error {
	osName := filepath.FromSlash(name)
	// Directories, devices and pipes are never served as file content.
	// Opening a pipe blocks, so they are turned away before Open too.
	if fi, err := h.root.Stat(osName); err == nil && !fi.Mode().IsRegular() {
		return ErrNotFound
	}

	f, err := h.root.Open(osName)
	if err != nil {
		return fsError(err)
	}
	defer f.Close()

	// The size and type come from the open file; the name may have been
	// replaced since the check above.
	fi, err := f.Stat()
	if err != nil {
		return fsError(err)
	}
	if !fi.Mode().IsRegular() {
		return ErrNotFound
	}

	ctype, err := h.contentType(name, f)
	if err != nil {
		return fsError(err)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", ctype)
	hdr.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	// A failed copy is visible to the connection as a short body.
	io.CopyN(w, f, fi.Size())
	return nil
}

// contentType consults MIMETypes, then the mime package, then sniffs the
// first bytes of f. f is left at offset zero.
func (h *FileHandler) contentType(name string, f io.ReadSeeker) (string, error) {
	ext := strings.ToLower(path.Ext(name))
	if ctype, ok := h.MIMETypes[ext]; ok {
		return ctype, nil
	}
	if ctype := mime.TypeByExtension(ext); ctype != "" {
		return ctype, nil
	}

	var buf [512]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

func redirectToDir(w http.ResponseWriter, r *http.Request, name string) {
	target := "/"
	if name != "." {
		target = "/" + name + "/"
	}
	u := url.URL{Path: target, RawQuery: r.URL.RawQuery}
	w.Header().Set("Location", u.String())
	writeError(w, http.StatusMovedPermanently)
}

// fsError classifies filesystem errors without passing their text, which
// names paths, to the client.
func fsError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}

// writeError sends a short plain-text response for status code.
func writeError(w http.ResponseWriter, code int) {
	body := fmt.Sprintf("%d %s\n", code, http.StatusText(code))
	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	io.WriteString(w, body)
}

// Package blobs implements the per-agent content-addressed blob store
// backing GET/POST /blobs/<agent>[/<id>] (spec §6): POST stores a body under
// its sha384-derived 48-hex-char id, GET serves it back with Range support.
//
// Grounded on pkg/registry/registry.go's temp-file+rename write discipline,
// generalized from one JSON file to many content-addressed blob files.
package blobs

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ploinky/ploinky/pkg/perr"
)

// idHexLen is 48 hex chars, i.e. 24 bytes: spec §6 "IDs are 48 hex chars".
const idHexLen = 48

// Store owns the blob directories of all agents, one subdirectory per agent.
type Store struct {
	root string // <workspace>/.ploinky/blobs
}

// Open binds a Store to .ploinky/blobs under root. No I/O happens until Put
// or Get is called.
func Open(root string) *Store {
	return &Store{root: filepath.Join(root, ".ploinky", "blobs")}
}

// Stored describes a blob just written, the JSON shape returned by POST.
type Stored struct {
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime"`
	DownloadURL string `json:"downloadUrl"`
}

func (s *Store) agentDir(agent string) string {
	return filepath.Join(s.root, agent)
}

func (s *Store) blobPath(agent, id string) string {
	return filepath.Join(s.agentDir(agent), id)
}

func (s *Store) metaPath(agent, id string) string {
	return filepath.Join(s.agentDir(agent), id+".meta")
}

// Put stores r's content under its sha384-derived id (truncated to 48 hex
// chars), atomically via temp-file + rename. mimeType defaults to
// "application/octet-stream" when empty.
func (s *Store) Put(agent string, r io.Reader, mimeType string) (*Stored, error) {
	dir := s.agentDir(agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "create blob dir for %s", agent)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	tmp, err := os.CreateTemp(dir, "upload-*.tmp")
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "create temp blob for %s", agent)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	h := sha512.New384()
	size, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		tmp.Close()
		return nil, perr.Wrap(perr.Internal, err, "write blob for %s", agent)
	}
	if err := tmp.Close(); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "close blob for %s", agent)
	}

	id := hex.EncodeToString(h.Sum(nil))[:idHexLen]
	finalPath := s.blobPath(agent, id)
	if _, err := os.Stat(finalPath); err == nil {
		// Content already present: dedupe, discard the new write.
		os.Remove(tmpPath)
	} else {
		if err := os.Rename(tmpPath, finalPath); err != nil {
			return nil, perr.Wrap(perr.Internal, err, "rename blob for %s", agent)
		}
	}
	if err := os.WriteFile(s.metaPath(agent, id), []byte(mimeType), 0o644); err != nil {
		return nil, perr.Wrap(perr.Internal, err, "write blob meta for %s", agent)
	}

	return &Stored{
		ID:          id,
		Size:        size,
		MIME:        mimeType,
		DownloadURL: fmt.Sprintf("/blobs/%s/%s", agent, id),
	}, nil
}

// Meta returns the stored mime type and size for id, or an error if absent.
func (s *Store) Meta(agent, id string) (mimeType string, size int64, err error) {
	info, err := os.Stat(s.blobPath(agent, id))
	if err != nil {
		return "", 0, perr.Wrap(perr.Internal, err, "stat blob %s/%s", agent, id)
	}
	data, err := os.ReadFile(s.metaPath(agent, id))
	if err != nil {
		return "application/octet-stream", info.Size(), nil
	}
	return string(data), info.Size(), nil
}

// OpenFile opens the blob file for reading (caller closes).
func (s *Store) OpenFile(agent, id string) (*os.File, error) {
	f, err := os.Open(s.blobPath(agent, id))
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "open blob %s/%s", agent, id)
	}
	return f, nil
}

// ValidID reports whether id has the exact shape spec §6 mandates: 48 lowercase hex chars.
func ValidID(id string) bool {
	if len(id) != idHexLen {
		return false
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// ServeHTTP implements GET/POST /blobs/<agent>[/<id>] with Range support on
// GET (spec §6: "GET supports Range with 206 partial responses").
func ServeHTTP(store *Store, w http.ResponseWriter, r *http.Request, agent, id string) {
	switch r.Method {
	case http.MethodPost:
		servePost(store, w, r, agent)
	case http.MethodGet:
		serveGet(store, w, r, agent, id)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func servePost(store *Store, w http.ResponseWriter, r *http.Request, agent string) {
	mimeType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	stored, err := store.Put(agent, r.Body, mimeType)
	if err != nil {
		http.Error(w, "internal: blob store failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"id":%q,"size":%d,"mime":%q,"downloadUrl":%q}`,
		stored.ID, stored.Size, stored.MIME, stored.DownloadURL)
}

func serveGet(store *Store, w http.ResponseWriter, r *http.Request, agent, id string) {
	if !ValidID(id) {
		http.Error(w, "malformed blob id", http.StatusBadRequest)
		return
	}
	mimeType, size, err := store.Meta(agent, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := store.OpenFile(agent, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		io.Copy(w, f)
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		http.Error(w, "seek failure", http.StatusInternalServerError)
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, f, length)
}

// parseRange parses a single "bytes=start-end" range header against size.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		// suffix range: "-N" means last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	if parts[1] == "" {
		return s, size - 1, true
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || e < s {
		return 0, 0, false
	}
	if e >= size {
		e = size - 1
	}
	return s, e, true
}

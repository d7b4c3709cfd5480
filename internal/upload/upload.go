package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/npezzotti/chat-relay/internal/types"
)

const (
	DefaultMaxSize = 10 << 20
	FormField      = "file"
	URLPrefix      = "/uploads/"

	// enough for mimetype to classify every allowed format
	sniffLen = 3072
)

var (
	ErrNoFile         = errors.New("no file uploaded")
	ErrTooLarge       = errors.New("file exceeds the size limit")
	ErrTypeNotAllowed = errors.New("only images and documents are allowed")
)

// allowedTypes lists, per extension, the sniffed content types accepted for
// it. A match on any ancestor of the detected type counts.
var allowedTypes = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword", "application/x-ole-storage"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	".txt":  {"text/plain"},
}

// Store keeps uploaded files in a single flat directory.
type Store struct {
	dir     string
	maxSize int64
	log     *log.Logger
	now     func() time.Time
}

func NewStore(dir string, maxSize int64, logger *log.Logger) (*Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	return &Store{
		dir:     dir,
		maxSize: maxSize,
		log:     logger,
		now:     time.Now,
	}, nil
}

func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Save validates and persists r under "<unix-millis>-<name>".
func (s *Store) Save(originalName string, r io.Reader) (types.Attachment, error) {
	name := cleanName(originalName)
	if name == "" {
		return types.Attachment{}, ErrNoFile
	}
	ext := strings.ToLower(filepath.Ext(name))
	accepted, ok := allowedTypes[ext]
	if !ok {
		return types.Attachment{}, fmt.Errorf("extension %q: %w", ext, ErrTypeNotAllowed)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return types.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return types.Attachment{}, ErrNoFile
	}

	if mt := mimetype.Detect(head); !matchesAny(mt, accepted) {
		return types.Attachment{}, fmt.Errorf("content type %q: %w", mt.String(), ErrTypeNotAllowed)
	}

	f, stored, err := s.create(name)
	if err != nil {
		return types.Attachment{}, err
	}

	size, err := io.Copy(f, io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(s.dir, stored))
		return types.Attachment{}, err
	}

	s.log.Printf("stored upload %q (%d bytes)", stored, size)
	return types.Attachment{
		StoredName:   stored,
		OriginalName: name,
		Size:         size,
		Url:          URLPrefix + url.PathEscape(stored),
	}, nil
}

// create opens a new file for name, moving the timestamp forward on the
// rare collision.
func (s *Store) create(name string) (*os.File, string, error) {
	ts := s.now().UnixMilli()
	for i := 0; i < 10; i++ {
		stored := fmt.Sprintf("%d-%s", ts+int64(i), name)
		f, err := os.OpenFile(filepath.Join(s.dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("create upload: %w", err)
		}
		return f, stored, nil
	}
	return nil, "", fmt.Errorf("create upload: no free name for %q", name)
}

// Handler serves stored files; directories are never listed.
func (s *Store) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

func matchesAny(mt *mimetype.MIME, accepted []string) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mimetype.EqualsAny(mt.String(), accepted...) {
			return true
		}
	}
	return false
}

// cleanName drops any directory part a client may send along with the name.
func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}

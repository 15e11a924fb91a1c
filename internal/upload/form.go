// Package upload buffers inbound multipart forms under an explicit size bound
// and re-encodes them for forwarding.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
)

var (
	// ErrTooLarge is returned when a multipart body exceeds the upload limit.
	ErrTooLarge = errors.New("upload too large")
	// ErrNotMultipart is returned when the request is not multipart/form-data.
	ErrNotMultipart = errors.New("request is not multipart/form-data")
	// ErrMalformed is returned when the multipart body cannot be parsed.
	ErrMalformed = errors.New("malformed multipart body")
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// File is one file part of a buffered form.
type File struct {
	FieldName string
	FileName  string
	Size      int64

	header *multipart.FileHeader
}

// Form is a fully buffered multipart form. Small parts live in memory,
// larger ones in temp files; Release removes them.
type Form struct {
	Values map[string][]string
	Files  []File

	form *multipart.Form
}

// IsMultipart reports whether the request carries a multipart/form-data body.
func IsMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// Read buffers the multipart body of r. The whole body is capped at maxBytes;
// at most memoryBytes of file content is held in memory.
func Read(w http.ResponseWriter, r *http.Request, maxBytes, memoryBytes int64) (*Form, error) {
	if !IsMultipart(r) {
		return nil, ErrNotMultipart
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(memoryBytes); err != nil {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) || errors.Is(err, multipart.ErrMessageTooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxBytes)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	mf := r.MultipartForm
	f := &Form{Values: mf.Value, form: mf}
	for _, field := range sortedKeys(mf.File) {
		for _, fh := range mf.File[field] {
			f.Files = append(f.Files, File{
				FieldName: field,
				FileName:  fh.Filename,
				Size:      fh.Size,
				header:    fh,
			})
		}
	}
	return f, nil
}

// Encode streams the form as a new multipart payload and returns it with
// its Content-Type (including the boundary). Value fields come first in key
// order, then files in field order. Parts are copied from their backing
// memory or temp files as the reader is consumed, so the payload is never
// held whole. Write failures surface as read errors. The caller must close
// the reader; Encode may be called again until Release.
func (f *Form) Encode() (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(f.writeParts(mw))
	}()

	return pr, mw.FormDataContentType()
}

func (f *Form) writeParts(mw *multipart.Writer) error {
	for _, key := range sortedKeys(f.Values) {
		for _, v := range f.Values[key] {
			if err := mw.WriteField(key, v); err != nil {
				return fmt.Errorf("write field %q: %w", key, err)
			}
		}
	}

	for _, file := range f.Files {
		if err := file.writeTo(mw); err != nil {
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	return nil
}

// Release removes any temp files backing the form. Safe to call on nil.
func (f *Form) Release() error {
	if f == nil || f.form == nil {
		return nil
	}
	return f.form.RemoveAll()
}

func (file File) writeTo(mw *multipart.Writer) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(file.FieldName), quoteEscaper.Replace(file.FileName)))
	contentType := "application/octet-stream"
	if file.header != nil {
		if ct := file.header.Header.Get("Content-Type"); ct != "" {
			contentType = ct
		}
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %q: %w", file.FieldName, err)
	}
	if file.header == nil {
		return nil
	}

	src, err := file.header.Open()
	if err != nil {
		return fmt.Errorf("open part %q: %w", file.FieldName, err)
	}
	defer func() { _ = src.Close() }()

	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy part %q: %w", file.FieldName, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

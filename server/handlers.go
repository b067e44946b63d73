package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/georgepadayatti/signpad/binder"
	"github.com/georgepadayatti/signpad/journal"
	"github.com/georgepadayatti/signpad/placeholder"
	"github.com/georgepadayatti/signpad/session"
)

// documentInfo describes the loaded PDF.
type documentInfo struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Pages       int    `json:"pages"`
	Fingerprint string `json:"fingerprint"`
}

type pageFailure struct {
	Page  int    `json:"page"`
	Error string `json:"error"`
}

// statusResponse is the body of GET /documents/{id}.
type statusResponse struct {
	ID           string                     `json:"id"`
	State        session.State              `json:"state"`
	Document     *documentInfo              `json:"document,omitempty"`
	Placeholders []*placeholder.Placeholder `json:"placeholders"`
	Failures     []pageFailure              `json:"failures,omitempty"`
}

func status(sess *session.Session) statusResponse {
	resp := statusResponse{
		ID:           sess.ID,
		State:        sess.State(),
		Placeholders: sess.Placeholders(),
	}
	if doc := sess.Document(); doc != nil {
		resp.Document = &documentInfo{
			Name:        doc.Name,
			Size:        doc.Size(),
			Pages:       doc.PageCount,
			Fingerprint: doc.Fingerprint,
		}
	}
	for _, f := range sess.Failures() {
		resp.Failures = append(resp.Failures, pageFailure{Page: f.Page, Error: f.Err.Error()})
	}
	return resp
}

// lookup finds the session a request names. Any request counts as activity.
func (s *Server) lookup(r *http.Request) (*session.Session, error) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	sess.Touch()
	return sess, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.registry.Len()})
}

// upload is one PDF received from a client.
type upload struct {
	name     string
	mimeType string
	data     []byte
}

// readUpload accepts either a multipart form with a "file" part or a raw
// request body. For raw bodies the name comes from the "name" query
// parameter or the Content-Disposition header.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	limit := s.cfg.Server.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, err
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return &upload{name: hdr.Filename, mimeType: hdr.Header.Get("Content-Type"), data: data}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil {
			name = params["filename"]
		}
	}
	if name == "" {
		name = "document.pdf"
	}
	return &upload{name: name, mimeType: r.Header.Get("Content-Type"), data: data}, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.newSession()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Load(r.Context(), up.name, up.mimeType, up.data); err != nil {
		sess.Close()
		writeError(w, err)
		return
	}
	if err := s.registry.Add(sess); err != nil {
		sess.Close()
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/documents/"+sess.ID)
	writeJSON(w, http.StatusCreated, status(sess))
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	up, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Load(r.Context(), up.name, up.mimeType, up.data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status(sess))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status(sess))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// waitReady blocks until rendering finished or the render timeout elapsed.
// Partially failed documents count as ready.
func (s *Server) waitReady(ctx context.Context, sess *session.Session) error {
	_, _, timeout := s.cfg.Server.Durations()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := sess.WaitReady(ctx)
	var partial *session.PartialError
	if errors.As(err, &partial) {
		return nil
	}
	return err
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: page must be a number", errBadRequest))
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := s.waitReady(r.Context(), sess); err != nil {
			writeError(w, err)
			return
		}
	}

	sf, err := sess.Surface(page)
	if err != nil {
		if st := sess.State(); page >= 1 && page <= st.Pages && !st.Phase.Interactive() {
			err = fmt.Errorf("%w: page %d is still rendering", session.ErrNotReady, page)
		}
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sf.Image()); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if sf.Failed {
		w.Header().Set("X-Render-Failed", "true")
	}
	w.Write(buf.Bytes())
}

func (s *Server) handleListPlaceholders(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Placeholders())
}

type placeholderRequest struct {
	Page int `json:"page"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

func (s *Server) handleAddPlaceholder(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req placeholderRequest
	if err := decodeJSON(w, r, &req, 1<<10); err != nil {
		writeError(w, err)
		return
	}
	p, err := sess.RegisterPlaceholder(r.Context(), req.Page, image.Pt(req.X, req.Y))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type signingRequest struct {
	Open *bool `json:"open"`
}

func (s *Server) handleSigning(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req signingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, 1<<10); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, err)
			return
		}
	}

	switch {
	case req.Open == nil:
		_, err = sess.ToggleSigning()
	case *req.Open:
		err = sess.OpenSigning()
	default:
		err = sess.CloseSigning()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": sess.State().Phase})
}

type signatureRequest struct {
	// Image is a data: URL or base64-encoded PNG/JPEG bytes.
	Image         string `json:"image"`
	PlaceholderID string `json:"placeholder_id,omitempty"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	max := s.cfg.Signature.MaxBytes

	var (
		sig           *binder.Signature
		placeholderID = r.URL.Query().Get("placeholder_id")
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") {
		sig, err = binder.ReadSignature(r.Body, max)
	} else {
		var req signatureRequest
		// Base64 inflates the payload by a third.
		if err = decodeJSON(w, r, &req, max*4/3+1024); err == nil {
			sig, err = parseSignature(req.Image, max)
			if req.PlaceholderID != "" {
				placeholderID = req.PlaceholderID
			}
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	var p *placeholder.Placeholder
	if placeholderID != "" {
		p, err = sess.SubmitSignatureFor(r.Context(), sig, placeholderID)
	} else {
		p, err = sess.SubmitSignature(r.Context(), sig)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signature": sig, "placeholder": p})
}

// parseSignature accepts a data: URL or bare base64.
func parseSignature(encoded string, max int64) (*binder.Signature, error) {
	raw := []byte(strings.TrimSpace(encoded))
	if len(raw) > 0 && !bytes.HasPrefix(raw, []byte("data:")) {
		raw = []byte("data:;base64," + string(raw))
	}
	sig, err := binder.NewSignature(raw)
	if err != nil {
		return nil, err
	}
	if int64(len(sig.Data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", binder.ErrSignatureTooBig, max)
	}
	return sig, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.waitReady(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if _, err := sess.Export(r.Context(), &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": sess.Filename()}))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := []journal.Entry{}
	if s.journal != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		list, err := s.journal.List(ctx, sess.ID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if list != nil {
			entries = list
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body: %w", errBadRequest, err)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

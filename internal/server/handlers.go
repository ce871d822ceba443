package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/expense"
	"github.com/zombor/receipt-capture/internal/pipeline"
	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/upload"
)

// multipartOverhead is the body headroom allowed above the image size limit.
const multipartOverhead = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writePipelineError maps a pipeline failure onto a status and user message.
func writePipelineError(w http.ResponseWriter, err error) {
	writeError(w, pipeline.Message(err), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, capture.ErrInvalidFileType), errors.Is(err, capture.ErrNoImageFile):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, capture.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrBusy),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, review.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, upload.ErrUploadFailed):
		return http.StatusBadGateway
	case errors.Is(err, review.ErrIncompleteDraft),
		errors.Is(err, review.ErrInvalidValue),
		errors.Is(err, review.ErrUnknownField):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// handleHealth reports liveness and the number of open sessions
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleCreateSession accepts a receipt image and starts a pipeline for it.
// With ?wait=true the response is held until the image is under review.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writePipelineError(w, capture.ErrFileTooLarge)
			return
		}
		s.logger.Warn("Error parsing multipart form", "error", err)
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	surface := capture.ParseSurface(r.FormValue("surface"))
	drop := r.MultipartForm.File["files"]
	single := r.MultipartForm.File["file"]
	if len(drop) == 0 && len(single) == 0 {
		writeError(w, "No file was selected. Please choose a receipt image.", http.StatusBadRequest)
		return
	}

	p := s.sessions.Create()
	var err error
	if len(drop) > 0 {
		var files []capture.Source
		files, err = readSources(drop, capture.SurfaceDrop)
		if err == nil {
			err = p.StartDrop(r.Context(), files)
		}
	} else {
		var src []capture.Source
		src, err = readSources(single[:1], surface)
		if err == nil {
			err = p.Start(r.Context(), src[0])
		}
	}
	if err != nil {
		s.sessions.Remove(p.ID())
		s.logger.Info("Receipt rejected", "session", p.ID(), "error", err)
		writePipelineError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := p.Wait(r.Context()); err != nil {
			writeError(w, "Request cancelled", http.StatusRequestTimeout)
			return
		}
		if snap := p.Snapshot(); snap.Err != nil {
			s.sessions.Remove(p.ID())
			writePipelineError(w, snap.Err)
			return
		}
	}

	w.Header().Set("Location", "/api/sessions/"+p.ID())
	writeJSON(w, http.StatusCreated, p.Snapshot())
}

func readSources(headers []*multipart.FileHeader, surface capture.Surface) ([]capture.Source, error) {
	sources := make([]capture.Source, 0, len(headers))
	for _, h := range headers {
		data, err := readFile(h)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", h.Filename, err)
		}
		sources = append(sources, capture.Source{
			Filename:    h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Data:        data,
			Surface:     surface,
		})
	}
	return sources, nil
}

func readFile(h *multipart.FileHeader) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// session looks up the {id} path value, writing a 404 when it is unknown
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*pipeline.Pipeline, bool) {
	p, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, "Session not found", http.StatusNotFound)
	}
	return p, ok
}

// handleGetSession returns the session's stage, progress and draft
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

// handleSessionPreview serves the local preview of the image under review
func (s *Server) handleSessionPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session(w, r)
	if !ok {
		return
	}
	data, contentType, ok := p.Preview()
	if !ok {
		writeError(w, "No preview available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

type editRequest struct {
	Fields map[string]string `json:"fields" validate:"required,min=1,dive,keys,oneof=merchant amount currency category date notes,endkeys"`
}

// handleEditSession applies field corrections to the draft
func (s *Server) handleEditSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session(w, r)
	if !ok {
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, "Unknown or missing fields", http.StatusBadRequest)
		return
	}

	if err := p.EditFields(req.Fields); err != nil {
		writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p.Snapshot())
}

// handleConfirmSession commits the reviewed draft as an expense
func (s *Server) handleConfirmSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session(w, r)
	if !ok {
		return
	}
	id, err := p.Confirm(r.Context())
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expense_id": id,
		"session":    p.Snapshot(),
	})
}

// handleCancelSession abandons the receipt and forgets the session
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := p.Cancel(r.Context()); err != nil && !errors.Is(err, pipeline.ErrInvalidTransition) {
		writePipelineError(w, err)
		return
	}
	s.sessions.Remove(p.ID())
	w.WriteHeader(http.StatusNoContent)
}

// handleListExpenses returns all committed expenses
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.expenses.ListExpenses()
	if err != nil {
		s.logger.Error("Error listing expenses", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Ensure we always return an array, not nil
	if expenses == nil {
		expenses = []*expense.Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// lookupExpense loads the {id} expense, writing an error when it fails
func (s *Server) lookupExpense(w http.ResponseWriter, r *http.Request) (*expense.Expense, bool) {
	e, err := s.expenses.GetExpense(r.PathValue("id"))
	switch {
	case errors.Is(err, expense.ErrNotFound):
		writeError(w, "Expense not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		s.logger.Error("Error loading expense", "id", r.PathValue("id"), "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return e, true
}

// handleGetExpense returns a single expense
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupExpense(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleGetExpenseReceipt returns the stored receipt image of an expense
func (s *Server) handleGetExpenseReceipt(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupExpense(w, r)
	if !ok {
		return
	}
	if e.ReceiptKey == "" {
		writeError(w, "File not found", http.StatusNotFound)
		return
	}
	data, err := s.images.Open(r.Context(), e.ReceiptKey)
	if err != nil {
		if !errors.Is(err, upload.ErrNotFound) {
			s.logger.Error("Error reading receipt image", "id", e.ID, "key", e.ReceiptKey, "error", err)
		}
		writeError(w, "File not found", http.StatusNotFound)
		return
	}

	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteExpense deletes an expense and its stored image
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupExpense(w, r)
	if !ok {
		return
	}
	if err := s.expenses.DeleteExpense(e.ID); err != nil {
		s.logger.Error("Error deleting expense", "id", e.ID, "error", err)
		writeError(w, "Error deleting expense", http.StatusInternalServerError)
		return
	}
	if e.ReceiptKey != "" {
		if err := s.images.Discard(r.Context(), &upload.Receipt{ID: e.ReceiptID, Key: e.ReceiptKey}); err != nil {
			s.logger.Warn("Error deleting receipt image", "id", e.ID, "key", e.ReceiptKey, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListCategories returns the selectable expense categories
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.categories.All())
}

// handleListCurrencies returns the currency choices and the default
func (s *Server) handleListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.currency,
		"supported": review.SupportedCurrencies,
	})
}

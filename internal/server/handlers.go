package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/serp256/tenx/internal/session"
)

// StepInfo summarises a step.
type StepInfo struct {
	Index   int                 `json:"index"`
	Type    session.StepType    `json:"type"`
	State   string              `json:"state"`
	Prompt  string              `json:"prompt"`
	Comment string              `json:"comment,omitempty"`
	Files   []string            `json:"files,omitempty"`
	Error   *session.StepError  `json:"error,omitempty"`
	Usage   *session.Usage      `json:"usage,omitempty"`
	Ops     []session.Operation `json:"operations,omitempty"`
}

// SessionInfo is the reply of GET /session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Root      string        `json:"root"`
	Model     string        `json:"model"`
	Created   int64         `json:"created"`
	Steps     int           `json:"steps"`
	Editables []string      `json:"editables"`
	Contexts  []string      `json:"contexts"`
	Usage     session.Usage `json:"usage"`
}

// ResetRequest is the body of POST /session/reset.
type ResetRequest struct {
	Offset int `json:"offset"`
}

// ResetResponse lists the files a reset restored.
type ResetResponse struct {
	Steps    int      `json:"steps"`
	Reverted []string `json:"reverted"`
}

// loadSession loads the session or writes an error reply.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.tx.LoadSession(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no session")
		return nil, false
	}
	if err != nil {
		writeTenxError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	info := SessionInfo{
		ID:        sess.ID,
		Root:      sess.Root,
		Model:     sess.Model,
		Created:   sess.Created,
		Steps:     len(sess.Steps),
		Editables: sess.Editables,
		Contexts:  []string{},
		Usage:     sess.Usage(),
	}
	if info.Editables == nil {
		info.Editables = []string{}
	}
	for _, c := range sess.Contexts {
		info.Contexts = append(info.Contexts, c.Human())
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	steps := make([]StepInfo, 0, len(sess.Steps))
	for i, step := range sess.Steps {
		info := StepInfo{
			Index:  i,
			Type:   step.Type,
			State:  step.State().String(),
			Prompt: step.Prompt,
			Error:  step.Err,
		}
		if resp := step.Response; resp != nil {
			info.Comment = resp.Comment
			info.Usage = resp.Usage
			info.Ops = resp.Operations
			if resp.Patch != nil {
				info.Files = resp.Patch.ChangedFiles()
			}
		}
		steps = append(steps, info)
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) getStepDiff(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "step must be a number")
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if n < 0 || n >= len(sess.Steps) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such step")
		return
	}

	var diff string
	if p := sess.Steps[n].Patch(); !p.IsEmpty() {
		if diff, err = p.Diff(); err != nil {
			writeTenxError(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(diff))
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	reverted, err := s.tx.Reset(r.Context(), sess, req.Offset)
	if err != nil {
		writeTenxError(w, err)
		return
	}
	if reverted == nil {
		reverted = []string{}
	}
	writeJSON(w, http.StatusOK, ResetResponse{Steps: len(sess.Steps), Reverted: reverted})
}

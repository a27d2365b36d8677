package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/raterudder/sunwaysbridge/pkg/configflow"
	"github.com/raterudder/sunwaysbridge/pkg/integration"
	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
)

// flowResponse is a step result plus the outcome of setting up the entry the
// step created, if any.
type flowResponse struct {
	configflow.Result
	EntryID    string `json:"entryID,omitempty"`
	SetupError string `json:"setupError,omitempty"`
}

// decodeInput reads the submitted fields. An empty body means the form should
// be shown.
func decodeInput(r *http.Request) (configflow.Input, error) {
	if r.ContentLength == 0 {
		return nil, nil
	}
	var input configflow.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return input, nil
}

// finish persists and sets up the entry a step produced and ends the flow.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, res configflow.Result) {
	ctx := r.Context()
	resp := flowResponse{Result: res}
	if res.Type != configflow.ResultForm {
		s.flow = nil
	}
	if res.Entry == nil {
		writeJSON(w, resp)
		return
	}
	resp.EntryID = res.Entry.ID

	var err error
	if res.Type == configflow.ResultCreateEntry {
		err = s.manager.AddEntry(ctx, *res.Entry)
	} else {
		err = s.manager.ReloadEntry(ctx, *res.Entry)
	}
	if err != nil {
		// the entry is persisted, setup is retried on the next start
		if !errors.Is(err, integration.ErrNotReady) && !errors.Is(err, integration.ErrAuthFailed) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to set up entry", slog.String("entryID", res.Entry.ID), slog.Any("error", err))
			writeJSONError(w, "failed to set up entry", http.StatusInternalServerError)
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "entry created but not ready", slog.String("entryID", res.Entry.ID), slog.Any("error", err))
		resp.SetupError = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleFlowUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	input, err := decodeInput(r)
	if err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	// showing the user form starts over
	if input == nil || s.flow == nil || reauthing(s.flow) {
		s.flow = configflow.New(s.newClient, s.storage)
	}
	res, err := s.flow.StepUser(ctx, input)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "user step failed", slog.Any("error", err))
		s.flow = nil
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.finish(w, r, res)
}

func (s *Server) handleFlowStation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	input, err := decodeInput(r)
	if err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	if s.flow == nil || reauthing(s.flow) {
		writeJSONError(w, "no flow in progress", http.StatusConflict)
		return
	}
	res, err := s.flow.StepStation(ctx, input)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "station step failed", slog.Any("error", err))
		s.flow = nil
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.finish(w, r, res)
}

func (s *Server) handleFlowReauth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		EntryID string           `json:"entryID"`
		Input   configflow.Input `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	if req.Input == nil {
		if req.EntryID == "" {
			writeJSONError(w, "missing entryID", http.StatusBadRequest)
			return
		}
		entry, err := s.storage.GetEntry(ctx, req.EntryID)
		if err != nil {
			if errors.Is(err, storage.ErrEntryNotFound) {
				writeJSONError(w, "entry not found", http.StatusNotFound)
				return
			}
			log.Ctx(ctx).ErrorContext(ctx, "failed to get entry", slog.String("entryID", req.EntryID), slog.Any("error", err))
			writeJSONError(w, "failed to get entry", http.StatusInternalServerError)
			return
		}
		s.flow = configflow.New(s.newClient, s.storage)
		res, err := s.flow.StepReauth(ctx, entry)
		if err != nil {
			s.flow = nil
			writeJSONError(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, flowResponse{Result: res, EntryID: entry.ID})
		return
	}

	if s.flow == nil || !reauthing(s.flow) {
		writeJSONError(w, "no reauth in progress", http.StatusConflict)
		return
	}
	if id, _ := s.flow.ReauthEntryID(); req.EntryID != "" && req.EntryID != id {
		writeJSONError(w, "reauth in progress for another entry", http.StatusConflict)
		return
	}
	res, err := s.flow.StepReauthConfirm(ctx, req.Input)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "reauth step failed", slog.Any("error", err))
		s.flow = nil
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.finish(w, r, res)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.storage.GetEntry(ctx, id); err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			writeJSONError(w, "entry not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "failed to get entry", http.StatusInternalServerError)
		return
	}
	if err := s.manager.RemoveEntry(ctx, id); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to remove entry", slog.String("entryID", id), slog.Any("error", err))
		writeJSONError(w, "failed to remove entry", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reauthing(f *configflow.Flow) bool {
	_, ok := f.ReauthEntryID()
	return ok
}

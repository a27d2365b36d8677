package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// entryState is an entry as shown to the user, without its credentials.
type entryState struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StationID   string `json:"stationID"`
	Email       string `json:"email"`
	NeedsReauth bool   `json:"needsReauth"`

	Loaded            bool            `json:"loaded"`
	LastUpdateSuccess bool            `json:"lastUpdateSuccess"`
	LastError         string          `json:"lastError,omitempty"`
	Snapshot          *types.Snapshot `json:"snapshot,omitempty"`
	Sensors           []sensorState   `json:"sensors,omitempty"`
}

type sensorState struct {
	Key       types.SensorKey `json:"key"`
	UniqueID  string          `json:"uniqueID"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Value     *float64        `json:"value"`
	Precision int             `json:"precision"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.storage.ListEntries(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list entries", slog.Any("error", err))
		writeJSONError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}

	states := make([]entryState, 0, len(entries))
	for _, entry := range entries {
		st := entryState{
			ID:          entry.ID,
			Title:       entry.Title,
			StationID:   entry.StationID,
			Email:       entry.Email,
			NeedsReauth: entry.NeedsReauth,
		}
		if rt, ok := s.manager.Runtime(entry.ID); ok {
			st.Loaded = true
			st.LastUpdateSuccess = rt.Coordinator.LastUpdateSuccess()
			if err := rt.Coordinator.LastError(); err != nil {
				st.LastError = err.Error()
			}
			st.Snapshot = rt.Coordinator.Data()
			for _, sensor := range rt.Sensors {
				desc := sensor.Description()
				ss := sensorState{
					Key:       sensor.Key(),
					UniqueID:  sensor.UniqueID(),
					Name:      sensor.Name(),
					Unit:      desc.Unit,
					Precision: desc.Precision,
				}
				if v, ok := sensor.NativeValue(); ok {
					ss.Value = &v
				}
				st.Sensors = append(st.Sensors, ss)
			}
		}
		states = append(states, st)
	}

	writeJSON(w, struct {
		Entries []entryState `json:"entries"`
	}{Entries: states})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		EntryID string `json:"entryID"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var ids []string
	if req.EntryID != "" {
		if _, ok := s.manager.Runtime(req.EntryID); !ok {
			writeJSONError(w, "entry is not set up", http.StatusNotFound)
			return
		}
		ids = []string{req.EntryID}
	} else {
		for _, rt := range s.manager.Runtimes() {
			ids = append(ids, rt.Entry.ID)
		}
	}

	// failures are reported per entry, the snapshot of a failed entry is
	// left as it was
	results := make(map[string]string, len(ids))
	for _, id := range ids {
		_, err := s.manager.Refresh(ctx, id)
		switch {
		case err == nil:
			results[id] = "ok"
		case ctx.Err() != nil:
			writeJSONError(w, "request canceled", http.StatusServiceUnavailable)
			return
		default:
			log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.String("entryID", id), slog.Any("error", err))
			results[id] = err.Error()
		}
	}
	writeJSON(w, struct {
		Results map[string]string `json:"results"`
	}{Results: results})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kwv/loopcapture/territory"
)

const refreshTimeout = 30 * time.Second

// newHTTPServer creates an HTTP server with all endpoints. backend, when
// non-nil, is exposed as the reference territory API.
func newHTTPServer(tracker *territory.Tracker, backend *territory.MemoryService) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Sessions  int       `json:"sessions"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Sessions:  len(tracker.UserIDs()),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := tracker.Sessions()
		if sessions == nil {
			sessions = []territory.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /territories.geojson", func(w http.ResponseWriter, r *http.Request) {
		writeGeoJSON(w, tracker.AllTerritories())
	})

	mux.HandleFunc("GET /sessions/{user}/territories.geojson", func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		if _, ok := tracker.Store(user); !ok {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeGeoJSON(w, tracker.SessionTerritories(user))
	})

	mux.HandleFunc("POST /sessions/{user}/refresh", func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
		defer cancel()

		if err := tracker.Refresh(ctx, user); err != nil {
			if errors.Is(err, territory.ErrNoSession) {
				writeError(w, http.StatusNotFound, "unknown session")
				return
			}
			log.Printf("[HTTP] refresh for %s failed: %v", user, err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		store, _ := tracker.Store(user)
		writeGeoJSON(w, store.Territories())
	})

	if backend != nil {
		mux.HandleFunc("GET /api/territories", func(w http.ResponseWriter, r *http.Request) {
			writeGeoJSON(w, backend.Territories())
		})

		mux.HandleFunc("POST /api/territories", func(w http.ResponseWriter, r *http.Request) {
			var req territory.ClaimRequest
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
			if err := dec.Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid claim body")
				return
			}

			polygon := make([]territory.Coordinate, len(req.Coordinates))
			for i, c := range req.Coordinates {
				polygon[i] = territory.Coordinate{Lon: c[0], Lat: c[1]}
			}

			f, err := backend.ClaimTerritory(r.Context(), req.OwnerID, territory.ParseActivity(string(req.Activity)), polygon)
			if err != nil {
				if errors.Is(err, territory.ErrClaimRejected) {
					writeError(w, http.StatusUnprocessableEntity, err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Printf("[HTTP] claim by %s stored as %v", req.OwnerID, f.ID)

			w.Header().Set("Content-Type", "application/geo+json")
			w.WriteHeader(http.StatusCreated)
			if err := json.NewEncoder(w).Encode(f); err != nil {
				log.Printf("Error encoding claim response: %v", err)
			}
		})
	}

	return mux
}

func writeGeoJSON(w http.ResponseWriter, ts []territory.Territory) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(territory.TerritoriesToFeatureCollection(ts)); err != nil {
		log.Printf("Error encoding territories: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, territory.ErrorResponse{Error: msg})
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/repo"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

func main() {
	var addr, graphPath string
	flag.StringVar(&addr, "addr", ":8080", "Listen address")
	flag.StringVar(&graphPath, "graph", "twins/TwinGraph.json", "Twin graph used to seed the store")
	flag.Parse()

	logger := log.New(log.Writer(), "twins-mock ", log.LstdFlags|log.Lmicroseconds)

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		logger.Fatalf("read graph: %v", err)
	}
	seed, err := repo.ParseTwinGraph(bytes.NewReader(raw))
	if err != nil {
		logger.Fatalf("parse graph: %v", err)
	}
	store := repo.NewMemoryStore(seed)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /graph", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	})

	mux.HandleFunc("GET /digitaltwins", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"value": store.IDs()})
	})

	mux.HandleFunc("GET /digitaltwins/{id}", func(w http.ResponseWriter, r *http.Request) {
		twin, err := store.GetEntity(r.Context(), r.PathValue("id"))
		if errors.Is(err, utils.ErrEntityNotFound) {
			http.Error(w, `{"error":{"code":"DigitalTwinNotFound"}}`, http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, twin)
	})

	mux.HandleFunc("PUT /digitaltwins/{id}", func(w http.ResponseWriter, r *http.Request) {
		var twin models.Tree
		if err := json.NewDecoder(r.Body).Decode(&twin); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ack, err := store.UpsertEntity(r.Context(), r.PathValue("id"), twin)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stored, _ := store.Entity(ack.ID)
		w.Header().Set("ETag", ack.ETag)
		writeJSON(w, stored)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s with %d twins", addr, len(seed))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

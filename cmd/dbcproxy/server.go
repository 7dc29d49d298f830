package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	dbc "github.com/dbcapi/go-deathbycaptcha"
	"github.com/dbcapi/go-deathbycaptcha/solver"
)

type server struct {
	log    zerolog.Logger
	cfg    *proxyConfig
	client dbc.Client
	solver *solver.Solver
}

func newServer(log zerolog.Logger, cfg *proxyConfig) *server {
	client := cfg.newClient()
	return &server{
		log:    log,
		cfg:    cfg,
		client: client,
		solver: solver.New(client, solver.Config{
			Timeout:    cfg.timeout,
			MinBalance: cfg.MinBalance,
		}),
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/user", s.handleUser).Methods(http.MethodGet)
	r.HandleFunc("/solve", s.handleSolve).Methods(http.MethodPost)
	r.HandleFunc("/captcha/{id:[0-9]+}", s.handleCaptcha).Methods(http.MethodGet)
	r.HandleFunc("/captcha/{id:[0-9]+}/report", s.handleReport).Methods(http.MethodPost)
	r.Use(s.logRequests)
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("dur", time.Since(started).String()).
			Msg("request served")
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	cents, err := s.client.GetBalance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance_cents": cents})
}

func (s *server) handleUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.client.GetUser(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// solveRequest is the JSON alternative to a multipart upload.
type solveRequest struct {
	ImageBase64    string `json:"image_base64,omitempty"`
	URL            string `json:"url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var opts []dbc.DecodeOption
	var res *solver.Result

	switch {
	case isMultipart(r):
		if err := r.ParseMultipartForm(s.cfg.MaxUpload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart body"))
			return
		}
		file, _, err := r.FormFile("captchafile")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("captchafile part required"))
			return
		}
		defer file.Close()
		res = s.solver.Solve(r.Context(), io.LimitReader(file, s.cfg.MaxUpload), opts...)

	default:
		var req solveRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxUpload)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
		if req.TimeoutSeconds > 0 {
			opts = append(opts, dbc.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
		}
		switch {
		case req.ImageBase64 != "":
			raw, err := base64.StdEncoding.DecodeString(req.ImageBase64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody("invalid image_base64"))
				return
			}
			res = s.solver.Solve(r.Context(), bytes.NewReader(raw), opts...)
		case req.URL != "":
			res = s.solver.SolveURL(r.Context(), req.URL, opts...)
		default:
			writeJSON(w, http.StatusBadRequest, errorBody("image_base64 or url required"))
			return
		}
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	captcha, err := s.client.GetCaptcha(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captcha)
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	ok, err := s.client.Report(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captcha": id, "reported": ok})
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, dbc.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, dbc.ErrInvalidCaptcha):
		status = http.StatusBadRequest
	case errors.Is(err, dbc.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dbc.ErrServiceOverload):
		status = http.StatusServiceUnavailable
	}
	s.log.Warn().Str("errmsg", err.Error()).Int("status", status).Msg("upstream error")
	writeJSON(w, status, errorBody(err.Error()))
}

func isMultipart(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return len(ct) >= 19 && ct[:19] == "multipart/form-data"
}

func pathID(r *http.Request) int64 {
	// The route pattern guarantees digits only.
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

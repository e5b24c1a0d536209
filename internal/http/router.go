package http

import (
	"log/slog"
	"net/http"
	"strings"
)

// RouterConfig wires the web listener.
type RouterConfig struct {
	Enrollment *EnrollmentHandler
	AdminKey   KeyVerifier
	StaticDir  string
	Middleware []func(http.Handler) http.Handler
	Logger     *slog.Logger
}

// NewRouter serves the enrollment API and the static web directory.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	guard := RequireAdminKey(cfg.AdminKey, cfg.Logger)

	if cfg.Enrollment != nil {
		mux.Handle("/face/new_employee", CORS(guard(postOnly(cfg.Enrollment.NewEmployee))))
		mux.Handle("/face/change_employee_avatar", CORS(guard(postOnly(cfg.Enrollment.ChangeAvatar))))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		newResponder(cfg.Logger).writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}

func postOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		fn(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

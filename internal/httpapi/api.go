// Package httpapi exposes the IAM core over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"opsforge.io/internal/audit"
	"opsforge.io/internal/iam"
	"opsforge.io/internal/obs"
)

// ReadyProbe reports whether downstream dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the API surface.
type Options struct {
	ReadyProbe  ReadyProbe
	Version     string
	Log         *zap.Logger
	CORSOrigins []string
	RateRPS     float64
	RateBurst   int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *iam.Service
	recorder   *audit.Recorder
	readyProbe ReadyProbe
	log        *zap.Logger
	version    string
	opts       Options
}

// New wires the route table.
func New(svc *iam.Service, recorder *audit.Recorder, opts Options) *API {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		recorder:   recorder,
		readyProbe: opts.ReadyProbe,
		log:        opts.Log,
		version:    opts.Version,
		opts:       opts,
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleOwnSessions)

	// mfa
	a.mux.HandleFunc("/v1/auth/mfa/setup", a.handleMFASetup)
	a.mux.HandleFunc("/v1/auth/mfa/activate", a.handleMFAActivate)
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.handleMFADisable)
	a.mux.HandleFunc("/v1/auth/mfa/backup-codes", a.handleMFABackupCodes)

	// users
	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// roles and permissions
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissionsCollection)
	a.mux.HandleFunc("/v1/permissions/check", a.handlePermissionCheck)

	// groups
	a.mux.HandleFunc("/v1/groups", a.handleGroupsCollection)
	a.mux.HandleFunc("/v1/groups/", a.handleGroupResource)

	// invitations
	a.mux.HandleFunc("/v1/invitations", a.handleInvitationsCollection)
	a.mux.HandleFunc("/v1/invitations/accept", a.handleInvitationAccept)
	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationResource)

	// sessions (admin)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)

	// audit
	a.mux.HandleFunc("/v1/audit", a.handleAuditList)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the route table.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = a.withTenant(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.opts.RateRPS, a.opts.RateBurst)
	h = CORS(h, a.opts.CORSOrigins)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "opsforge-iam",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

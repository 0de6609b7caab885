package httpapi

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ent0n29/avatarlink/internal/config"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	AvatarName      string            `json:"avatar_name"`
	Quality         string            `json:"quality"`
	TranscriptStore string            `json:"transcript_store"`
	Ready           bool              `json:"ready"`
	Checks          []onboardingCheck `json:"checks"`
}

const apiDialTimeout = 800 * time.Millisecond

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 4)
	checks = append(checks, apiKeyCheck(s.cfg))
	checks = append(checks, apiReachabilityCheck(s.cfg.APIBaseURL))

	if s.storeMode == "postgres" {
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "ok",
			Label:  "Transcript persistence",
			Detail: "postgres",
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "transcript_store",
			Status: "warn",
			Label:  "Transcript persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep transcripts across restarts.",
		})
	}

	if !s.cfg.AdaptiveStream || !s.cfg.SelectiveSubscribe {
		checks = append(checks, onboardingCheck{
			ID:     "media_options",
			Status: "warn",
			Label:  "Media transport",
			Detail: "adaptive stream or selective subscribe disabled",
			Fix:    "Unset AVATAR_ADAPTIVE_STREAM / AVATAR_SELECTIVE_SUBSCRIBE to use the defaults.",
		})
	}

	ready := true
	for _, c := range checks {
		if c.Status == "error" {
			ready = false
		}
	}
	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		AvatarName:      s.cfg.AvatarName,
		Quality:         s.cfg.Quality,
		TranscriptStore: s.storeMode,
		Ready:           ready,
		Checks:          checks,
	})
}

func apiKeyCheck(cfg config.Config) onboardingCheck {
	err := cfg.ValidateAPIKey()
	if err == nil {
		return onboardingCheck{ID: "api_key", Status: "ok", Label: "Avatar API key", Detail: "configured"}
	}
	check := onboardingCheck{ID: "api_key", Status: "error", Label: "Avatar API key", Detail: err.Error()}
	switch {
	case errors.Is(err, config.ErrMissingAPIKey):
		check.Fix = "Set AVATAR_API_KEY in the environment or .env."
	case errors.Is(err, config.ErrPlaceholderAPIKey):
		check.Fix = "Replace the placeholder AVATAR_API_KEY with a real key."
	default:
		check.Fix = "Remove whitespace from AVATAR_API_KEY."
	}
	return check
}

func apiReachabilityCheck(baseURL string) onboardingCheck {
	check := onboardingCheck{ID: "api_reachable", Label: "Avatar API endpoint", Detail: baseURL}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		check.Status = "error"
		check.Fix = "Set AVATAR_API_BASE_URL to an http(s) URL."
		return check
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, apiDialTimeout)
	if err != nil {
		check.Status = "warn"
		check.Detail = baseURL + " (unreachable: " + err.Error() + ")"
		check.Fix = "Check network access to the avatar API."
		return check
	}
	_ = conn.Close()
	check.Status = "ok"
	return check
}

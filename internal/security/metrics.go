package security

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authenticationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirsec",
		Subsystem: "security",
		Name:      "authentications_total",
		Help:      "Authentication attempts by outcome.",
	}, []string{"outcome"})

	registryDirectories = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dirsec",
		Subsystem: "security",
		Name:      "registry_directories",
		Help:      "User directories in the current registry snapshot.",
	})
)

// observeAuthentication records the outcome label for an authentication
// attempt.
func observeAuthentication(err error) {
	authenticationOutcomes.WithLabelValues(authOutcome(err)).Inc()
}

func authOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrUserLocked):
		return "user_locked"
	case errors.Is(err, ErrPasswordExpired):
		return "password_expired"
	case errors.Is(err, ErrAuthenticationFailed):
		return "invalid_credentials"
	default:
		return "error"
	}
}

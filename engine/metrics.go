// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "braid"
	metricsSubsystem = "engine"
)

var (
	messagesEncrypted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "messages_encrypted_total",
		Help:      "Number of messages encrypted.",
	})
	messagesDecrypted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "messages_decrypted_total",
		Help:      "Number of messages decrypted.",
	})
	decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "decrypt_failures_total",
		Help:      "Number of envelopes that failed against every candidate session.",
	})
	sessionsEstablished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "sessions_established_total",
		Help:      "Number of sessions created by negotiation, either side.",
	})
	archivedDecrypts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "archived_session_decrypts_total",
		Help:      "Number of messages that decrypted against an archived session state.",
	})
)

// registerMetrics registers the engine counters with reg. The counters
// are shared across engines, so a second registration on the same
// registerer is not an error.
func registerMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		messagesEncrypted,
		messagesDecrypted,
		decryptFailures,
		sessionsEstablished,
		archivedDecrypts,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

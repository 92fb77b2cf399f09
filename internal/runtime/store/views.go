package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// SessionNamespace partitions opaque session payloads.
	SessionNamespace = "sessions"
	// CollaborationNamespace partitions short-lived "who is editing what" state.
	CollaborationNamespace = "collaboration"

	defaultSessionTTL       = 24 * time.Hour
	defaultCollaborationTTL = 5 * time.Minute
)

// SessionView stores session payloads with the configured session lifetime.
type SessionView struct {
	store *Store
}

// Sessions returns the session view of the store.
func (s *Store) Sessions() SessionView { return SessionView{store: s} }

// Set stores a session payload under id.
func (v SessionView) Set(id string, value any) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("store: session id required")
	}
	return v.store.Set(SessionNamespace, id, value, v.store.sessionTTL, nil)
}

// Get decodes the session payload into dst.
func (v SessionView) Get(id string, dst any) (bool, error) {
	return v.store.GetInto(SessionNamespace, id, nil, dst)
}

// Delete removes the session.
func (v SessionView) Delete(id string) bool {
	return v.store.Delete(SessionNamespace, id, nil)
}

// CollaborationState is one user's live editing state on a plan.
type CollaborationState struct {
	PlanID    string          `json:"planId"`
	UserID    string          `json:"userId"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// CollaborationView keeps one entry per (plan, user) pair.
type CollaborationView struct {
	store *Store
}

// Collaboration returns the collaboration view of the store.
func (s *Store) Collaboration() CollaborationView { return CollaborationView{store: s} }

func collaborationKey(planID, userID string) string {
	return planID + ":" + userID
}

// Publish records userID's current state on planID, refreshing its lifetime.
func (v CollaborationView) Publish(planID, userID string, state any) error {
	if strings.TrimSpace(planID) == "" || strings.TrimSpace(userID) == "" {
		return errors.New("store: plan and user ids required")
	}
	if strings.Contains(planID, ":") {
		return errors.New("store: plan id must not contain ':'")
	}
	return v.store.Set(CollaborationNamespace, collaborationKey(planID, userID), state, v.store.collaborationTTL, nil)
}

// States lists the live states for planID ordered by user id. Expired entries
// met during the scan are evicted.
func (v CollaborationView) States(planID string) []CollaborationState {
	prefix := CollaborationNamespace + ":" + escapeKey(planID) + ":"
	var out []CollaborationState
	v.store.scan(CollaborationNamespace, prefix, func(key string, entry Entry) {
		out = append(out, CollaborationState{
			PlanID:    planID,
			UserID:    unescapeKey(strings.TrimPrefix(key, prefix)),
			State:     entry.Value,
			UpdatedAt: entry.StoredAt,
			ExpiresAt: entry.ExpiresAt,
		})
	})
	return out
}

// Leave removes userID's state from planID.
func (v CollaborationView) Leave(planID, userID string) bool {
	return v.store.Delete(CollaborationNamespace, collaborationKey(planID, userID), nil)
}

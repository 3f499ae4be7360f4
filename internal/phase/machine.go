// Package phase tracks per-conversation phase state and enforces the
// role-based transition policy: orchestrators move freely, other roles may
// only advance one step or fall back to chat.
package phase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/hive/internal/store"
	"github.com/haasonsaas/hive/pkg/models"
)

// InvalidTransitionError is returned when an agent proposes a transition
// its role does not permit, or names an unknown phase. It is soft: the
// reasoning loop continues and the LLM sees the message.
type InvalidTransitionError struct {
	From   models.Phase
	To     string
	Role   models.Role
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("phase: cannot transition %s -> %s as %s: %s", e.From, e.To, e.Role, e.Reason)
}

// Machine applies phase transitions against the conversation store.
type Machine struct {
	store  store.Store
	logger *slog.Logger
}

// NewMachine creates a phase machine over st.
func NewMachine(st store.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, logger: logger.With("component", "phase")}
}

// Current returns the conversation's phase.
func (m *Machine) Current(ctx context.Context, convID string) (models.Phase, error) {
	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return "", err
	}
	return conv.Phase, nil
}

// Transition moves the conversation to phase name, authored by the given
// agent role, recording the transition in the phase log. The name is
// normalized case-insensitively.
func (m *Machine) Transition(ctx context.Context, convID, name string, role models.Role, authorPubkey, message string) (models.Phase, error) {
	to, ok := models.ValidPhase(name)
	if !ok {
		conv, err := m.store.Get(ctx, convID)
		from := models.PhaseChat
		if err == nil {
			from = conv.Phase
		}
		return "", &InvalidTransitionError{From: from, To: name, Role: role, Reason: "unknown phase"}
	}

	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return "", err
	}
	from := conv.Phase

	if from == to {
		return to, nil
	}
	if err := allowed(from, to, role); err != nil {
		return "", err
	}

	if err := m.store.SetPhase(ctx, convID, to, authorPubkey, message); err != nil {
		return "", err
	}
	m.logger.Info("phase transition",
		"conversation", convID,
		"from", from,
		"to", to,
		"author", authorPubkey)
	return to, nil
}

// allowed implements the transition policy. Orchestrators transition
// anywhere; everyone may fall back to chat; other roles advance only to
// the immediate successor.
func allowed(from, to models.Phase, role models.Role) error {
	if role == models.RoleOrchestrator {
		return nil
	}
	if to == models.PhaseChat {
		return nil
	}

	fromIdx := models.PhaseIndex(from)
	toIdx := models.PhaseIndex(to)
	if toIdx == fromIdx+1 {
		return nil
	}
	reason := "only the immediate successor phase is allowed"
	if toIdx < fromIdx {
		reason = "regression is only allowed to chat"
	}
	return &InvalidTransitionError{From: from, To: string(to), Role: role, Reason: reason}
}

// Package notify extracts @handle mentions from document and comment bodies
// and materializes them as per-recipient notifications.
package notify

import (
	"context"
	"database/sql"
	"log"
	"regexp"
	"strings"

	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/store"
)

// mentionPattern matches @ followed by a handle of letters, digits,
// underscore, dot or hyphen. A trailing dot is treated as punctuation,
// not part of the handle.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

// Notifier fans mentions out to project agents.
type Notifier struct {
	store   *store.Store
	metrics *metrics.Metrics
}

// New creates a notifier.
func New(st *store.Store) *Notifier {
	return &Notifier{store: st, metrics: metrics.NewMetrics()}
}

// ExtractHandles returns the distinct handles mentioned in text, in order of
// first appearance. Matching later resolves case-insensitively, so the
// distinct set is case-folded too.
func ExtractHandles(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		h := strings.TrimRight(m[1], ".")
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// FanOut scans text for @handles and inserts one mention per distinct handle.
// Handles resolve case-insensitively against the project's registered agents;
// unresolved handles are stored with an empty recipient for audit and never
// surface in anyone's feed. Duplicate (source, handle) pairs coalesce.
// Returns the mentions that resolved to a recipient.
func (n *Notifier) FanOut(ctx context.Context, projectID, sourceType, sourceID, text string) ([]*models.Mention, error) {
	handles := ExtractHandles(text)
	if len(handles) == 0 {
		return nil, nil
	}

	agents, err := n.store.ListAgents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byHandle := make(map[string]string, len(agents))
	for _, a := range agents {
		byHandle[strings.ToLower(a.AgentID)] = a.AgentID
	}

	var resolved []*models.Mention
	err = n.store.Transact(ctx, func(tx *sql.Tx) error {
		resolved = resolved[:0]
		for _, h := range handles {
			m := &models.Mention{
				ProjectID:  projectID,
				SourceType: sourceType,
				SourceID:   sourceID,
				Handle:     h,
				Recipient:  byHandle[strings.ToLower(h)],
			}
			inserted, err := n.store.InsertMentionTx(ctx, tx, m)
			if err != nil {
				return err
			}
			if inserted && m.Recipient == "" {
				n.metrics.MentionsUnresolved.WithLabelValues(projectID).Inc()
				log.Printf("[Notifier] unresolved mention @%s in %s %s (project %s)",
					h, sourceType, sourceID, projectID)
			}
			if inserted && m.Recipient != "" {
				resolved = append(resolved, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

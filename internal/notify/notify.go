// Package notify batches notifications to reviewers and affected
// subjects. Delivery transports live behind the Notifier interface.
package notify

import (
	"context"
	"sync"

	"github.com/akvistad/attest/internal/logging"
)

// Well-known notification templates.
const (
	TemplateRemediationWorkItem = "remediation_work_item"
	TemplateDelegation          = "delegation"
	TemplateChallengeOpened     = "challenge_opened"
	TemplateChallengeExpired    = "challenge_expired"
)

// Notifier delivers one template to a batch of recipients.
type Notifier interface {
	SendBatch(ctx context.Context, template string, recipients []string, args map[string]string) error
}

// LogNotifier writes notifications to the log instead of delivering
// them, the default when no mail transport is configured.
type LogNotifier struct{}

// SendBatch implements Notifier.
func (LogNotifier) SendBatch(ctx context.Context, template string, recipients []string, args map[string]string) error {
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("component", "notify").
		Str("template", template).
		Strs("recipients", recipients).
		Msg("notification batch")
	return nil
}

// SentBatch is one recorded SendBatch call.
type SentBatch struct {
	Template   string
	Recipients []string
	Args       map[string]string
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu      sync.Mutex
	batches []SentBatch
}

// SendBatch implements Notifier.
func (r *Recorder) SendBatch(ctx context.Context, template string, recipients []string, args map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, SentBatch{Template: template, Recipients: recipients, Args: args})
	return nil
}

// Batches returns a copy of every recorded batch.
func (r *Recorder) Batches() []SentBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]SentBatch, len(r.batches))
	copy(result, r.batches)
	return result
}

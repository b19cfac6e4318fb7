// Package builtin provides the jobs every worker registers out of the box.
package builtin

import (
	"net/http"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
)

// Register binds the built-in executors. A nil client uses a client with
// DefaultWebhookTimeout.
func Register(m *manager.Manager, client *http.Client) error {
	if err := manager.Register[LogMessage](m, LogExecutor{}); err != nil {
		return err
	}
	return manager.Register[Webhook](m, NewWebhookExecutor(client))
}

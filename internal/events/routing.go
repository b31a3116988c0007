// Package events is the topic-exchange adapter: best-effort publishing
// plus the workspace lifecycle consumer.
package events

import "fmt"

// Service names used in routing keys.
const (
	ServiceArtifact   = "artifact"
	ServiceCapability = "capability"
	ServiceLearning   = "learning-service"
)

const routingVersion = "v1"

// RoutingKey composes <org>.<service>.<event>.<version>.
func RoutingKey(org, service, event string) string {
	return fmt.Sprintf("%s.%s.%s.%s", org, service, event, routingVersion)
}

// WorkspaceBindings are the platform keys the workspace consumer
// subscribes to.
func WorkspaceBindings() []string {
	return []string{
		"platform.workspace.created.v1",
		"platform.workspace.updated.v1",
		"platform.workspace.deleted.v1",
	}
}

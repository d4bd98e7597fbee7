package compensation

import (
	"context"
	"fmt"

	"github.com/premisehq/saga/saga"
)

// SnapshotResourceID is the resource snapshot key holding the id of the
// remote resource to delete.
const SnapshotResourceID = "resource_id"

// RemoteKind is the compensation kind registered for a remote resource type.
func RemoteKind(resource string) string {
	return "remote:" + resource
}

// RemoteCompensator undoes a step by publishing a delete command to the
// service that owns the resource. A successful publish counts as a
// successful compensation; the actual outcome arrives on the result topics.
type RemoteCompensator struct {
	publisher *Publisher
	resource  string
}

// NewRemoteCompensator creates a compensator for one resource type.
func NewRemoteCompensator(p *Publisher, resource string) *RemoteCompensator {
	return &RemoteCompensator{publisher: p, resource: resource}
}

// Compensate publishes the delete command for c.
func (r *RemoteCompensator) Compensate(ctx context.Context, c saga.Compensation) error {
	id, ok := c.ResourceSnapshot[SnapshotResourceID]
	if !ok || id == nil || fmt.Sprint(id) == "" {
		return ErrMissingResourceID
	}
	return r.publisher.PublishDelete(ctx, r.resource, Command{
		SagaID:     saga.SagaIDFromContext(ctx),
		ResourceID: fmt.Sprint(id),
	})
}

// RegisterRemote registers a RemoteCompensator for resource under
// RemoteKind(resource).
func RegisterRemote(registry *saga.Registry, p *Publisher, resource string) error {
	if err := validResource(resource); err != nil {
		return err
	}
	return registry.Register(RemoteKind(resource), NewRemoteCompensator(p, resource))
}

var _ saga.Compensator = (*RemoteCompensator)(nil)

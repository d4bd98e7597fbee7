// Package compensation carries rollback work between the saga coordinator
// and the services that own the resources being rolled back.
//
// The coordinator side registers a remote compensator per resource type:
//
//	pub := compensation.NewPublisher(tr)
//	_ = compensation.RegisterRemote(svc.Registry(), pub, "premises")
//
// When a saga fails, the compensator publishes a delete command on
// "saga.compensate.premises.delete". The owning service runs a Dispatcher
// that deletes the resource and answers on the ".success" or ".failure"
// topic:
//
//	d := compensation.NewDispatcher(tr,
//	    compensation.WithIdempotency(idempotency.NewRedisStore(rdb, 24*time.Hour)),
//	    compensation.WithRateLimit(50, 10))
//	_ = d.Register("premises", compensation.NewMongoDeleter(db.Collection("premises")))
//	_ = d.Start(ctx)
//
// Delivery is at-least-once. The dispatcher claims an idempotency key per
// (saga, resource, id) so a redelivered command does not delete twice.
package compensation

import (
	"errors"
	"strings"
)

// TopicPrefix starts every compensation topic name.
const TopicPrefix = "saga.compensate."

var (
	ErrInvalidCommand    = errors.New("compensation: command requires sagaId and resourceId")
	ErrEmptyResource     = errors.New("compensation: resource name is empty")
	ErrAlreadyRegistered = errors.New("compensation: resource already registered")
	ErrStarted           = errors.New("compensation: dispatcher already started")
	ErrNotStarted        = errors.New("compensation: dispatcher not started")
	ErrMissingResourceID = errors.New("compensation: snapshot has no resource_id")
)

// Command asks the owner of a resource to remove it. Results reuse the same
// shape with Error set on failure.
type Command struct {
	SagaID     string `json:"sagaId" msgpack:"sagaId"`
	ResourceID string `json:"resourceId" msgpack:"resourceId"`
	Error      string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Validate reports ErrInvalidCommand when either identifier is missing.
func (c Command) Validate() error {
	if c.SagaID == "" || c.ResourceID == "" {
		return ErrInvalidCommand
	}
	return nil
}

// Key is the idempotency key for this command on the given resource type.
func (c Command) Key(resource string) string {
	return c.SagaID + "/" + resource + "/" + c.ResourceID
}

// Topics names the three topics used for one resource type.
type Topics struct {
	Delete  string
	Success string
	Failure string
}

// TopicsFor returns the topic names for resource, e.g.
// "saga.compensate.premises.delete" and its ".success"/".failure" replies.
func TopicsFor(resource string) Topics {
	base := TopicPrefix + resource + ".delete"
	return Topics{
		Delete:  base,
		Success: base + ".success",
		Failure: base + ".failure",
	}
}

// All returns the three topic names.
func (t Topics) All() []string {
	return []string{t.Delete, t.Success, t.Failure}
}

func validResource(resource string) error {
	if strings.TrimSpace(resource) == "" {
		return ErrEmptyResource
	}
	return nil
}

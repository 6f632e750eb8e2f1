// Package scan drives the operator scanning flows: it resolves decoded QR
// payloads into clients and containers, queues the containers to process and
// runs the lifecycle operations one by one against a Backend.
package scan

import (
	"context"
	"errors"
	"time"
)

// NoticeTTL is how long a transient notice stays visible.
const NoticeTTL = 3 * time.Second

// Container statuses as reported by the backend.
const (
	StatusAvailable = "available"
	StatusInUse     = "in_use"
	StatusLost      = "lost"
)

const roleClient = "client"

var (
	// ErrWrongType is returned when a payload decodes to the other entity type.
	ErrWrongType = errors.New("scan: unexpected code type")
	// ErrNotAClient is returned when the scanned profile is not a client.
	ErrNotAClient = errors.New("scan: scanned profile is not a client")
	// ErrNotOwned is returned for a container owned by another company.
	ErrNotOwned = errors.New("scan: container belongs to another company")
	// ErrUnavailable is returned for a container that cannot be lent.
	ErrUnavailable = errors.New("scan: container is not available")
	// ErrDuplicate is returned when a container is already queued.
	ErrDuplicate = errors.New("scan: container already queued")
	// ErrNoClient is returned when a step needs a client that was not scanned.
	ErrNoClient = errors.New("scan: scan a client first")
	// ErrEmptyBatch is returned when committing without anything to process.
	ErrEmptyBatch = errors.New("scan: nothing to process")
	// ErrNotListed is returned when toggling a container absent from the list.
	ErrNotListed = errors.New("scan: container not in the list")
)

// Client is the scanned customer.
type Client struct {
	ID       string
	Name     string
	Role     string
	NutCoins int
}

// Container is a scanned or listed container.
type Container struct {
	ID             string
	Type           string
	Status         string
	OwnerCompanyID string
	HolderClientID string
}

// Receipt is the outcome of one lifecycle operation.
type Receipt struct {
	ContainerID    string
	TransactionID  string
	NutCoinsEarned int
}

// Backend is the remote side of the flows. The acting company is the one the
// backend is authenticated as.
type Backend interface {
	Client(ctx context.Context, id string) (Client, error)
	Container(ctx context.Context, id string) (Container, error)
	HeldContainers(ctx context.Context, clientID string) ([]Container, error)
	Consigne(ctx context.Context, clientID, containerID string) (Receipt, error)
	Deconsigne(ctx context.Context, clientID, containerID string) (Receipt, error)
}

// NoticeKind classifies a notice for display.
type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a message for the operator. A zero TTL keeps it until replaced.
type Notice struct {
	Kind    NoticeKind
	Message string
	TTL     time.Duration
}

// Presenter displays notices.
type Presenter interface {
	Present(Notice)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Notice)

func (f PresenterFunc) Present(n Notice) { f(n) }

type discard struct{}

func (discard) Present(Notice) {}

// Step is the position of a flow.
type Step int

const (
	StepClient Step = iota + 1
	StepItems
)

// Flow is implemented by both operation flows.
type Flow interface {
	Step() Step
	Handle(ctx context.Context, raw string) error
	Commit(ctx context.Context) (BatchResult, error)
	Reset()
}

// BatchResult reports a commit. Applied lists the operations that went
// through before the batch stopped on Failed.
type BatchResult struct {
	Applied     []Receipt
	Failed      string
	Err         error
	TotalPoints int
}

package scan

import (
	"context"
	"fmt"

	"github.com/ThLemay/Nut-WebAPP-V3/pkg/qr"
)

// ConsigneFlow lends containers to a client: scan the client, scan each
// container, then commit.
type ConsigneFlow struct {
	backend   Backend
	companyID string
	presenter Presenter

	step   Step
	client *Client
	queue  []Container
}

// NewConsigneFlow starts a consigne flow for the acting company.
func NewConsigneFlow(backend Backend, companyID string, presenter Presenter) *ConsigneFlow {
	if presenter == nil {
		presenter = discard{}
	}
	return &ConsigneFlow{backend: backend, companyID: companyID, presenter: presenter, step: StepClient}
}

func (f *ConsigneFlow) Step() Step { return f.step }

// Client returns the scanned client, nil before step 2.
func (f *ConsigneFlow) Client() *Client { return f.client }

// Queue returns the containers waiting to be lent.
func (f *ConsigneFlow) Queue() []Container {
	return append([]Container(nil), f.queue...)
}

// Handle routes a decoded payload to the current step.
func (f *ConsigneFlow) Handle(ctx context.Context, raw string) error {
	if f.step == StepClient {
		_, err := f.ScanClient(ctx, raw)
		return err
	}
	_, err := f.ScanContainer(ctx, raw)
	return err
}

// ScanClient resolves the customer and moves to container scanning.
func (f *ConsigneFlow) ScanClient(ctx context.Context, raw string) (Client, error) {
	client, err := resolveClient(ctx, f.backend, raw)
	if err != nil {
		return Client{}, fail(f.presenter, err)
	}
	f.client = &client
	f.queue = nil
	f.step = StepItems
	f.presenter.Present(Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("client %s (%d NutCoins), scan containers", client.Name, client.NutCoins)})
	return client, nil
}

// ScanContainer queues a container owned by the acting company and free to lend.
func (f *ConsigneFlow) ScanContainer(ctx context.Context, raw string) (Container, error) {
	if f.client == nil {
		return Container{}, fail(f.presenter, ErrNoClient)
	}
	p, err := resolve(raw, qr.TypeContainer)
	if err != nil {
		return Container{}, fail(f.presenter, err)
	}
	for _, queued := range f.queue {
		if queued.ID == p.ID {
			return Container{}, fail(f.presenter, fmt.Errorf("%w: %s", ErrDuplicate, p.ID))
		}
	}
	container, err := f.backend.Container(ctx, p.ID)
	if err != nil {
		return Container{}, fail(f.presenter, err)
	}
	if container.OwnerCompanyID != f.companyID {
		return Container{}, fail(f.presenter, fmt.Errorf("%w: %s", ErrNotOwned, container.ID))
	}
	if container.Status != StatusAvailable {
		return Container{}, fail(f.presenter, fmt.Errorf("%w: %s is %s", ErrUnavailable, container.ID, container.Status))
	}
	f.queue = append(f.queue, container)
	f.presenter.Present(Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("queued %s %s (%d total)", container.Type, container.ID, len(f.queue))})
	return container, nil
}

// Commit lends every queued container in scan order and stops at the first
// failure. Applied containers leave the queue; on success the flow resets.
func (f *ConsigneFlow) Commit(ctx context.Context) (BatchResult, error) {
	if f.client == nil {
		return BatchResult{}, fail(f.presenter, ErrNoClient)
	}
	if len(f.queue) == 0 {
		return BatchResult{}, fail(f.presenter, ErrEmptyBatch)
	}
	clientID := f.client.ID
	res := runBatch(ctx, containerIDs(f.queue), func(ctx context.Context, id string) (Receipt, error) {
		return f.backend.Consigne(ctx, clientID, id)
	})
	if res.Err != nil {
		f.queue = f.queue[len(res.Applied):]
		f.presenter.Present(Notice{Kind: NoticeError, Message: fmt.Sprintf("consigne stopped at %s after %d applied: %v", res.Failed, len(res.Applied), res.Err)})
		return res, res.Err
	}
	f.presenter.Present(Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("%d container(s) lent to %s", len(res.Applied), f.client.Name), TTL: NoticeTTL})
	f.Reset()
	return res, nil
}

// Reset discards the client and the queue.
func (f *ConsigneFlow) Reset() {
	f.step = StepClient
	f.client = nil
	f.queue = nil
}

// DeconsigneFlow takes containers back: scan the client, review the
// containers they hold for the acting company, then commit the selection.
type DeconsigneFlow struct {
	backend   Backend
	presenter Presenter

	step     Step
	client   *Client
	held     []Container
	selected map[string]bool
}

// NewDeconsigneFlow starts a deconsigne flow.
func NewDeconsigneFlow(backend Backend, presenter Presenter) *DeconsigneFlow {
	if presenter == nil {
		presenter = discard{}
	}
	return &DeconsigneFlow{backend: backend, presenter: presenter, step: StepClient}
}

func (f *DeconsigneFlow) Step() Step { return f.step }

// Client returns the scanned client, nil before step 2.
func (f *DeconsigneFlow) Client() *Client { return f.client }

// Held returns the listed containers.
func (f *DeconsigneFlow) Held() []Container {
	return append([]Container(nil), f.held...)
}

// Selected returns the listed containers marked for return, in list order.
func (f *DeconsigneFlow) Selected() []Container {
	out := make([]Container, 0, len(f.held))
	for _, c := range f.held {
		if f.selected[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// Handle scans the client at step 1; at step 2 a container code toggles it.
func (f *DeconsigneFlow) Handle(ctx context.Context, raw string) error {
	if f.step == StepClient {
		_, err := f.ScanClient(ctx, raw)
		return err
	}
	p, err := resolve(raw, qr.TypeContainer)
	if err != nil {
		return fail(f.presenter, err)
	}
	_, err = f.Toggle(p.ID)
	return err
}

// ScanClient resolves the customer and lists what they hold, all selected.
// When they hold nothing the flow stays at step 1 with a transient notice.
func (f *DeconsigneFlow) ScanClient(ctx context.Context, raw string) (Client, error) {
	client, err := resolveClient(ctx, f.backend, raw)
	if err != nil {
		return Client{}, fail(f.presenter, err)
	}
	held, err := f.backend.HeldContainers(ctx, client.ID)
	if err != nil {
		return Client{}, fail(f.presenter, err)
	}
	if len(held) == 0 {
		f.Reset()
		f.presenter.Present(Notice{Kind: NoticeInfo, Message: fmt.Sprintf("%s holds no container from this company", client.Name), TTL: NoticeTTL})
		return client, nil
	}
	f.client = &client
	f.held = held
	f.selected = make(map[string]bool, len(held))
	for _, c := range held {
		f.selected[c.ID] = true
	}
	f.step = StepItems
	f.presenter.Present(Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("%s holds %d container(s), all selected", client.Name, len(held))})
	return client, nil
}

// Toggle flips the selection of a listed container and reports the new state.
func (f *DeconsigneFlow) Toggle(id string) (bool, error) {
	if f.client == nil {
		return false, fail(f.presenter, ErrNoClient)
	}
	if _, ok := f.selected[id]; !ok {
		return false, fail(f.presenter, fmt.Errorf("%w: %s", ErrNotListed, id))
	}
	f.selected[id] = !f.selected[id]
	state := "deselected"
	if f.selected[id] {
		state = "selected"
	}
	f.presenter.Present(Notice{Kind: NoticeInfo, Message: fmt.Sprintf("%s %s (%d selected)", id, state, len(f.Selected()))})
	return f.selected[id], nil
}

// Commit returns every selected container in list order, stops at the first
// failure and sums the points earned. Returned containers leave the list; on
// success the flow resets.
func (f *DeconsigneFlow) Commit(ctx context.Context) (BatchResult, error) {
	if f.client == nil {
		return BatchResult{}, fail(f.presenter, ErrNoClient)
	}
	selected := f.Selected()
	if len(selected) == 0 {
		return BatchResult{}, fail(f.presenter, ErrEmptyBatch)
	}
	clientID := f.client.ID
	res := runBatch(ctx, containerIDs(selected), func(ctx context.Context, id string) (Receipt, error) {
		return f.backend.Deconsigne(ctx, clientID, id)
	})
	if res.Err != nil {
		f.drop(res.Applied)
		f.presenter.Present(Notice{Kind: NoticeError, Message: fmt.Sprintf("deconsigne stopped at %s after %d applied (+%d NutCoins): %v", res.Failed, len(res.Applied), res.TotalPoints, res.Err)})
		return res, res.Err
	}
	f.presenter.Present(Notice{Kind: NoticeSuccess, Message: fmt.Sprintf("%d container(s) returned, +%d NutCoins for %s", len(res.Applied), res.TotalPoints, f.client.Name), TTL: NoticeTTL})
	f.Reset()
	return res, nil
}

// Reset discards the client, the list and the selection.
func (f *DeconsigneFlow) Reset() {
	f.step = StepClient
	f.client = nil
	f.held = nil
	f.selected = nil
}

func (f *DeconsigneFlow) drop(applied []Receipt) {
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.ContainerID] = true
		delete(f.selected, r.ContainerID)
	}
	kept := f.held[:0]
	for _, c := range f.held {
		if !done[c.ID] {
			kept = append(kept, c)
		}
	}
	f.held = kept
}

// resolve decodes raw, accepting a bare id, and checks the decoded type.
func resolve(raw string, expected qr.Type) (qr.Payload, error) {
	p, err := qr.Resolve(raw, expected)
	if err != nil {
		return qr.Payload{}, err
	}
	if p.Type != expected {
		return qr.Payload{}, fmt.Errorf("%w: got a %s code, expected a %s code", ErrWrongType, p.Type, expected)
	}
	return p, nil
}

func resolveClient(ctx context.Context, backend Backend, raw string) (Client, error) {
	p, err := resolve(raw, qr.TypeClient)
	if err != nil {
		return Client{}, err
	}
	client, err := backend.Client(ctx, p.ID)
	if err != nil {
		return Client{}, err
	}
	if client.Role != roleClient {
		return Client{}, fmt.Errorf("%w: %s", ErrNotAClient, client.Name)
	}
	return client, nil
}

// runBatch applies op to ids sequentially and stops at the first error.
func runBatch(ctx context.Context, ids []string, op func(context.Context, string) (Receipt, error)) BatchResult {
	var res BatchResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Failed, res.Err = id, err
			return res
		}
		receipt, err := op(ctx, id)
		if err != nil {
			res.Failed, res.Err = id, err
			return res
		}
		if receipt.ContainerID == "" {
			receipt.ContainerID = id
		}
		res.Applied = append(res.Applied, receipt)
		res.TotalPoints += receipt.NutCoinsEarned
	}
	return res
}

func containerIDs(containers []Container) []string {
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids
}

func fail(p Presenter, err error) error {
	p.Present(Notice{Kind: NoticeError, Message: Describe(err)})
	return err
}

// Describe renders an error for the operator.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if msg := qr.Message(err); msg != err.Error() {
		return msg
	}
	return err.Error()
}

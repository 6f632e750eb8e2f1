package client

import (
	"context"

	"github.com/ThLemay/Nut-WebAPP-V3/pkg/scan"
)

// ScanBackend runs the scan flows against the API as the operator owning
// token.
type ScanBackend struct {
	client *Client
	token  string
}

var _ scan.Backend = ScanBackend{}

// ScanBackend binds the client to an operator token.
func (c *Client) ScanBackend(token string) ScanBackend {
	return ScanBackend{client: c, token: token}
}

func (b ScanBackend) Client(ctx context.Context, id string) (scan.Client, error) {
	p, err := b.client.Profile(ctx, b.token, id)
	if err != nil {
		return scan.Client{}, err
	}
	return scan.Client{ID: p.ID, Name: p.Name, Role: p.Role, NutCoins: p.NutCoins}, nil
}

func (b ScanBackend) Container(ctx context.Context, id string) (scan.Container, error) {
	c, err := b.client.Container(ctx, b.token, id)
	if err != nil {
		return scan.Container{}, err
	}
	return toScanContainer(c), nil
}

func (b ScanBackend) HeldContainers(ctx context.Context, clientID string) ([]scan.Container, error) {
	held, err := b.client.HeldContainers(ctx, b.token, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]scan.Container, len(held))
	for i, c := range held {
		out[i] = toScanContainer(c)
	}
	return out, nil
}

func (b ScanBackend) Consigne(ctx context.Context, clientID, containerID string) (scan.Receipt, error) {
	res, err := b.client.Consigne(ctx, b.token, clientID, containerID)
	if err != nil {
		return scan.Receipt{}, err
	}
	return toReceipt(res), nil
}

func (b ScanBackend) Deconsigne(ctx context.Context, clientID, containerID string) (scan.Receipt, error) {
	res, err := b.client.Deconsigne(ctx, b.token, clientID, containerID)
	if err != nil {
		return scan.Receipt{}, err
	}
	return toReceipt(res), nil
}

func toScanContainer(c Container) scan.Container {
	out := scan.Container{
		ID:             c.ID,
		Type:           c.Type,
		Status:         c.Status,
		OwnerCompanyID: c.OwnerCompanyID,
	}
	if c.HolderClientID != nil {
		out.HolderClientID = *c.HolderClientID
	}
	return out
}

func toReceipt(res OperationResult) scan.Receipt {
	return scan.Receipt{
		ContainerID:    res.Container.ID,
		TransactionID:  res.Transaction.ID,
		NutCoinsEarned: res.NutCoinsEarned,
	}
}

package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
)

type chanSubscriber struct {
	messages chan []byte
	fail     bool
	closed   chan struct{}
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{messages: make(chan []byte, 8), closed: make(chan struct{})}
}

func (s *chanSubscriber) Send(p []byte) error {
	if s.fail {
		return errors.New("gone")
	}
	s.messages <- p
	return nil
}

func (s *chanSubscriber) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func receive(t *testing.T, s *chanSubscriber) []byte {
	t.Helper()
	select {
	case p := <-s.messages:
		return p
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestLocalPublisherRoutesByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	company := newChanSubscriber()
	client := newChanSubscriber()
	other := newChanSubscriber()
	hub.Register(domain.CompanyTopic("eco"), company)
	hub.Register(domain.ClientTopic("A"), client)
	hub.Register(domain.ClientTopic("B"), other)

	pub := NewLocalPublisher(hub)
	err := pub.Publish(context.Background(), domain.ChangeEvent{
		Table: domain.TableTransactions, Type: domain.ChangeInsert, RecordID: "tx1", CompanyID: "eco", ClientID: "A",
	})
	require.NoError(t, err)

	event, err := DecodeEvent(receive(t, company))
	require.NoError(t, err)
	assert.Equal(t, "tx1", event.RecordID)
	event, err = DecodeEvent(receive(t, client))
	require.NoError(t, err)
	assert.Equal(t, domain.TableTransactions, event.Table)

	assert.Equal(t, 1, hub.Subscribers(domain.ClientTopic("B")))
	assert.Empty(t, other.messages)
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newChanSubscriber()
	broken.fail = true
	hub.Register("company:eco", broken)
	hub.Broadcast("company:eco", []byte("{}"))

	assert.Equal(t, 0, hub.Subscribers("company:eco"))
	select {
	case <-broken.closed:
	default:
		t.Fatal("expected failing subscriber to be closed")
	}
}

func TestHubUnregisterAndClose(t *testing.T) {
	hub := NewHub()
	s := newChanSubscriber()
	hub.Register("client:A", s)
	hub.Unregister("client:A", s)
	assert.Equal(t, 0, hub.Subscribers("client:A"))

	kept := newChanSubscriber()
	hub.Register("client:A", kept)
	hub.Close()
	select {
	case <-kept.closed:
	case <-time.After(time.Second):
		t.Fatal("expected subscribers closed on hub close")
	}
	// calls after close must not block
	hub.Broadcast("client:A", []byte("{}"))
	assert.Equal(t, 0, hub.Subscribers("client:A"))
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`{"type":"INSERT"}`))
	assert.Error(t, err)
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, c.Send([]byte(`{"table":"containers"}`)))
	require.NoError(t, c.Heartbeat())
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("x")), io.EOF)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: change\ndata: {\"table\":\"containers\"}\n\n"))
	assert.Contains(t, body, ": ping\n\n")
}

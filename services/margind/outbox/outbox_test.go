package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"synthmargin/core/events"
	"synthmargin/crypto"
)

func setupTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	box, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = box.Close() })
	return box
}

func openedEvent(seed byte) events.MarginPositionOpened {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = seed
	return events.MarginPositionOpened{
		Account:    crypto.MustNewAddress(crypto.AccountPrefix, raw),
		Asset:      "btc",
		Collateral: big.NewInt(100),
		Loan:       big.NewInt(200),
		EntryPrice: big.NewInt(3),
		Timestamp:  1_700_000_000,
	}
}

type recordingPublisher struct {
	got    []Message
	failAt int
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	if p.failAt > 0 && len(p.got)+1 == p.failAt {
		return errors.New("subscriber gone")
	}
	p.got = append(p.got, msg)
	return nil
}

func TestAppendStoresRenderedEvent(t *testing.T) {
	box := setupTestOutbox(t)
	evt := openedEvent(1)
	msg, err := box.Append(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, events.TypeMarginPositionOpened, msg.Type)
	require.Equal(t, "BTC", msg.Asset)
	require.Equal(t, evt.Account.String(), msg.Account)

	attrs, err := msg.Attributes()
	require.NoError(t, err)
	require.Equal(t, "200", attrs["loan"])
	require.Equal(t, Fingerprint(msg.Type, attrs), msg.Fingerprint)

	pending, err := box.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, msg.ID, pending[0].ID)
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Fingerprint("x", map[string]string{"a": "1", "b": "2"})
	b := Fingerprint("x", map[string]string{"b": "2", "a": "1"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, Fingerprint("y", map[string]string{"a": "1", "b": "2"}))
}

func TestRelayPublishesInOrder(t *testing.T) {
	box := setupTestOutbox(t)
	for i := byte(1); i <= 3; i++ {
		box.Emit(openedEvent(i))
	}
	publisher := &recordingPublisher{}
	relay := NewRelay(box, publisher, time.Second, 10, nil)

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, publisher.got, 3)
	require.Less(t, publisher.got[0].Seq, publisher.got[2].Seq)

	pending, err := box.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	replay, err := box.Since(context.Background(), publisher.got[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, replay, 2)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	box := setupTestOutbox(t)
	for i := byte(1); i <= 3; i++ {
		box.Emit(openedEvent(i))
	}
	publisher := &recordingPublisher{failAt: 2}
	relay := NewRelay(box, publisher, time.Second, 10, nil)

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, n)

	pending, err := box.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	replay, err := box.Since(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, replay, 1)
	require.Equal(t, publisher.got[0].ID, replay[0].ID)
}

func TestDialectorSelectsDriver(t *testing.T) {
	require.Equal(t, "postgres", Dialector("postgres://u:p@db/margin").Name())
	require.Equal(t, "sqlite", Dialector("file:outbox.db").Name())
}

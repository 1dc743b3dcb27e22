package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "/zephyrreg/registry/reg-1", Key(DefaultNamespace, "reg-1"))
	assert.Equal(t, "/ns/registry/reg-1", Key("/ns/", "reg-1"))
}

func TestApplyEvent(t *testing.T) {
	p := prefix(DefaultNamespace)
	peers := map[string]string{}

	applyEvent(peers, p, &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(p + "a"), Value: []byte("10.0.0.1:5559")}})
	applyEvent(peers, p, &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(p + "b"), Value: []byte("10.0.0.2:5559")}})
	assert.Equal(t, map[string]string{"a": "10.0.0.1:5559", "b": "10.0.0.2:5559"}, peers)

	applyEvent(peers, p, &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(p + "a")}})
	assert.Equal(t, map[string]string{"b": "10.0.0.2:5559"}, peers)
}

func TestPick(t *testing.T) {
	_, ok := Pick(nil)
	assert.False(t, ok)

	addr, ok := Pick(map[string]string{"reg-2": "b:5559", "reg-1": "a:5559", "reg-3": "c:5559"})
	assert.True(t, ok)
	assert.Equal(t, "a:5559", addr)
}

type fakeLeaser struct {
	putErr       error
	keepAliveErr error
	revokeErr    error

	puts    []string
	revoked []clientv3.LeaseID
}

func (f *fakeLeaser) Grant(context.Context, int64) (*clientv3.LeaseGrantResponse, error) {
	return &clientv3.LeaseGrantResponse{ID: 7}, nil
}

func (f *fakeLeaser) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, f.revokeErr
}

func (f *fakeLeaser) KeepAlive(context.Context, clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	if f.keepAliveErr != nil {
		return nil, f.keepAliveErr
	}
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	close(ch)
	return ch, nil
}

func (f *fakeLeaser) Put(_ context.Context, key, _ string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.puts = append(f.puts, key)
	return &clientv3.PutResponse{}, f.putErr
}

func TestAnnounce(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		f := &fakeLeaser{}
		id, cancel, err := Announce(ctx, f, DefaultNamespace, "reg-1", "10.0.0.1:5559", 10)
		require.NoError(t, err)
		defer cancel()
		assert.Equal(t, clientv3.LeaseID(7), id)
		assert.Equal(t, []string{"/zephyrreg/registry/reg-1"}, f.puts)
		assert.Empty(t, f.revoked)
	})

	t.Run("put fails", func(t *testing.T) {
		f := &fakeLeaser{putErr: errors.New("put down")}
		_, cancel, err := Announce(ctx, f, DefaultNamespace, "reg-1", "10.0.0.1:5559", 10)
		require.Error(t, err)
		assert.Nil(t, cancel)
		assert.Equal(t, []clientv3.LeaseID{7}, f.revoked)
	})

	t.Run("keepalive fails", func(t *testing.T) {
		f := &fakeLeaser{keepAliveErr: errors.New("no stream"), revokeErr: errors.New("revoke down")}
		_, _, err := Announce(ctx, f, DefaultNamespace, "reg-1", "10.0.0.1:5559", 10)
		require.Error(t, err)
		assert.ErrorContains(t, err, "no stream")
		assert.ErrorContains(t, err, "revoke down")
		assert.Equal(t, []clientv3.LeaseID{7}, f.revoked)
	})
}

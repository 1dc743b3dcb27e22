// Package discovery publishes the registry endpoint in etcd so members can
// find it without static configuration.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultNamespace = "/zephyrreg"

func NewClient(endpoints []string, logger *zap.Logger) (*clientv3.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.With(zap.String("component", "etcd-client")),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create etcd client: %w", err)
	}
	return cli, nil
}

// Key is where the registry instance id announces itself.
func Key(namespace, id string) string {
	return prefix(namespace) + id
}

func prefix(namespace string) string {
	return strings.TrimRight(namespace, "/") + "/registry/"
}

// Leaser is the part of *clientv3.Client used by Announce.
type Leaser interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// Announce stores addr under the instance key, bound to a lease of ttl
// seconds that is kept alive until the returned cancel func is called.
// Revoke the lease on shutdown to withdraw the entry immediately. If any
// step after Grant fails the lease is revoked before returning.
func Announce(ctx context.Context, cli Leaser, namespace, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Key(namespace, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, multierr.Append(fmt.Errorf("put %s: %w", Key(namespace, id), err), revoke(cli, lease.ID))
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, multierr.Append(fmt.Errorf("keep alive lease: %w", err), revoke(cli, lease.ID))
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

func revoke(cli Leaser, id clientv3.LeaseID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Revoke(ctx, id); err != nil {
		return fmt.Errorf("revoke lease %x: %w", int64(id), err)
	}
	return nil
}

// Resolve returns every announced registry, id -> address.
func Resolve(ctx context.Context, cli *clientv3.Client, namespace string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, prefix(namespace), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list registries: %w", err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), prefix(namespace))] = string(kv.Value)
	}
	return out, resp.Header.Revision, nil
}

// Watch calls fn with the full set of announced registries, first with the
// current state and then after every change, until ctx is done.
func Watch(ctx context.Context, cli *clientv3.Client, namespace string, fn func(map[string]string)) error {
	peers, rev, err := Resolve(ctx, cli, namespace)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	p := prefix(namespace)
	for wresp := range cli.Watch(ctx, p, clientv3.WithPrefix(), clientv3.WithRev(rev+1)) {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		for _, ev := range wresp.Events {
			applyEvent(peers, p, ev)
		}
		fn(maps.Clone(peers))
	}
	return ctx.Err()
}

func applyEvent(peers map[string]string, p string, ev *clientv3.Event) {
	id := strings.TrimPrefix(string(ev.Kv.Key), p)
	switch ev.Type {
	case mvccpb.PUT:
		peers[id] = string(ev.Kv.Value)
	case mvccpb.DELETE:
		delete(peers, id)
	}
}

// Pick chooses the registry to talk to: the one with the smallest id, so
// every member picks the same instance.
func Pick(peers map[string]string) (string, bool) {
	if len(peers) == 0 {
		return "", false
	}
	ids := slices.Sorted(maps.Keys(peers))
	return peers[ids[0]], true
}

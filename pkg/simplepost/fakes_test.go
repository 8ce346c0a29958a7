package simplepost_test

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
	"github.com/tendant/simple-post/pkg/simplepost/repo/memory"
	memorystorage "github.com/tendant/simple-post/pkg/simplepost/storage/memory"
)

// faults injects errors into named operations. times > 0 fails the next
// times calls; times == 0 fails every call until cleared.
type faults struct {
	mu     sync.Mutex
	errs   map[string]*fault
	calls  map[string]int
	hookFn map[string]func(ctx context.Context) error
}

type fault struct {
	err   error
	times int
}

func newFaults() *faults {
	return &faults{
		errs:   make(map[string]*fault),
		calls:  make(map[string]int),
		hookFn: make(map[string]func(ctx context.Context) error),
	}
}

func (f *faults) inject(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = &fault{err: err, times: times}
}

func (f *faults) hook(op string, fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookFn[op] = fn
}

func (f *faults) clear(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, op)
	delete(f.hookFn, op)
}

func (f *faults) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faults) check(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	fn := f.hookFn[op]
	flt := f.errs[op]
	var err error
	if flt != nil {
		err = flt.err
		if flt.times > 0 {
			flt.times--
			if flt.times == 0 {
				delete(f.errs, op)
			}
		}
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

type faultyRepo struct {
	*memory.Repository
	*faults
}

func newFaultyRepo() *faultyRepo {
	return &faultyRepo{Repository: memory.New(), faults: newFaults()}
}

func (r *faultyRepo) CreatePost(ctx context.Context, post *simplepost.Post) error {
	if err := r.check(ctx, "create_post"); err != nil {
		return err
	}
	return r.Repository.CreatePost(ctx, post)
}

func (r *faultyRepo) GetPost(ctx context.Context, id uuid.UUID) (*simplepost.Post, error) {
	if err := r.check(ctx, "get_post"); err != nil {
		return nil, err
	}
	return r.Repository.GetPost(ctx, id)
}

func (r *faultyRepo) UpdatePost(ctx context.Context, post *simplepost.Post, expectedVersion int64) error {
	if err := r.check(ctx, "update_post"); err != nil {
		return err
	}
	return r.Repository.UpdatePost(ctx, post, expectedVersion)
}

func (r *faultyRepo) DeletePost(ctx context.Context, id uuid.UUID) error {
	if err := r.check(ctx, "delete_post"); err != nil {
		return err
	}
	return r.Repository.DeletePost(ctx, id)
}

func (r *faultyRepo) AdjustPostCount(ctx context.Context, userID uuid.UUID, delta int64) (int64, error) {
	if err := r.check(ctx, "adjust_post_count"); err != nil {
		return 0, err
	}
	return r.Repository.AdjustPostCount(ctx, userID, delta)
}

func (r *faultyRepo) RecordInconsistency(ctx context.Context, item *simplepost.Inconsistency) error {
	if err := r.check(ctx, "record_inconsistency"); err != nil {
		return err
	}
	return r.Repository.RecordInconsistency(ctx, item)
}

// commitThenLoseRepo commits the next create or update, then reports a lost
// connection and fails every later post read.
type commitThenLoseRepo struct {
	*faultyRepo
	once sync.Once
}

func (r *commitThenLoseRepo) lose() error {
	var err error
	r.once.Do(func() {
		err = errors.New("connection reset by peer")
		r.inject("get_post", err, 0)
	})
	return err
}

func (r *commitThenLoseRepo) CreatePost(ctx context.Context, post *simplepost.Post) error {
	if err := r.faultyRepo.CreatePost(ctx, post); err != nil {
		return err
	}
	return r.lose()
}

func (r *commitThenLoseRepo) UpdatePost(ctx context.Context, post *simplepost.Post, expectedVersion int64) error {
	if err := r.faultyRepo.UpdatePost(ctx, post, expectedVersion); err != nil {
		return err
	}
	return r.lose()
}

type faultyBlobs struct {
	*memorystorage.Backend
	*faults

	mu      sync.Mutex
	deleted []string
}

func newFaultyBlobs() *faultyBlobs {
	return &faultyBlobs{Backend: memorystorage.New(), faults: newFaults()}
}

func (b *faultyBlobs) Put(ctx context.Context, key string, reader io.Reader, opts simplepost.PutOptions) error {
	if err := b.check(ctx, "put"); err != nil {
		return err
	}
	return b.Backend.Put(ctx, key, reader, opts)
}

func (b *faultyBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := b.check(ctx, "get"); err != nil {
		return nil, err
	}
	return b.Backend.Get(ctx, key)
}

func (b *faultyBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	b.deleted = append(b.deleted, key)
	b.mu.Unlock()
	if err := b.check(ctx, "delete"); err != nil {
		return err
	}
	return b.Backend.Delete(ctx, key)
}

func (b *faultyBlobs) deleteAttempts(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, k := range b.deleted {
		if k == key {
			n++
		}
	}
	return n
}

func (b *faultyBlobs) keys() []string {
	keys, _ := b.Backend.List(context.Background(), "")
	return keys
}

// waitForDeadline blocks until the call's context expires.
func waitForDeadline(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

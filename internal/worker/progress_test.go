package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressForwarder_Throttles(t *testing.T) {
	notifier := &recordingNotifier{}
	updater := record.NewUpdater(record.NewMemory(), notifier, logger.NewDiscard().Logger)
	payload := domain.Payload{RecordID: "rec-1", ContainerID: "room-1", FileIndex: 2}

	f := startProgressForwarder(context.Background(), updater, payload, 10)
	for _, p := range []int{-5, 5, 10, 15, 12, 25, 30, 99, 100, 100} {
		f.Report(p)
	}
	f.Close()
	// reports after close are ignored
	f.Report(100)
	f.Close()

	var got []int
	for _, e := range notifier.ofType(domain.EventProgress) {
		assert.Equal(t, "room-1", e.ContainerID)
		assert.Equal(t, 2, e.FileIndex)
		got = append(got, *e.ProgressPercent)
	}
	assert.Equal(t, []int{10, 25, 99, 100}, got)
}

type failingStore struct {
	record.Store
	err error
}

func (s failingStore) Get(context.Context, domain.RecordKey) (*domain.Record, error) {
	return nil, s.err
}

func TestJobEnv_Checkpoint(t *testing.T) {
	key := domain.RecordKey{RecordID: "rec-1"}

	seed := func(t *testing.T, status domain.ProcessingStatus) record.Store {
		store := record.NewMemory()
		_, err := store.Upsert(context.Background(), &domain.Record{RecordID: key.RecordID, ContainerID: "room-1"})
		require.NoError(t, err)
		if status != domain.StatusQueued {
			_, err = store.Merge(context.Background(), key, domain.RecordPatch{Status: status})
			require.NoError(t, err)
		}
		return store
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		store   func(t *testing.T) record.Store
		ctx     context.Context
		wantErr error
	}{
		{
			name:  "processing continues",
			store: func(t *testing.T) record.Store { return seed(t, domain.StatusProcessing) },
			ctx:   context.Background(),
		},
		{
			name:    "cancelled record stops",
			store:   func(t *testing.T) record.Store { return seed(t, domain.StatusCancelled) },
			ctx:     context.Background(),
			wantErr: domain.ErrCancelled,
		},
		{
			name:    "deleted record stops",
			store:   func(*testing.T) record.Store { return record.NewMemory() },
			ctx:     context.Background(),
			wantErr: domain.ErrCancelled,
		},
		{
			name:  "lookup failure continues",
			store: func(*testing.T) record.Store { return failingStore{err: errors.New("connection reset")} },
			ctx:   context.Background(),
		},
		{
			name:    "expired context",
			store:   func(t *testing.T) record.Store { return seed(t, domain.StatusProcessing) },
			ctx:     canceled,
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &jobEnv{records: tt.store(t), key: key, logger: logger.NewDiscard().Logger}
			err := env.Checkpoint(tt.ctx, "pack")
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProgressForwarder_NeverBlocks(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	updater := record.NewUpdater(record.NewMemory(), notifier, logger.NewDiscard().Logger)
	f := startProgressForwarder(context.Background(), updater, domain.Payload{RecordID: "rec-1"}, 1)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			f.Report(i % 100)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Report blocked on a stalled transport")
	}
	close(notifier.release)
	f.Close()
}

type blockingNotifier struct {
	release chan struct{}
}

func (n *blockingNotifier) Notify(context.Context, domain.Event) error {
	<-n.release
	return nil
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichflow/backend/internal/engine"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// scriptedReader hands out a fixed sequence of messages then blocks until
// the context is canceled.
type scriptedReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// recordingSender records every task and can fail on demand.
type recordingSender struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (s *recordingSender) Send(ctx context.Context, task engine.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return s.err
}

func (s *recordingSender) sent() []engine.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Task(nil), s.tasks...)
}

func message(t *testing.T, offset int64, task engine.Task) kafka.Message {
	t.Helper()
	value, err := json.Marshal(task)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(task.ItemID), Value: value}
}

func runConsumer(reader KafkaReader, sender Sender) {
	c := &DispatchConsumer{
		reader:   reader,
		sender:   sender,
		logger:   &NoOpLogger{},
		doneChan: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	// give the loop time to drain the scripted messages
	time.Sleep(100 * time.Millisecond)
	cancel()
	c.wg.Wait()
}

func TestConsumerDeliversTasksAndCommits(t *testing.T) {
	t1 := engine.Task{StateID: "s1", BatchID: "b1", ItemID: "i1", StepName: "company_enrich"}
	t2 := engine.Task{StateID: "s2", BatchID: "b1", ItemID: "i2", StepName: "company_enrich"}

	reader := &scriptedReader{msgs: []kafka.Message{message(t, 10, t1), message(t, 11, t2)}}
	sender := &recordingSender{}

	runConsumer(reader, sender)

	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "i1", sent[0].ItemID)
	assert.Equal(t, "i2", sent[1].ItemID)
	assert.Equal(t, []int64{10, 11}, reader.commits())
}

func TestConsumerCommitsPastUndecodableMessage(t *testing.T) {
	good := engine.Task{StateID: "s1", ItemID: "i1", StepName: "company_enrich"}
	reader := &scriptedReader{msgs: []kafka.Message{
		{Offset: 5, Value: []byte("not json")},
		message(t, 6, good),
	}}
	sender := &recordingSender{}

	runConsumer(reader, sender)

	// the poison message is skipped, the good one delivered
	require.Len(t, sender.sent(), 1)
	assert.Equal(t, []int64{5, 6}, reader.commits())
}

func TestConsumerCommitsEvenWhenSenderFails(t *testing.T) {
	task := engine.Task{StateID: "s1", ItemID: "i1", StepName: "company_enrich"}
	reader := &scriptedReader{msgs: []kafka.Message{message(t, 7, task)}}
	sender := &recordingSender{err: errors.New("db down")}

	runConsumer(reader, sender)

	// the sender records failures on the item; the message is consumed
	assert.Equal(t, []int64{7}, reader.commits())
}

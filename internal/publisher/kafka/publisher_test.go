package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer)
	pub.now = func() time.Time { return time.Unix(10, 0) }

	notice := crawler.ArtifactNotice{
		RunID:        "run-1",
		URL:          "https://www.example.com/a",
		CanonicalURL: "https://example.com/a",
		ContentHash:  "deadbeef",
	}
	id, err := pub.Publish(context.Background(), "crawl-artifacts", notice)
	require.NoError(t, err)
	require.Equal(t, "crawl-artifacts/https://example.com/a", id)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "crawl-artifacts", msg.Topic)
	require.Equal(t, "https://example.com/a", string(msg.Key))
	require.Equal(t, time.Unix(10, 0).UTC(), msg.Time)

	var got crawler.ArtifactNotice
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, notice.ContentHash, got.ContentHash)

	require.NoError(t, pub.Close())
	require.True(t, writer.closed)
}

func TestPublishUnkeyedPayload(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer)
	_, err := pub.Publish(context.Background(), "topic", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Nil(t, writer.msgs[0].Key)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	pub := NewWithWriter(&fakeWriter{err: errors.New("broker down")})
	_, err := pub.Publish(context.Background(), "topic", "x")
	require.ErrorContains(t, err, "broker down")

	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "topic", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = New(nil)
	require.Error(t, err)
}

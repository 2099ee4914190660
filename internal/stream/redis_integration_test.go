//go:build integration

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type RedisTransportSuite struct {
	suite.Suite
	client    *redis.Client
	transport *Redis
	terminate func()
}

func TestRedisTransportSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisTransportSuite))
}

func (s *RedisTransportSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.terminate = func() { _ = container.Terminate(ctx) }

	url, err := container.ConnectionString(ctx)
	s.Require().NoError(err)

	opts, err := redis.ParseURL(url)
	s.Require().NoError(err)

	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
	s.transport = NewRedis(s.client)
}

func (s *RedisTransportSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.terminate != nil {
		s.terminate()
	}
}

func (s *RedisTransportSuite) TestReadyHandshakeThenDelivery() {
	ctx := context.Background()

	var mu sync.Mutex
	var got []Event
	sub, err := s.transport.Subscribe(ctx, "itest-topic", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	select {
	case <-sub.Ready():
	case <-time.After(5 * time.Second):
		s.FailNow("subscription never became ready")
	}

	s.Require().NoError(s.transport.Publish(ctx, "itest-topic", "camera-frame", []byte(`{"source":"camera"}`)))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal("camera-frame", got[0].Name)
	s.Equal([]byte(`{"source":"camera"}`), got[0].Payload)
}

func (s *RedisTransportSuite) TestCancelledContextEndsDelivery() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	sub, err := s.transport.Subscribe(ctx, "itest-ctx", func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	select {
	case <-sub.Ready():
	case <-time.After(5 * time.Second):
		s.FailNow("subscription never became ready")
	}

	s.Require().NoError(s.transport.Publish(context.Background(), "itest-ctx", "ping", nil))
	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A long-lived listener bound to a short-lived context dies with it, so
	// callers that need the subscription to outlive a request must detach
	// the context before subscribing.
	cancel()
	time.Sleep(200 * time.Millisecond)

	s.Require().NoError(s.transport.Publish(context.Background(), "itest-ctx", "ping", nil))
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, count, "cancelled subscriber context must end delivery")
}

func (s *RedisTransportSuite) TestTopicLifecyclesAreIndependent() {
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(topic string) Handler {
		return func(ev Event) {
			mu.Lock()
			counts[topic]++
			mu.Unlock()
		}
	}

	subA, err := s.transport.Subscribe(ctx, "itest-a", handler("a"))
	s.Require().NoError(err)
	subB, err := s.transport.Subscribe(ctx, "itest-b", handler("b"))
	s.Require().NoError(err)
	defer subB.Unsubscribe()

	<-subA.Ready()
	<-subB.Ready()

	s.Require().NoError(subA.Unsubscribe())
	s.Require().NoError(s.transport.Publish(ctx, "itest-a", "ping", nil))
	s.Require().NoError(s.transport.Publish(ctx, "itest-b", "ping", nil))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["b"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(0, counts["a"], "closed topic must not keep delivering")
}

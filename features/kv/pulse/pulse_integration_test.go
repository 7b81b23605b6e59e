package pulse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err == nil {
			port, perr := testRedisContainer.MappedPort(ctx, "6379")
			err = perr
			if err == nil {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				err = testRedisClient.Ping(ctx).Err()
			}
		}
		if err != nil {
			fmt.Printf("Failed to connect to redis container: %v\n", err)
			skipIntegration = true
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func TestIntegrationReplicatedAcrossNodes(t *testing.T) {
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	ctx := context.Background()
	require.NoError(t, testRedisClient.FlushDB(ctx).Err())

	nodeA, closeA, err := Join(ctx, "coord-test", testRedisClient)
	require.NoError(t, err)
	defer closeA()
	nodeB, closeB, err := Join(ctx, "coord-test", testRedisClient)
	require.NoError(t, err)
	defer closeB()

	require.NoError(t, nodeA.Set(ctx, "sessions", []byte(`{"version":1,"sessions":{}}`)))
	require.Eventually(t, func() bool {
		v, err := nodeB.Get(ctx, "sessions")
		return err == nil && string(v) == `{"version":1,"sessions":{}}`
	}, 5*time.Second, 20*time.Millisecond)
}

package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

func startBufconn(t *testing.T, cfg Config) (*Publisher, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pub, conn
}

func waitForClients(t *testing.T, pub *Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return pub.Stats().ClientCount == n }, 5*time.Second, 5*time.Millisecond)
}

func TestStreamPosesDelivery(t *testing.T) {
	pub, conn := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := StreamPoses(ctx, conn)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	ts := time.Unix(1700000000, 123456000)
	pub.PublishOdometry(l5odometry.Result{Timestamp: ts, Pose: lidar.Pose{X: 0.1}})
	pub.PublishMapping(l6mapping.Result{
		Timestamp:   ts,
		Pose:        lidar.Pose{X: 0.1, Yaw: 0.25},
		Refined:     true,
		Keyframe:    &lidar.Keyframe{Seq: 3},
		Constraints: []lidar.PoseConstraint{{Source: 3, Target: 0}},
	})

	odom, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, PoseUpdate{
		Seq: 1, Kind: KindOdometry, Timestamp: ts, Pose: lidar.Pose{X: 0.1}, Keyframe: -1,
	}, odom)

	m, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, PoseUpdate{
		Seq: 2, Kind: KindMapping, Timestamp: ts, Pose: lidar.Pose{X: 0.1, Yaw: 0.25},
		Refined: true, Keyframe: 3, LoopClosure: 1,
	}, m)
}

func TestOdometryDecimation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OdometryEvery = 2
	pub, conn := startBufconn(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := StreamPoses(ctx, conn)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	for i := 0; i < 4; i++ {
		pub.PublishOdometry(l5odometry.Result{Pose: lidar.Pose{X: float64(i)}})
	}
	pub.PublishMapping(l6mapping.Result{})

	var xs []float64
	for {
		u, err := client.Recv()
		require.NoError(t, err)
		if u.Kind == KindMapping {
			break
		}
		xs = append(xs, u.Pose.X)
	}
	assert.Equal(t, []float64{1, 3}, xs)
}

func TestSlowClientDropsWithoutBlocking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientQueue = 2
	pub := NewPublisher(cfg)
	pub.running.Store(true)

	c, err := pub.addClient()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			pub.Publish(PoseUpdate{Kind: KindMapping})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}

	stats := pub.Stats()
	assert.Equal(t, uint64(10), stats.Published)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(8), stats.Dropped)
	assert.Len(t, c.ch, 2)

	pub.removeClient(c.id)
	assert.Equal(t, 0, pub.Stats().ClientCount)
}

func TestMaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	pub := NewPublisher(cfg)

	_, err := pub.addClient()
	assert.Error(t, err, "not running")

	pub.running.Store(true)
	_, err = pub.addClient()
	require.NoError(t, err)
	_, err = pub.addClient()
	assert.Error(t, err)
}

func TestStopEndsStreams(t *testing.T) {
	pub, conn := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := StreamPoses(ctx, conn)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	pub.Stop()
	_, err = client.Recv()
	assert.Error(t, err)
	assert.False(t, pub.Stats().Running)
}

// Package publish forwards pose estimates to an MQTT broker as JSON.
//
// Odometry and mapping results go to <prefix>/odometry and <prefix>/mapping.
// New keyframes are also published retained on <prefix>/keyframe so late
// subscribers see the latest one.
package publish

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

var logs = lidar.NewStreamLogger("[mqtt] ")

// Config configures the MQTT publisher.
type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	// OdometryEvery publishes one odometry message in this many; 0 disables
	// odometry messages.
	OdometryEvery int
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{ClientID: "lidarmap", TopicPrefix: "lidarmap", OdometryEvery: 10}
}

// Message is the JSON payload of every topic.
type Message struct {
	Kind         string    `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	Z            float64   `json:"z"`
	Roll         float64   `json:"roll"`
	Pitch        float64   `json:"pitch"`
	Yaw          float64   `json:"yaw"`
	Degenerate   bool      `json:"degenerate,omitempty"`
	Skipped      bool      `json:"skipped,omitempty"`
	Refined      bool      `json:"refined,omitempty"`
	Keyframe     *int      `json:"keyframe,omitempty"`
	LoopClosures int       `json:"loop_closures,omitempty"`
}

func newMessage(kind string, ts time.Time, p lidar.Pose) Message {
	return Message{Kind: kind, Timestamp: ts, X: p.X, Y: p.Y, Z: p.Z, Roll: p.Roll, Pitch: p.Pitch, Yaw: p.Yaw}
}

// TokenPublisher is the part of mqtt.Client the publisher uses.
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher implements the pipeline odometry and mapping sinks.
type Publisher struct {
	client TokenPublisher
	cfg    Config

	odomSeen  atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// New wraps an already connected client.
func New(client TokenPublisher, cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	return &Publisher{client: client, cfg: cfg}
}

// Connect dials the broker and returns a publisher over the connection
// together with the client, which the caller disconnects when done.
func Connect(cfg Config, timeout time.Duration) (*Publisher, mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, nil, fmt.Errorf("mqtt: no broker configured")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logs.Opsf("connection lost (%v), auto-reconnect will retry", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logs.Opsf("connected to %s", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, nil, fmt.Errorf("mqtt: connect to %s timed out after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return New(client, cfg), client, nil
}

// Stats reports messages handed to the client and publishes that failed.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// PublishOdometry implements the pipeline odometry sink.
func (p *Publisher) PublishOdometry(r l5odometry.Result) {
	n := uint64(p.cfg.OdometryEvery)
	if n == 0 || p.odomSeen.Add(1)%n != 0 {
		return
	}
	m := newMessage("odometry", r.Timestamp, r.Pose)
	m.Degenerate = r.Degenerate
	m.Skipped = r.Skipped
	p.send("odometry", false, m)
}

// PublishMapping implements the pipeline mapping sink.
func (p *Publisher) PublishMapping(r l6mapping.Result) {
	m := newMessage("mapping", r.Timestamp, r.Pose)
	m.Degenerate = r.Degenerate
	m.Skipped = r.Skipped
	m.Refined = r.Refined
	m.LoopClosures = len(r.Constraints)
	if r.Keyframe != nil {
		seq := r.Keyframe.Seq
		m.Keyframe = &seq
	}
	p.send("mapping", false, m)

	if r.Keyframe != nil {
		kf := newMessage("keyframe", r.Keyframe.Timestamp, r.Keyframe.Pose)
		kf.Keyframe = m.Keyframe
		p.send("keyframe", true, kf)
	}
}

// send never waits for the broker; failures are logged when the token
// completes.
func (p *Publisher) send(topic string, retained bool, m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		p.failed.Add(1)
		logs.Opsf("encode %s: %v", topic, err)
		return
	}
	full := p.cfg.TopicPrefix + "/" + topic
	token := p.client.Publish(full, p.cfg.QoS, retained, payload)
	p.published.Add(1)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.failed.Add(1)
			logs.Diagf("publish %s: %v", full, err)
		}
	}()
}

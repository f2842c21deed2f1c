package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/teleinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool                     { return !t.pending }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	token        *fakeToken
	messages     []published
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.messages = append(p.messages, published{topic, qos, retained, payload.([]byte)})
	return p.token
}

func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTT_Write(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{}}
	s := newMQTT(MQTTConfig{TopicPrefix: "home/teleinfo/", QoS: 1, Retain: true}, pub, logrus.New())

	ts := time.UnixMilli(1700000000123)
	require.NoError(t, s.Write(context.Background(), teleinfo.Reading{
		Type: teleinfo.FramePAPP, Value: 2800, Address: "AA:BB:CC:DD:EE:FF", Time: ts,
	}))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "home/teleinfo/aabbccddeeff/papp", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, "PAPP", body["type"])
	assert.Equal(t, float64(2800), body["value"])
	assert.Equal(t, "VA", body["unit"])
	assert.Equal(t, float64(1700000000123), body["ts"])

	require.NoError(t, s.Close())
	assert.True(t, pub.disconnected)
}

func TestMQTT_WriteErrors(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{pending: true}}
	s := newMQTT(MQTTConfig{TopicPrefix: "teleinfo"}, pub, logrus.New())

	err := s.Write(context.Background(), teleinfo.Reading{Type: teleinfo.FrameIINST})
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Equal(t, "teleinfo/unknown/iinst", pub.messages[0].topic)

	boom := errors.New("not authorized")
	pub.token = &fakeToken{err: boom}
	assert.ErrorIs(t, s.Write(context.Background(), teleinfo.Reading{Type: teleinfo.FrameIINST}), boom)
}

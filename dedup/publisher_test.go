package dedup

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedMock() *MockClient {
	client := NewMockClient()
	client.SetConnected(true)
	return client
}

func TestPublisher_StatusMessages(t *testing.T) {
	client := connectedMock()
	pub := NewPublisher(client, "survey", "run-7", 0, nil)

	stats := &Stats{Features: 4, Clusters: 1, Duplicates: 3}
	pub.Observe(Event{Kind: EventPassStarted, Total: 4})
	pub.Observe(Event{Kind: EventJoinedCluster, Processed: 1, Total: 4})
	pub.Observe(Event{Kind: EventPassFinished, Processed: 4, Total: 4, Stats: stats})

	msgs := client.PublishedTo("survey/status")
	require.Len(t, msgs, 2)
	assert.Empty(t, client.PublishedTo("survey/progress"), "progress disabled at rate 0")

	var started, finished PassStatus
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &started))
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &finished))

	assert.True(t, msgs[0].Retain)
	assert.Equal(t, "run-7", started.RunID)
	assert.Equal(t, "running", started.State)
	assert.Equal(t, 4, started.Total)
	assert.Nil(t, started.Stats)

	assert.Equal(t, "finished", finished.State)
	require.NotNil(t, finished.Stats)
	assert.Equal(t, 3, finished.Stats.Duplicates)
	assert.NoError(t, pub.Err())
}

func TestPublisher_ProgressIsRateLimited(t *testing.T) {
	client := connectedMock()
	pub := NewPublisher(client, "survey", "run-7", 1, nil)

	for i := 1; i <= 10; i++ {
		pub.Observe(Event{Kind: EventUnclustered, Processed: i, Total: 10})
	}

	msgs := client.PublishedTo("survey/progress")
	require.Len(t, msgs, 1, "burst of one per second")
	assert.False(t, msgs[0].Retain)

	var progress PassProgress
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &progress))
	assert.Equal(t, 1, progress.Processed)
	assert.Equal(t, 10, progress.Total)
}

func TestPublisher_DefaultPrefixAndQoS(t *testing.T) {
	client := connectedMock()
	pub := NewPublisher(client, "", "r", 0, nil)
	pub.SetQoS(1)
	pub.SetQoS(5) // ignored

	pub.Observe(Event{Kind: EventPassStarted})
	msgs := client.PublishedTo(DefaultPublishPrefix + "/status")
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].QoS)
}

func TestPublisher_PublishResult(t *testing.T) {
	client := connectedMock()
	pub := NewPublisher(client, "survey", "run-7", 0, nil)

	res := NewResult()
	res.attach(1, 2)
	res.attach(1, 3)
	res.Processed = 1
	res.Skipped = 2
	pub.PublishResult(res)
	require.NoError(t, pub.Err())

	msgs := client.PublishedTo("survey/clusters")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retain)

	var body struct {
		RunID    string    `json:"runId"`
		Stats    Stats     `json:"stats"`
		Clusters []Cluster `json:"clusters"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, "run-7", body.RunID)
	assert.Equal(t, 3, body.Stats.Features)
	assert.Equal(t, []Cluster{{Parent: 1, Children: []FeatureID{2, 3}}}, body.Clusters)
}

func TestPublisher_Disconnected(t *testing.T) {
	client := NewMockClient()
	pub := NewPublisher(client, "survey", "r", 0, nil)

	pub.Observe(Event{Kind: EventPassStarted})
	assert.Error(t, pub.Err())
	assert.Empty(t, client.Published())

	nilClient := NewPublisher(nil, "survey", "r", 0, nil)
	nilClient.PublishResult(NewResult())
	assert.Error(t, nilClient.Err())
}

func TestPublisher_PublishError(t *testing.T) {
	client := connectedMock()
	client.SetPublishError(errors.New("broker full"))
	pub := NewPublisher(client, "survey", "r", 0, nil)

	pub.PublishResult(NewResult())
	err := pub.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "survey/clusters")
}

func TestConnectMQTT_NoBroker(t *testing.T) {
	client, err := ConnectMQTT(MQTTConfig{})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

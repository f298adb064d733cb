package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/flow"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "client is required")
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

// The resolve filter matches on routes.method and routes.path, so the
// document encoding must expose the route index under exactly those names.
func TestFlowDocumentRouteIndexEncoding(t *testing.T) {
	f := &flow.Flow{
		ID: "wh",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"out"}},
				Options: map[string]any{"method": "post", "path": "hooks/order/"}},
			{ID: "out", Type: "http-response"},
		},
	}
	doc := flowDocument{
		ID:         f.ID,
		Routes:     catalog.RoutesOf(f),
		Definition: `{"id":"wh"}`,
		UpdatedAt:  time.Now().UTC(),
	}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	r := bson.Raw(raw)
	assert.Equal(t, "wh", r.Lookup("_id").StringValue())
	assert.Equal(t, "POST", r.Lookup("routes", "0", "method").StringValue())
	assert.Equal(t, "/hooks/order", r.Lookup("routes", "0", "path").StringValue())
	assert.Equal(t, "wh", r.Lookup("routes", "0", "flow_id").StringValue())
	assert.Equal(t, "in", r.Lookup("routes", "0", "entry_node_id").StringValue())

	var back flowDocument
	require.NoError(t, bson.Unmarshal(raw, &back))
	require.Len(t, back.Routes, 1)
	assert.Equal(t, doc.Routes[0], back.Routes[0])
}

func TestMethodOf(t *testing.T) {
	assert.Equal(t, "POST", methodOf("POST /hooks/order"))
	assert.Equal(t, "GET", methodOf("GET"))
}

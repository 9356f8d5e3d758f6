package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

func TestNodeTransport_EndpointUsesSharedPort(t *testing.T) {
	nt := NewNodeTransport(NewClient(nil), 50551)

	endpoint := nt.endpoint(model.Node{ID: 3, IP: "10.0.0.7"})
	assert.Equal(t, "10.0.0.7:50551", endpoint)
}

func TestNodeTransport_DifferentNodesShareOnePort(t *testing.T) {
	nt := NewNodeTransport(NewClient(nil), 50551)

	assert.Equal(t, "10.0.0.1:50551", nt.endpoint(model.Node{ID: 1, IP: "10.0.0.1"}))
	assert.Equal(t, "10.0.0.2:50551", nt.endpoint(model.Node{ID: 2, IP: "10.0.0.2"}))
}

package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceType(t *testing.T) {
	assert.Equal(t, "_remote._tcp", ServiceType("remote", KindTCP))
	assert.Equal(t, "_remote._tcp", ServiceType("_remote", KindMem))
	assert.Equal(t, "_remote._udp", ServiceType(" remote ", KindQUIC))
}

func TestInstanceName(t *testing.T) {
	id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	name := InstanceName(id)
	assert.True(t, strings.HasSuffix(name, "-1b4e28ba"), name)
	assert.NotContains(t, name, ".")
	assert.NotEqual(t, NewInstanceID(), NewInstanceID())
}

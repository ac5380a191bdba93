package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	assert.True(t, hm.IsHealthy(), "no registered checks means healthy")

	hm.Register("store", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("leader", func() error { return fmt.Errorf("not leader") })
	assert.False(t, hm.IsHealthy(), "one failing check fails the manager")

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["store"])
	assert.Equal(t, "Unhealthy: not leader", status["leader"])
}

func TestHealthManager_ReplacingACheck(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("store", func() error { return fmt.Errorf("connecting") })
	assert.False(t, hm.IsHealthy())

	hm.Register("store", func() error { return nil })
	assert.True(t, hm.IsHealthy())
}

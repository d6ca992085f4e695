package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/htcore/transport"
)

func TestPoolSweepClosesPastDeadlineIdleConnections(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{
		inFlight: false,
		deadline: time.Now().Add(-time.Second),
		hasDead:  true,
	}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	pool := transport.NewPool()
	pool.Track(a, driver)
	require.Equal(t, 1, pool.Len())

	pool.Sweep(time.Now())

	assert.False(t, a.IsOpen())
	assert.Equal(t, 0, pool.Len())
}

func TestPoolSweepSkipsConnectionsWithResponseInFlight(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{
		inFlight: true,
		deadline: time.Now().Add(-time.Second),
		hasDead:  true,
	}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	pool := transport.NewPool()
	pool.Track(a, driver)

	pool.Sweep(time.Now())

	assert.True(t, a.IsOpen())
	assert.Equal(t, 1, pool.Len())
}

func TestPoolSweepSkipsConnectionsNotYetPastDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{
		inFlight: false,
		deadline: time.Now().Add(time.Hour),
		hasDead:  true,
	}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	pool := transport.NewPool()
	pool.Track(a, driver)

	pool.Sweep(time.Now())

	assert.True(t, a.IsOpen())
	assert.Equal(t, 1, pool.Len())
}

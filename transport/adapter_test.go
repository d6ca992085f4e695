package transport_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/htcore/transport"
)

// fakeDriver is a minimal transport.Driver stub so adapter tests don't
// need a real ConnectionDriver/wireparser stack.
type fakeDriver struct {
	mu        sync.Mutex
	fed       []byte
	feedErr   error
	inFlight  bool
	errored   bool
	deadline  time.Time
	hasDead   bool
}

func (d *fakeDriver) Feed(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fed = append(d.fed, data...)
	return d.feedErr
}

func (d *fakeDriver) ErrorOccurred() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errored
}

func (d *fakeDriver) ResponseInFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *fakeDriver) KeepAliveDeadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline, d.hasDead
}

func (d *fakeDriver) setInFlight(v bool) {
	d.mu.Lock()
	d.inFlight = v
	d.mu.Unlock()
}

func TestAdapterFeedsReadBytesToDriver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return string(driver.fed) == "hello"
	}, time.Second, time.Millisecond)
}

func TestAdapterQueueWriteSerializesOrder(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	readDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 6)
		var got []byte
		for len(got) < 6 {
			n, err := client.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				break
			}
		}
		readDone <- string(got)
	}()

	require.NoError(t, a.QueueWrite([]byte("abc")))
	require.NoError(t, a.QueueWrite([]byte("def")))

	select {
	case got := <-readDone:
		assert.Equal(t, "abcdef", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestAdapterCloseDefersWhileResponseInFlight(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{inFlight: true}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	require.NoError(t, a.Close())
	assert.True(t, a.IsOpen(), "adapter must defer Close while a response is in flight")

	driver.setInFlight(false)
	require.NoError(t, a.Close())
	assert.False(t, a.IsOpen())
}

func TestAdapterCloseDoesNotDeferOnError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	driver := &fakeDriver{inFlight: true, errored: true}
	a := transport.New(server, nil, nil)
	a.SetDriver(driver)
	a.Start()

	require.NoError(t, a.Close())
	assert.False(t, a.IsOpen())
}

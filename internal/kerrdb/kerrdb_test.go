package kerrdb

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	prev := ""
	for range 100 {
		id := NewID()
		_, err := ulid.ParseStrict(id)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	assert.False(t, db.IsConnected())
	// None of these may block or panic without a server.
	db.RecordSession(&SessionMessage{ID: NewID()})
	db.FinishSession(&SessionMessage{ID: NewID()}, "")
	db.RecordSetpoint(&SetpointMessage{ID: NewID()})
	db.Disconnect()
	db.Wait()

	var nilDB *Connection
	assert.False(t, nilDB.IsConnected())
}

func TestConnection(t *testing.T) {
	if err := PingServer(); err != nil {
		t.Skipf("no ClickHouse server: %v", err)
	}
	abort := make(chan struct{})
	activity := &ActivityMessage{ID: NewID(), Hostname: "test", Version: "test", Start: time.Now()}
	db := StartDBConnection(activity, abort)
	require.True(t, db.IsConnected())
	session := &SessionMessage{ID: NewID(), Driver: "nohardware", Rate: 10000, Start: time.Now()}
	db.RecordSession(session)
	db.RecordSetpoint(&SetpointMessage{ID: NewID(), SessionID: session.ID, Kind: "field", Period: 1, Created: time.Now()})
	db.FinishSession(session, "")
	time.Sleep(100 * time.Millisecond)
	close(abort)
	db.Wait()
	assert.NoError(t, db.Err())
}

// Package kerrdb records kerrdaq activity (server runs, engine sessions and
// field setpoints) in a ClickHouse database.
package kerrdb

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// Connection is an open (or failed) connection to the activity database.
// All Record methods are no-ops when it is not connected.
type Connection struct {
	conn          clickhouse.Conn
	errLock       sync.Mutex
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	setpointmsg   chan *SetpointMessage
	sync.WaitGroup
}

const databaseName = "kerrdaq" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

var entropyLock sync.Mutex
var entropy = ulid.Monotonic(rand.Reader, 0)

// NewID returns a new ULID string. IDs made by one process sort in creation order.
func NewID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsConnected tells whether the database is reachable and no insert has failed.
func (db *Connection) IsConnected() bool {
	if db == nil || db.conn == nil {
		return false
	}
	return db.Err() == nil
}

// Err returns the first connection or insert error.
func (db *Connection) Err() error {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	if db.err == nil {
		db.err = err
	}
}

// PingServer checks that the ClickHouse server answers.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartDBConnection connects, records the activity and handles messages
// until abort is closed, when it records the activity's end.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createDBConnection()
	db.activityEntry = activity
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a Connection that records nothing.
func DummyDBConnection() *Connection {
	return &Connection{}
}

// serverAddress returns KERRDAQ_DB_ADDR, or the local default.
func serverAddress() []string {
	if addr := os.Getenv("KERRDAQ_DB_ADDR"); addr != "" {
		return strings.Split(addr, ",")
	}
	return []string{"localhost:9000"}
}

func createDBConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("KERRDAQ_DB_USER"),
		Password: os.Getenv("KERRDAQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "kerrdaq", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        serverAddress(),
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.sessionmsg = make(chan *SessionMessage)
	db.setpointmsg = make(chan *SetpointMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO kerrdaqactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into kerrdaqactivity ", err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case m := <-db.sessionmsg:
			db.handleSessionMessage(m)
		case m := <-db.setpointmsg:
			db.handleSetpointMessage(m)
		}
	}
}

// Disconnect records the end of the activity and closes the connection.
func (db *Connection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
}

// RecordSession enters an engine session. It blocks until the message is
// accepted, so the session row precedes the setpoints that refer to it.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession records the end of a session.
func (db *Connection) FinishSession(msg *SessionMessage, note string) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	msg.ExitNote = note
	go func() { db.sessionmsg <- msg }()
}

// RecordSetpoint enters a field setpoint or degauss.
func (db *Connection) RecordSetpoint(msg *SetpointMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.setpointmsg <- msg }()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.Driver, m.Rate, m.Outputs, m.Inputs,
		m.Start.Format(timeFormat), m.End.Format(timeFormat), m.ExitNote,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.setErr(err)
	}
}

func (db *Connection) handleSetpointMessage(m *SetpointMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO setpoints VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.Kind, m.Period, m.Repetitions, m.Tuned,
		m.PeakField[0], m.PeakField[1], m.PeakField[2], m.StartT, m.Created.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into setpoints ", err)
		db.setErr(err)
	}
}

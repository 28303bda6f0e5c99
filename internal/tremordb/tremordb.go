// Package tremordb records listener diagnostics in a ClickHouse database.
// The database is strictly optional: a Connection that failed to open, or
// a DummyConnection, turns every Record* call into a no-op.
package tremordb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "tremord" // official SQL name of the database

// Connection wraps one ClickHouse connection and the channels that
// serialize writes to it.
type Connection struct {
	conn         clickhouse.Conn
	err          error
	sessionEntry *SessionMessage
	throughmsg   chan *ThroughputMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and prints the server version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection opens the database, writes the session activity row,
// and launches the goroutine that serializes further writes. The
// connection shuts down when abort is closed.
func StartConnection(session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.sessionEntry = session
	db.logSession()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a connection that ignores all messages, for
// runs with the database disabled.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	dbUser := os.Getenv("TREMORD_DB_USER")
	dbPass := os.Getenv("TREMORD_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "tremord", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.throughmsg = make(chan *ThroughputMessage)
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	se := db.sessionEntry
	formattedStart := se.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := se.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO tremordactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		se.ID, se.Hostname, se.Githash, se.Version,
		se.GoVersion, se.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into tremordactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case tmsg := <-db.throughmsg:
			db.handleThroughputMessage(tmsg)
		}
	}
}

// Disconnect finalizes the session activity row with the end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.sessionEntry.End = time.Now()
		db.logSession()
	}
}

// RecordThroughput stores one per-second observation (if the DB is open).
// The send happens on a separate goroutine so a stalled database can
// never block the receive loop.
func (db *Connection) RecordThroughput(msg *ThroughputMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.throughmsg <- msg }()
}

func (db *Connection) handleThroughputMessage(m *ThroughputMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedTime := m.Time.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO throughput VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, formattedTime, m.Packets, m.Bytes, m.Channels, m.Drops, m.RateEstimate,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into throughput ", err)
		db.err = err
	}
}

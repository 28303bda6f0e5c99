package tremordb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the tremordactivity table: one
// row per listener session, written at start and finished at stop.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// ThroughputMessage is one per-second receive observation for the
// throughput table.
type ThroughputMessage struct {
	SessionID    string
	Time         time.Time
	Packets      int
	Bytes        uint64
	Channels     int
	Drops        uint64
	RateEstimate float64
}

package tremord

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by tremord.
type Portnumbers struct {
	RPC    int // JSON-RPC control server
	Status int // ZMQ PUB socket for status and diagnostics messages
	Graph  int // ZMQ PUB socket for batched history frames
	Anim   int // ZMQ PUB socket for latest-value node updates
}

// Ports globally holds all TCP port numbers used by tremord.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Graph = base + 2
	Ports.Anim = base + 3
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.2",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// TremordStartTime is a global holding the time init() was run
var TremordStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log per-second throughput and lifecycle messages to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(2500)
	TremordStartTime = time.Now()

	// The tremord main program will override these, but at least
	// initialize with sensible values.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}

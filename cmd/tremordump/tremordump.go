package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/tremorview/tremord/wire"
)

// probe receives npack datagrams, printing a one-line summary of each.
// Unrecognized datagrams are hex-dumped instead of killing the probe.
// When npyname is non-empty, the captured channel values are written as
// a NumPy matrix with one row per recognized packet.
func probe(npack int, endpoint, npyname string) error {
	fmt.Printf("Probing %s for the first %d packets received...\n", endpoint, npack)
	address, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return err
	}
	ServerConn, err := net.ListenUDP("udp", address)
	if err != nil {
		return err
	}
	defer ServerConn.Close()

	var capture [][]float32
	buf := make([]byte, 65536)
	for range npack {
		n, _, err := ServerConn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		s, err := wire.Decode(buf[:n])
		if err != nil {
			fmt.Printf("%d bytes of unrecognized framing:\n", n)
			spew.Dump(buf[:min(n, 64)])
			continue
		}
		describe(n, s)
		if npyname != "" {
			capture = append(capture, s.Channels)
		}
	}
	if npyname != "" {
		return writeCapture(npyname, capture)
	}
	return nil
}

func describe(nbytes int, s *wire.Sample) {
	var parts []string
	if s.HasSequence {
		parts = append(parts, fmt.Sprintf("seq %d", s.Sequence))
	}
	if s.HasTick {
		unit := "?"
		if s.HasUnit {
			unit = s.Unit.String()
		}
		parts = append(parts, fmt.Sprintf("tick %d %s", s.Tick, unit))
	}
	parts = append(parts, fmt.Sprintf("%d channels", len(s.Channels)))
	fmt.Printf("%4d bytes: %s\n", nbytes, strings.Join(parts, ", "))
}

// writeCapture stores the captured frames as an npack x nchan float64
// matrix. The channel count of the first frame wins; shorter frames are
// zero-padded and longer ones truncated, as the daemon would do.
func writeCapture(npyname string, capture [][]float32) error {
	if len(capture) == 0 {
		return fmt.Errorf("no recognized packets were captured; not writing %s", npyname)
	}
	nchan := len(capture[0])
	m := mat.NewDense(len(capture), nchan, nil)
	for i, frame := range capture {
		for j := 0; j < nchan && j < len(frame); j++ {
			m.Set(i, j, float64(frame[j]))
		}
	}
	f, err := os.Create(npyname)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := npyio.Write(f, m); err != nil {
		return err
	}
	fmt.Printf("Wrote %d x %d capture matrix to %s\n", len(capture), nchan, npyname)
	return nil
}

func main() {
	var npack int
	var port int
	var npyname string
	const default_host = "localhost"
	const default_port = 9870
	host := default_host
	flag.IntVar(&npack, "n", 10, "Number of packets to dump")
	flag.IntVar(&port, "port", default_port, "Port to monitor")
	flag.IntVar(&port, "p", default_port, "Port to monitor (shorthand)")
	flag.StringVar(&npyname, "npy", "", "Write captured channel values to this .npy file")

	flag.Usage = func() {
		fmt.Printf("tremordump, for dumping the first N telemetry packets, by default those from localhost:%d\n",
			default_port)
		fmt.Println("Usage: tremordump [flags] [host][:port]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		host = flag.Arg(0)

		// If host ends in :portnum, split that off and update the port value
		if pieces := strings.Split(host, ":"); len(pieces) > 1 {
			if len(pieces) > 2 {
				fmt.Printf("Cannot parse host '%s' with %d colon separators\n", host, len(pieces)-1)
				return
			}
			attachedport, err := strconv.Atoi(pieces[1])
			if err != nil {
				fmt.Printf("Cannot convert port '%s' to integer\n", pieces[1])
				return
			}
			if port != default_port && port != attachedport {
				fmt.Printf("Cannot use -p argument and a conflicting host:port pair\n")
				return
			}
			if len(pieces[0]) == 0 {
				host = default_host
			} else {
				host = pieces[0]
			}
			port = attachedport
		}
	}

	endpoint := fmt.Sprintf("%s:%4.4d", host, port)
	if err := probe(npack, endpoint, npyname); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

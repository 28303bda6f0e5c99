package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tremorview/tremord"
	"github.com/tremorview/tremord/wire"
)

func parseUnit(name string) (wire.TimeUnit, error) {
	switch name {
	case "s":
		return wire.UnitSeconds, nil
	case "ms":
		return wire.UnitMillis, nil
	case "us":
		return wire.UnitMicros, nil
	case "ns":
		return wire.UnitNanos, nil
	}
	return 0, fmt.Errorf("unknown timestamp unit '%s' (want s, ms, us, or ns)", name)
}

func main() {
	host := flag.String("host", "localhost", "Destination host")
	port := flag.Int("port", 9870, "Destination UDP port")
	channels := flag.Int("channels", 64, "Number of channels per packet")
	freq := flag.Float64("freq", 2.0, "Waveform frequency (Hz)")
	rate := flag.Float64("rate", 60.0, "Packet rate (packets/s)")
	unitname := flag.String("unit", "ms", "Timestamp unit: s, ms, us, or ns")
	duration := flag.Duration("duration", 0, "How long to send (0 = until interrupted)")

	flag.Usage = func() {
		fmt.Println("tremorsend generates synthetic multi-channel sine telemetry for receiver testing.")
		fmt.Println("Usage: tremorsend [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()

	unit, err := parseUnit(*unitname)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	sender, err := tremord.NewWaveSender(tremord.SenderConfig{
		Host:     *host,
		Port:     *port,
		Channels: *channels,
		Freq:     *freq,
		Rate:     *rate,
		Unit:     unit,
	})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	if err := sender.Start(); err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sending %d channels to %s:%d at %g packets/s (%g Hz sine, unit %s)\n",
		*channels, *host, *port, *rate, *freq, unit)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	if *duration > 0 {
		select {
		case <-interrupt:
		case <-time.After(*duration):
		}
	} else {
		<-interrupt
	}

	sender.Stop()
	status := sender.Status()
	fmt.Printf("\nSent %d packets.\n", status.PacketsSent)
}

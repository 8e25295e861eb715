// command wavedcc is a DCC command station for Raspberry Pi class
// hardware: it clocks the NMRA waveform onto an H-bridge motor
// shield through pigpio waves and programs decoders on a dedicated
// programming track, with decoder acknowledgment sensed through an
// INA219 shunt monitor.
//
// Commands are read line by line from stdin and, with -device,
// from a serial port, so JMRI and other DCC++ EX style throttles
// can attach directly.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"wavedcc.org/config"
	"wavedcc.org/driver/ina219"
	"wavedcc.org/driver/pigpiod"
	"wavedcc.org/engine"
)

var (
	confFile = flag.String("config", "", "configuration file (overrides the search path)")
	sim      = flag.Bool("sim", false, "run against a simulated track and decoder")
	device   = flag.String("device", "", "also serve commands on a serial device")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wavedcc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path != "" {
		log.Printf("wavedcc: configuration from %s", path)
	} else {
		log.Printf("wavedcc: no configuration file found")
	}

	var (
		sink  engine.Sink
		pins  engine.Pins
		meter engine.Meter
	)
	if *sim {
		s := engine.NewSimulator()
		sink, pins, meter = s, s, s
		log.Printf("wavedcc: simulated track")
	} else {
		conn, err := pigpiod.Dial(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		if err != nil {
			return err
		}
		defer conn.Close()
		ver, err := conn.HardwareVersion()
		if err != nil {
			return err
		}
		log.Printf("wavedcc: pigpiod on %s, hardware %x", cfg.Host, ver)
		bus, err := sensorBus(cfg, conn)
		if err != nil {
			return err
		}
		m, err := ina219.New(bus, ina219.DefaultAddr)
		if err != nil {
			return err
		}
		sink, pins, meter = conn, conn, m
	}

	e := engine.New(cfg, sink, pins, meter)
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Close()
	log.Printf("wavedcc: outgpios %d|%d", cfg.Main1, cfg.Main2)

	if *device != "" {
		port, err := serial.OpenPort(&serial.Config{Name: *device, Baud: 115200})
		if err != nil {
			return err
		}
		defer port.Close()
		go serve(e, port)
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := in.Text()
		if line == "exit" {
			break
		}
		if reply := e.Command(line); reply != "" {
			fmt.Println(reply)
		}
	}
	log.Printf("wavedcc: exiting...")
	return in.Err()
}

func loadConfig() (config.Config, string, error) {
	if *confFile == "" {
		return config.Load()
	}
	f, err := os.Open(*confFile)
	if err != nil {
		return config.Config{}, "", err
	}
	defer f.Close()
	cfg, err := config.Parse(f)
	return cfg, *confFile, err
}

// sensorBus opens the INA219's I²C bus: the local hardware bus when
// the waveform daemon is local, the daemon's bus when it is remote.
func sensorBus(cfg config.Config, conn *pigpiod.Conn) (i2c.Bus, error) {
	switch cfg.Host {
	case "localhost", "127.0.0.1":
		if _, err := host.Init(); err != nil {
			return nil, err
		}
		return i2creg.Open("")
	default:
		return conn.I2C(1), nil
	}
}

// serve reads command lines from a serial throttle and writes
// replies back.
func serve(e *engine.Engine, port io.ReadWriter) {
	s := bufio.NewScanner(port)
	for s.Scan() {
		reply := e.Command(s.Text())
		if reply != "" {
			fmt.Fprintf(port, "%s\n", reply)
		}
	}
	if err := s.Err(); err != nil {
		log.Printf("wavedcc: serial: %v", err)
	}
}

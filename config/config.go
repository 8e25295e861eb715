// Package config loads the wavedcc configuration file: key=value
// lines with # comments, searched for at ./wavedcc.conf and then
// $HOME/.wavedcc/wavedcc.conf.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config carries every recognized key. GPIO numbers are Broadcom
// pin numbers; the programming-track pins default to the main-track
// pins for single-shield hardware.
type Config struct {
	Main1      uint
	Main2      uint
	MainEnable uint
	Prog1      uint
	Prog2      uint
	ProgEnable uint

	// pigpiod daemon address.
	Host string
	Port int

	Logging        bool
	UptimeLogging  bool
	UptimeFilePath string

	// Service-mode acknowledgment parameters (S-9.2.3): how many
	// trailing samples to inspect, the mA margin over quiescent,
	// and how many samples over the margin make an ack.
	SampleCount int
	AckLimit    float64
	AckMin      int

	// Overload trip threshold in mA.
	OverloadThreshold float64
}

func Default() Config {
	return Config{
		Main1:             17,
		Main2:             27,
		MainEnable:        22,
		Prog1:             17,
		Prog2:             27,
		ProgEnable:        22,
		Host:              "localhost",
		Port:              8888,
		UptimeFilePath:    ".",
		SampleCount:       10,
		AckLimit:          60,
		AckMin:            5,
		OverloadThreshold: 3000,
	}
}

// Load finds and parses the configuration file. It returns the
// defaults and an empty path when no file exists.
func Load() (Config, string, error) {
	paths := []string{"wavedcc.conf"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".wavedcc", "wavedcc.conf"))
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Config{}, "", err
		}
		defer f.Close()
		cfg, err := Parse(f)
		if err != nil {
			return Config{}, "", fmt.Errorf("%s: %w", path, err)
		}
		return cfg, path, nil
	}
	return Default(), "", nil
}

// Parse reads key=value lines over the defaults. Text after a # is
// a comment; lines without a = are ignored.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text, _, _ := strings.Cut(s.Text(), "#")
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			return Config{}, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := s.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "main1":
		c.Main1, err = pin(value)
	case "main2":
		c.Main2, err = pin(value)
	case "mainenable":
		c.MainEnable, err = pin(value)
	case "prog1":
		c.Prog1, err = pin(value)
	case "prog2":
		c.Prog2, err = pin(value)
	case "progenable":
		c.ProgEnable, err = pin(value)
	case "host":
		c.Host = value
	case "port":
		c.Port, err = strconv.Atoi(value)
	case "logging":
		c.Logging = value == "1"
	case "uptimelogging":
		c.UptimeLogging = value == "1"
	case "uptimefilepath":
		c.UptimeFilePath = value
	case "samplecount":
		c.SampleCount, err = strconv.Atoi(value)
	case "acklimit":
		c.AckLimit, err = strconv.ParseFloat(value, 64)
	case "ackmin":
		c.AckMin, err = strconv.Atoi(value)
	case "overloadthreshold":
		c.OverloadThreshold, err = strconv.ParseFloat(value, 64)
	default:
		// Unknown keys are tolerated so configurations can be
		// shared across wavedcc versions.
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func pin(value string) (uint, error) {
	n, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0, err
	}
	if n > 53 {
		return 0, fmt.Errorf("no such gpio: %d", n)
	}
	return uint(n), nil
}

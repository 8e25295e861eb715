package config

import (
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("empty file gives %+v, want defaults", cfg)
	}
	if cfg.Main1 != 17 || cfg.Main2 != 27 || cfg.MainEnable != 22 {
		t.Errorf("main pins %d %d %d", cfg.Main1, cfg.Main2, cfg.MainEnable)
	}
}

func TestParse(t *testing.T) {
	const file = `
# wavedcc test configuration
main1=2
main2=3
mainenable=4
prog1=5
prog2=6
progenable=7   # single shield would share the main pins
host=pi4
port=8889
logging=1
uptimelogging=1
uptimefilepath=/var/lib/wavedcc
samplecount=12
acklimit=55.5
ackmin=4
overloadthreshold=2500
not a key value line
`
	cfg, err := Parse(strings.NewReader(file))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Prog1 != 5 || cfg.Prog2 != 6 || cfg.ProgEnable != 7 {
		t.Errorf("prog pins %d %d %d, want 5 6 7", cfg.Prog1, cfg.Prog2, cfg.ProgEnable)
	}
	if cfg.Main1 != 2 || cfg.Main2 != 3 || cfg.MainEnable != 4 {
		t.Errorf("main pins %d %d %d, want 2 3 4", cfg.Main1, cfg.Main2, cfg.MainEnable)
	}
	if cfg.Host != "pi4" || cfg.Port != 8889 {
		t.Errorf("daemon %s:%d", cfg.Host, cfg.Port)
	}
	if !cfg.Logging || !cfg.UptimeLogging || cfg.UptimeFilePath != "/var/lib/wavedcc" {
		t.Errorf("logging config %+v", cfg)
	}
	if cfg.SampleCount != 12 || cfg.AckLimit != 55.5 || cfg.AckMin != 4 {
		t.Errorf("ack config %+v", cfg)
	}
	if cfg.OverloadThreshold != 2500 {
		t.Errorf("overload threshold %v", cfg.OverloadThreshold)
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	cfg, err := Parse(strings.NewReader("quiescentmargin=1.3\npowercount=4\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("unknown keys changed config: %+v", cfg)
	}
}

func TestBadValues(t *testing.T) {
	for _, file := range []string{
		"main1=banana",
		"main1=54",
		"port=x",
		"acklimit=much",
	} {
		if _, err := Parse(strings.NewReader(file)); err == nil {
			t.Errorf("%q: want error", file)
		}
	}
}

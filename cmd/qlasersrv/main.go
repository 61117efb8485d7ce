package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/uw-acme/qlaser-zcu/qlaser"
	"github.com/uw-acme/qlaser-zcu/server/middleware/locker"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "qlasersrv.yml"
	k              = koanf.New(".")
)

// Config holds the server configuration
type Config struct {
	// Addr is the address:port to listen at
	Addr string `yaml:"Addr"`

	// Port is the serial port the FPGA console is on; empty means scan
	// for a port whose description contains PortKeyword
	Port string `yaml:"Port"`

	// PortKeyword selects among serial ports when Port is empty
	PortKeyword string `yaml:"PortKeyword"`

	// Baud is the console baud rate
	Baud int `yaml:"Baud"`

	// ReadTimeoutMS bounds each serial read, in milliseconds
	ReadTimeoutMS int `yaml:"ReadTimeoutMS"`

	// VRef is the DC converter reference voltage
	VRef float64 `yaml:"VRef"`

	// DACBits is the DC converter resolution
	DACBits int `yaml:"DACBits"`

	// WaveRAMSize is the per-channel wave table size in samples
	WaveRAMSize int `yaml:"WaveRAMSize"`

	// PulseSlots is the per-channel pulse definition RAM size
	PulseSlots int `yaml:"PulseSlots"`

	// MinPulseSpacing is the minimum time units between pulse starts
	MinPulseSpacing int `yaml:"MinPulseSpacing"`

	// ExpectedVersion is the firmware line the server requires
	ExpectedVersion string `yaml:"ExpectedVersion"`

	// Simulate runs against an in-memory device instead of hardware
	Simulate bool `yaml:"Simulate"`
}

func setupconfig() {
	defaults := qlaser.DefaultConfig()
	k.Load(structs.Provider(Config{
		Addr:            ":8000",
		PortKeyword:     defaults.PortKeyword,
		Baud:            defaults.Baud,
		ReadTimeoutMS:   1000,
		VRef:            defaults.VRef,
		DACBits:         defaults.DACBits,
		WaveRAMSize:     defaults.WaveRAMSize,
		PulseSlots:      defaults.PulseSlots,
		MinPulseSpacing: defaults.MinPulseSpacing,
		ExpectedVersion: defaults.ExpectedVersion}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `qlasersrv drives the ZCU FPGA waveform generator and exposes an HTTP
interface to it.  Clients load waveforms, program pulse schedules, set
DC channels and trigger sequences over plain JSON routes.

Usage:
	qlasersrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `qlasersrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

With no config file the server uses the standard lab bringup values: a 12 bit
1.25V DC converter bank, 4096 sample wave tables and 256 pulse slots per
channel, and scans for a serial port described as "Interface 0".

Set Simulate: true to run without hardware; the server then drives an
in-memory device with the same protocol, which is useful for client
development and integration tests.

Routes of note (all JSON):
	GET  /version                     firmware version
	GET  /state                       session state
	POST /connect, /reconnect         session lifecycle
	POST /channel/{n}/waveform        load samples or a polynomial
	POST /channel/{n}/waveform/verify checksum a waveform against readback
	POST /channel/{n}/pulses          program a pulse schedule
	GET  /channel/{n}/pulse/{slot}    read one compiled entry back
	POST /dc                          set a DC channel voltage
	POST /enable, /disable, /trigger, /reset
	GET  /error-status
	GET/POST /lock                    reject mutations while locked`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("qlasersrv version %v\n", Version)
}

func devConfig(c Config) qlaser.Config {
	cfg := qlaser.DefaultConfig()
	cfg.Port = c.Port
	cfg.PortKeyword = c.PortKeyword
	cfg.Baud = c.Baud
	cfg.ReadTimeout = time.Duration(c.ReadTimeoutMS) * time.Millisecond
	cfg.VRef = c.VRef
	cfg.DACBits = c.DACBits
	cfg.WaveRAMSize = c.WaveRAMSize
	cfg.PulseSlots = c.PulseSlots
	cfg.MinPulseSpacing = c.MinPulseSpacing
	cfg.ExpectedVersion = c.ExpectedVersion
	return cfg
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	cfg := devConfig(c)
	var sess *qlaser.Session
	if c.Simulate {
		log.Println("Simulate: true; running against the in-memory device")
		sess = qlaser.NewSimulatedSession(cfg)
	} else {
		sess = qlaser.NewSession(cfg)
	}
	if err := sess.Connect(); err != nil {
		log.Println("unable to connect to the FPGA:", err)
		log.Println("the server will start anyway; POST /reconnect once the hardware is up")
	}
	ctl := qlaser.NewController(cfg, sess)
	httpC := qlaser.NewHTTPController(ctl)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	lock := locker.New()
	root.Use(lock.Check)
	locker.Inject(root, lock)
	httpC.RouteTable.Bind(root)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		sess.Close()
		os.Exit(0)
	}()
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, root))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}

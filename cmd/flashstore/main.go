// Command flashstore is a thin operability surface over the engine: init
// a device, enqueue/dequeue a payload from stdin/stdout, and print stats.
// It is not part of the storage engine itself, just a shell for exercising
// it against the in-memory simulator, a block-device image, or (with
// -spi) a real SPI-NAND chip.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jpswinski/flashstore"
	"github.com/jpswinski/flashstore/blockdev"
	"github.com/jpswinski/flashstore/driver"
	"github.com/jpswinski/flashstore/simdriver"
	"github.com/jpswinski/flashstore/spiflash"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML engine config")
		storeName  = flag.String("store", "", "name of a config-provisioned store to use (see EngineConfig.Stores); empty provisions an unnamed store")
		devicePath = flag.String("device", "", "backing image file; empty uses an in-memory simulator, ignored when -spi is set")
		useSPI     = flag.Bool("spi", false, "drive a real SPI-NAND chip through periph.io instead of a file or the simulator")
		spiPort    = flag.String("spi-port", "/dev/spidev0.0", "spireg port name, only used with -spi")
		spiCS      = flag.String("spi-cs", "", "gpioreg pin name for chip-select, required with -spi")
		numBlocks  = flag.Int("blocks", 64, "device geometry: number of blocks")
		pages      = flag.Int("pages-per-block", 16, "device geometry: pages per block")
		pageSize   = flag.Int("page-size", 256, "device geometry: bytes per page")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: flashstore [flags] <stats|enqueue|dequeue>")
		os.Exit(2)
	}

	geom := driver.Geometry{NumBlocks: *numBlocks, PagesPerBlock: *pages, PageSize: *pageSize}

	var drv driver.Driver
	switch {
	case *useSPI:
		if _, err := host.Init(); err != nil {
			fmt.Fprintln(os.Stderr, "periph host init:", err)
			os.Exit(1)
		}
		port, err := spireg.Open(*spiPort)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open spi port:", err)
			os.Exit(1)
		}
		conn, err := port.Connect(25*physic.MegaHertz, spi.Mode0, 8)
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect spi port:", err)
			os.Exit(1)
		}
		cs := gpioreg.ByName(*spiCS)
		if cs == nil {
			fmt.Fprintln(os.Stderr, "unknown chip-select pin:", *spiCS)
			os.Exit(1)
		}
		drv = spiflash.New(conn, cs, geom)
	case *devicePath == "":
		drv = simdriver.New(geom)
	default:
		bd, err := blockdev.Open(*devicePath, geom)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open device:", err)
			os.Exit(1)
		}
		drv = bd
	}

	var cfg *flashstore.EngineConfig
	if *configPath != "" {
		var err error
		cfg, err = flashstore.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
	}

	engine, reclaimed, err := flashstore.Init(drv, flashstore.ModeFormat, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}

	var handle int
	if h, ok := engine.Handle(*storeName); *storeName != "" && ok {
		handle = h
	} else {
		handle, err = engine.Create(nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create store:", err)
			os.Exit(1)
		}
		defer engine.Destroy(handle)
	}

	switch flag.Arg(0) {
	case "stats":
		fmt.Printf("reclaimed %d blocks at init\n", reclaimed)
		s := engine.Stats(true, false)
		fmt.Printf("free=%d used=%d bad=%d errors=%d\n", s.FreeBlocks, s.UsedBlocks, s.BadBlocks, s.ErrorCount)
	case "enqueue":
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read stdin:", err)
			os.Exit(1)
		}
		if err := engine.Enqueue(handle, payload, nil); err != nil {
			fmt.Fprintln(os.Stderr, "enqueue:", err)
			os.Exit(1)
		}
	case "dequeue":
		desc, err := engine.Dequeue(handle)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dequeue:", err)
			os.Exit(1)
		}
		fmt.Printf("sid=%d size=%d\n", desc.SID, desc.Size)
		if err := engine.Release(handle, desc.SID); err != nil {
			fmt.Fprintln(os.Stderr, "release:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown subcommand:", flag.Arg(0))
		os.Exit(2)
	}
}

// Command sandvfs is the CLI for the SandVFS storage engine. It manages
// handle pools, moves database images in and out of them, and serves
// the pool management API.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/sandvfs/sandvfs/core/capability"
	"github.com/sandvfs/sandvfs/core/pool"
	"github.com/sandvfs/sandvfs/core/sqlite"
	"github.com/sandvfs/sandvfs/internal/api"
	"github.com/sandvfs/sandvfs/internal/logging"
)

const version = "0.1.0"

// CLI defines the command-line interface for sandvfs.
var CLI struct {
	// Global flags
	Root     string `name:"root" short:"r" help:"Directory holding pool storage" default:"./pools" type:"path"`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info" enum:"debug,info,warn,error"`
	LogText  bool   `name:"log-text" help:"Log in text format instead of JSON"`

	Pool    PoolGroup  `cmd:"" help:"Pool operations (stat, capacity, import, export, pause)"`
	Probe   ProbeCmd   `cmd:"" help:"Probe storage capability of the root directory"`
	API     APICmd     `cmd:"" help:"Start pool management REST API server"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// PoolGroup contains pool lifecycle operations.
type PoolGroup struct {
	Stat     StatCmd     `cmd:"" help:"Show pool state"`
	Files    FilesCmd    `cmd:"" help:"List files held by a pool"`
	Capacity CapacityCmd `cmd:"" help:"Grow or shrink a pool"`
	Import   ImportCmd   `cmd:"" help:"Import a local file into a pool"`
	Export   ExportCmd   `cmd:"" help:"Export a pool file to local storage"`
	Release  ReleaseCmd  `cmd:"" help:"Release a file, freeing its slot"`
	Pause    PauseCmd    `cmd:"" help:"Pause a pool, detaching it from its storage"`
	Unpause  UnpauseCmd  `cmd:"" help:"Resume a paused pool"`
	Remove   RemoveCmd   `cmd:"" help:"Remove a pool and its backing storage"`
	Verify   VerifyCmd   `cmd:"" help:"Verify a pool file as a SQLite database image"`
}

// openPool opens name under the configured root.
func openPool(name string, capacity int, force bool) (*pool.Pool, error) {
	return pool.Open(name, pool.Options{
		Root:        CLI.Root,
		Capacity:    capacity,
		ForceReinit: force,
	})
}

// StatCmd shows pool state.
type StatCmd struct {
	Name     string `arg:"" help:"Pool name"`
	Capacity int    `help:"Minimum capacity when creating the pool" default:"0"`
	Reinit   bool   `help:"Force reinitialization from disk"`
}

func (c *StatCmd) Run() error {
	p, err := openPool(c.Name, c.Capacity, c.Reinit)
	if err != nil {
		return err
	}
	fmt.Printf("pool:      %s\n", p.Name())
	fmt.Printf("instance:  %s\n", p.InstanceID())
	fmt.Printf("capacity:  %d\n", p.Capacity())
	fmt.Printf("files:     %d\n", p.FileCount())
	fmt.Printf("open:      %d\n", p.OpenFileCount())
	fmt.Printf("paused:    %v\n", p.Paused())
	return nil
}

// FilesCmd lists files held by a pool.
type FilesCmd struct {
	Name string `arg:"" help:"Pool name"`
}

func (c *FilesCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	for _, f := range p.FileNames() {
		fmt.Println(f)
	}
	return nil
}

// CapacityCmd grows or shrinks a pool.
type CapacityCmd struct {
	Name   string `arg:"" help:"Pool name"`
	Add    int    `help:"Slots to add" xor:"change"`
	Reduce int    `help:"Free slots to remove" xor:"change"`
}

func (c *CapacityCmd) Run() error {
	if c.Add <= 0 && c.Reduce <= 0 {
		return fmt.Errorf("one of --add or --reduce is required")
	}
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	var capacity int
	if c.Add > 0 {
		capacity, err = p.AddCapacity(c.Add)
	} else {
		capacity, err = p.ReduceCapacity(c.Reduce)
	}
	if err != nil {
		return err
	}
	fmt.Printf("capacity: %d\n", capacity)
	return nil
}

// ImportCmd imports a local file into a pool.
type ImportCmd struct {
	Name string `arg:"" help:"Pool name"`
	Src  string `arg:"" help:"Local file to import" type:"existingfile"`
	As   string `help:"Logical filename in the pool (default: basename of source)"`
	XZ   bool   `help:"Treat the source as an xz archive"`
}

func (c *ImportCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	target := c.As
	if target == "" {
		target = "/" + filepath.Base(c.Src)
	}

	f, err := os.Open(c.Src)
	if err != nil {
		return err
	}
	defer f.Close()

	var n int64
	if c.XZ {
		n, err = p.ImportArchive(target, f)
	} else {
		n, err = p.ImportChunks(target, pool.ReaderProducer(f))
	}
	if err != nil {
		return err
	}
	fmt.Printf("imported %s (%d bytes) into %s as %s\n", c.Src, n, c.Name, target)
	return nil
}

// ExportCmd exports a pool file to local storage.
type ExportCmd struct {
	Name string `arg:"" help:"Pool name"`
	File string `arg:"" help:"Logical filename in the pool"`
	Dst  string `arg:"" help:"Local destination path"`
	XZ   bool   `help:"Write an xz archive instead of raw bytes"`
}

func (c *ExportCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}

	out, err := os.Create(c.Dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if c.XZ {
		if err := p.ExportArchive(c.File, out); err != nil {
			return err
		}
	} else {
		data, err := p.ExportBytes(c.File)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	fmt.Printf("exported %s from %s to %s\n", c.File, c.Name, c.Dst)
	return nil
}

// ReleaseCmd releases a file, freeing its slot.
type ReleaseCmd struct {
	Name string `arg:"" help:"Pool name"`
	File string `arg:"" help:"Logical filename in the pool"`
}

func (c *ReleaseCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	if err := p.Release(c.File); err != nil {
		return err
	}
	fmt.Printf("released %s from %s\n", c.File, c.Name)
	return nil
}

// PauseCmd pauses a pool.
type PauseCmd struct {
	Name string `arg:"" help:"Pool name"`
}

func (c *PauseCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	if err := p.Pause(); err != nil {
		return err
	}
	fmt.Printf("paused %s\n", c.Name)
	return nil
}

// UnpauseCmd resumes a paused pool.
type UnpauseCmd struct {
	Name string `arg:"" help:"Pool name"`
}

func (c *UnpauseCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}
	if err := p.Unpause(); err != nil {
		return err
	}
	fmt.Printf("unpaused %s\n", c.Name)
	return nil
}

// RemoveCmd removes a pool and its backing storage.
type RemoveCmd struct {
	Name string `arg:"" help:"Pool name"`
}

func (c *RemoveCmd) Run() error {
	if !pool.Remove(c.Name, CLI.Root) {
		return fmt.Errorf("pool %s not found under %s", c.Name, CLI.Root)
	}
	fmt.Printf("removed %s\n", c.Name)
	return nil
}

// VerifyCmd verifies a pool file as a SQLite database image.
type VerifyCmd struct {
	Name string `arg:"" help:"Pool name"`
	File string `arg:"" help:"Logical filename in the pool"`
}

func (c *VerifyCmd) Run() error {
	p, err := openPool(c.Name, 0, false)
	if err != nil {
		return err
	}

	// The image has to live on plain storage for the driver to open it.
	tmp, err := os.MkdirTemp("", "sandvfs-verify-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	dst := filepath.Join(tmp, "image.db")
	data, err := p.ExportBytes(c.File)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return err
	}
	if err := sqlite.VerifyImage(dst); err != nil {
		return err
	}
	fmt.Printf("%s in %s: ok (%d bytes, %s driver)\n", c.File, c.Name, len(data), sqlite.DriverType())
	return nil
}

// ProbeCmd probes storage capability of the root directory.
type ProbeCmd struct{}

func (c *ProbeCmd) Run() error {
	avail := capability.Detect(CLI.Root)
	if !avail.SyncAccess {
		return fmt.Errorf("synchronous storage unavailable at %s: %s", CLI.Root, avail.Reason)
	}
	fmt.Printf("synchronous storage available at %s\n", CLI.Root)
	return nil
}

// APICmd starts the pool management REST API server.
type APICmd struct {
	Port           int      `help:"HTTP server port" default:"8080"`
	Capacity       int      `help:"Capacity for pools opened through the API" default:"6"`
	APIKey         string   `help:"Require this API key (X-API-Key header)" env:"SANDVFS_API_KEY"`
	RateLimit      int      `help:"Requests per minute per client (0 = disabled)"`
	RateLimitBurst int      `help:"Rate limit burst size"`
	TLSCert        string   `help:"Path to TLS certificate file" type:"path"`
	TLSKey         string   `help:"Path to TLS private key file" type:"path"`
	AllowedOrigins []string `help:"CORS allowed origins (empty = allow all)"`
}

func (c *APICmd) Run() error {
	cfg := api.Config{
		Port:              c.Port,
		Root:              CLI.Root,
		DefaultCapacity:   c.Capacity,
		RateLimitRequests: c.RateLimit,
		RateLimitBurst:    c.RateLimitBurst,
		AllowedOrigins:    c.AllowedOrigins,
	}
	if c.APIKey != "" {
		cfg.Auth = api.AuthConfig{Enabled: true, APIKey: c.APIKey}
	}
	if c.TLSCert != "" || c.TLSKey != "" {
		cfg.TLS = api.TLSConfig{Enabled: true, CertFile: c.TLSCert, KeyFile: c.TLSKey}
	}
	return api.Start(cfg)
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("sandvfs version %s (sqlite driver: %s)\n", version, sqlite.DriverType())
	return nil
}

func setupLogging() {
	level := logging.LevelInfo
	switch CLI.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	format := logging.FormatJSON
	if CLI.LogText {
		format = logging.FormatText
	}
	logging.InitLogger(level, format)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("sandvfs"),
		kong.Description("SandVFS - pooled synchronous storage for SQLite databases"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	setupLogging()
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}

// Package wizard provides an interactive setup wizard for OpenDQ.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/opendq/internal/config"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	DataDir    string
	ConfigPath string

	Ports []string
	Baud  int
	FCS   bool

	MAC        string
	Nodes      int
	DurationMs int
	AutoStart  bool
	RSSIMode   string
	RSSIOffset int

	LogLevel       string
	HealthEnabled  bool
	HealthAddress  string
	ControlEnabled bool
}

// DefaultAnswers returns the values the forms start with.
func DefaultAnswers() Answers {
	d := config.Default()
	return Answers{
		DataDir:        d.Agent.DataDir,
		ConfigPath:     "./config.yaml",
		Baud:           transport.DefaultBaud,
		FCS:            d.Link.FCS,
		MAC:            d.Experiment.MAC,
		Nodes:          d.Experiment.Nodes,
		DurationMs:     d.Experiment.DurationMs,
		RSSIMode:       d.Experiment.RSSI.Mode,
		LogLevel:       d.Agent.LogLevel,
		HealthEnabled:  true,
		HealthAddress:  d.Health.Address,
		ControlEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// IsInteractive reports whether stdin and stdout are terminals, which the
// forms need.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !IsInteractive() {
		return nil, fmt.Errorf("setup wizard needs an interactive terminal")
	}

	w.printBanner()
	a := DefaultAnswers()

	// Step 1: Basic setup
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Ports
	if err := w.askPorts(&a); err != nil {
		return nil, err
	}

	// Step 3: Experiment
	if err := w.askExperiment(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___                   ____   ___
  / _ \ _ __   ___ _ __ |  _ \ / _ \
 | | | | '_ \ / _ \ '_ \| | | | | | |
 | |_| | |_) |  __/ | | | |_| | |_| |
  \___/| .__/ \___|_| |_|____/ \__\_\
       |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Mote Experiment Gateway - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for the gateway."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to keep the control socket and run state").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askPorts(a *Answers) error {
	var portList string
	baud := strconv.Itoa(a.Baud)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Mote Ports").
				Description("List the ports motes are attached to.\nPorts can also be opened later with 'opendq links open'."),

			huh.NewText().
				Title("Ports").
				Description("One per line: a device path or tcp://host:port for a serial bridge").
				Placeholder("/dev/ttyUSB0\ntcp://10.0.0.5:4000").
				Value(&portList).
				Validate(func(s string) error {
					_, err := ParsePorts(s)
					return err
				}),

			huh.NewInput().
				Title("Baud Rate").
				Placeholder(strconv.Itoa(transport.DefaultBaud)).
				Value(&baud).
				Validate(func(s string) error {
					_, err := parseBounded(s, 1, 4000000)
					return err
				}),

			huh.NewConfirm().
				Title("Frame check sequence?").
				Description("Motes append a CRC-16 to every HDLC frame").
				Value(&a.FCS),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	ports, _ := ParsePorts(portList)
	a.Ports = mergePorts(a.Ports, ports)
	a.Baud, _ = parseBounded(baud, 1, 4000000)
	return nil
}

func (w *Wizard) askExperiment(a *Answers) error {
	nodes := strconv.Itoa(a.Nodes)
	duration := strconv.Itoa(a.DurationMs)

	variants := make([]huh.Option[string], 0, 2)
	for _, v := range mac.Variants() {
		variants = append(variants, huh.NewOption(string(v), string(v)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Experiment").
				Description("Defaults sent with the START command."),

			huh.NewSelect[string]().
				Title("MAC Protocol").
				Options(variants...).
				Value(&a.MAC),

			huh.NewInput().
				Title("Nodes").
				Description("Number of transmitting motes (1-255)").
				Value(&nodes).
				Validate(func(s string) error {
					_, err := parseBounded(s, 1, 255)
					return err
				}),

			huh.NewInput().
				Title("Duration (ms)").
				Description("Experiment length reported to the motes (0-65535)").
				Value(&duration).
				Validate(func(s string) error {
					_, err := parseBounded(s, 0, 0xFFFF)
					return err
				}),

			huh.NewSelect[string]().
				Title("RSSI Conversion").
				Options(
					huh.NewOption("Signed byte (two's complement)", mac.RSSITwosComplement),
					huh.NewOption("Unsigned byte minus offset", mac.RSSIOffset),
				).
				Value(&a.RSSIMode),

			huh.NewConfirm().
				Title("Start automatically?").
				Description("Send START as soon as the ports are open").
				Value(&a.AutoStart),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.Nodes, _ = parseBounded(nodes, 1, 255)
	a.DurationMs, _ = parseBounded(duration, 0, 0xFFFF)

	if a.RSSIMode == mac.RSSIOffset {
		offset := strconv.Itoa(a.RSSIOffset)
		offsetForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("RSSI Offset").
					Description("Subtracted from the raw byte to get dBm").
					Value(&offset).
					Validate(func(s string) error {
						_, err := parseBounded(s, 0, 255)
						return err
					}),
			),
		).WithTheme(w.theme)
		if err := offsetForm.Run(); err != nil {
			return err
		}
		a.RSSIOffset, _ = parseBounded(offset, 0, 255)
	}

	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics, /events)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (start, stop, stats)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.HealthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Listen Address").
					Placeholder(":8080").
					Value(&a.HealthAddress).
					Validate(func(s string) error {
						if _, _, err := net.SplitHostPort(s); err != nil {
							return fmt.Errorf("invalid address format (use host:port)")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err := addrForm.Run(); err != nil {
			return err
		}
	}
	return nil
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Agent.DataDir = a.DataDir
	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"

	cfg.Links = nil
	for _, p := range a.Ports {
		pc := config.PortConfig{Port: p}
		if a.Baud != transport.DefaultBaud {
			pc.Baud = a.Baud
		}
		cfg.Links = append(cfg.Links, pc)
	}
	cfg.Link.FCS = a.FCS

	cfg.Experiment.MAC = a.MAC
	cfg.Experiment.Nodes = a.Nodes
	cfg.Experiment.DurationMs = a.DurationMs
	cfg.Experiment.AutoStart = a.AutoStart && len(cfg.Links) > 0
	cfg.Experiment.RSSI.Mode = a.RSSIMode
	if a.RSSIMode == mac.RSSIOffset {
		cfg.Experiment.RSSI.Offset = a.RSSIOffset
	}

	// Health
	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	// Control
	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# OpenDQ Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Agent.DataDir)
	fmt.Printf("  Experiment:   %s, %d nodes, %d ms\n",
		cfg.Experiment.MAC, cfg.Experiment.Nodes, cfg.Experiment.DurationMs)
	fmt.Println()

	for _, l := range cfg.Links {
		fmt.Printf("  Port:         %s\n", l.Port)
	}
	if len(cfg.Links) == 0 {
		fmt.Println("  Port:         none (open one later with 'opendq links open')")
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the gateway:")
	fmt.Printf("    opendq run -c %s\n", configPath)
	fmt.Println()
}

// ParsePorts splits a newline separated port list. Blank lines are
// skipped and names are normalized to NFC.
func ParsePorts(s string) ([]string, error) {
	var ports []string
	for _, line := range strings.Split(s, "\n") {
		line = norm.NFC.String(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if transport.KindOf(line) == transport.KindTCP {
			if _, _, err := net.SplitHostPort(strings.TrimPrefix(line, transport.TCPScheme)); err != nil {
				return nil, fmt.Errorf("invalid bridge address: %s", line)
			}
		}
		ports = append(ports, line)
	}
	return ports, nil
}

func mergePorts(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, p := range append(append([]string(nil), a...), b...) {
		if !contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".yaml", ".yml":
		return nil
	}
	return fmt.Errorf("config file should have .yaml or .yml extension")
}

func parseBounded(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

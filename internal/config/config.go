// Package config resolves command-line arguments into a ready-to-use
// session configuration: serial port, baud rates, operating mode, and an
// optional GPIO reset sequence.
package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Mirn/sfu-cli-uploader/internal/reset"
)

// DefaultBaud is used for both init and main speeds when the caller
// specifies neither.
const DefaultBaud = 921600

// Config is the resolved set of parameters a session needs to run.
type Config struct {
	Port         string
	BaudInit     int
	BaudMain     int
	FirmwarePath string

	InfoOnly   bool
	EraseOnly  bool
	NoPrewrite bool

	Reset *reset.Sequence
}

// Parse resolves argv (os.Args, including the program name at index 0)
// into a Config. The -r/--reset flag takes a variable-length GPIO value
// list that urfave/cli's flag model cannot express, so it is extracted by
// hand before the rest of argv is handed to the cli.App.
func Parse(argv []string) (*Config, error) {
	resetArgs, rest, err := extractReset(argv)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	app := &cli.App{
		Name:      "sfu-cli-uploader",
		Usage:     "upload firmware to an SFU bootloader device over serial",
		UsageText: "sfu-cli-uploader [options] <firmware_file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "serial port name (e.g. COM5, /dev/ttyUSB0)",
			},
			&cli.UintFlag{
				Name:    "speed",
				Aliases: []string{"s"},
				Usage:   fmt.Sprintf("baud rate for both init and main speeds (default %d)", DefaultBaud),
			},
			&cli.UintFlag{
				Name:    "init-speed",
				Aliases: []string{"si"},
				Usage:   fmt.Sprintf("baud rate for initialization (default %d)", DefaultBaud),
			},
			&cli.UintFlag{
				Name:    "main-speed",
				Aliases: []string{"sm"},
				Usage:   "baud rate for main uploading (default: same as init speed)",
			},
			&cli.BoolFlag{Name: "info-only", Usage: "query device info only, no firmware file required"},
			&cli.BoolFlag{Name: "erase-only", Usage: "erase only, no firmware file required"},
			&cli.BoolFlag{Name: "no-prewrite", Usage: "do not pipeline WRITE frames while ERASE is in progress"},
		},
		Action: func(c *cli.Context) error {
			return populate(cfg, c)
		},
	}

	if err := app.Run(rest); err != nil {
		return nil, err
	}

	if resetArgs != nil {
		seq, err := parseResetArgs(resetArgs)
		if err != nil {
			return nil, err
		}
		cfg.Reset = seq
	}

	return cfg, nil
}

func populate(cfg *Config, c *cli.Context) error {
	cfg.Port = normalizePort(c.String("port"))
	if cfg.Port == "" {
		return fmt.Errorf("serial port is required (with -p/--port)")
	}

	cfg.BaudInit = DefaultBaud
	if v := c.Uint("speed"); v != 0 {
		cfg.BaudInit = int(v)
	}
	if v := c.Uint("init-speed"); v != 0 {
		cfg.BaudInit = int(v)
	}
	cfg.BaudMain = cfg.BaudInit
	if v := c.Uint("speed"); v != 0 {
		cfg.BaudMain = int(v)
	}
	if v := c.Uint("main-speed"); v != 0 {
		cfg.BaudMain = int(v)
	}

	cfg.InfoOnly = c.Bool("info-only")
	cfg.EraseOnly = c.Bool("erase-only")
	cfg.NoPrewrite = c.Bool("no-prewrite")

	if c.NArg() > 1 {
		return fmt.Errorf("multiple firmware file paths specified (%q and %q)", c.Args().Get(0), c.Args().Get(1))
	}
	if c.NArg() == 1 {
		cfg.FirmwarePath = c.Args().Get(0)
	}
	if cfg.FirmwarePath == "" && !cfg.InfoOnly && !cfg.EraseOnly {
		return fmt.Errorf("firmware file is required unless --info-only/--erase-only is specified")
	}
	return nil
}

// extractReset pulls a "-r"/"--reset" option and its trailing
// quantum/mask/values out of argv, returning them separately along with
// argv minus that span so the cli.App never sees it.
func extractReset(argv []string) (resetArgs, rest []string, err error) {
	if len(argv) == 0 {
		return nil, argv, nil
	}
	rest = append(rest, argv[0])

	i := 1
	for i < len(argv) {
		arg := argv[i]
		if arg == "-r" || arg == "--reset" {
			if resetArgs != nil {
				return nil, nil, fmt.Errorf("reset sequence specified more than once")
			}
			i++
			start := i
			for i < len(argv) && !strings.HasPrefix(argv[i], "-") {
				i++
			}
			resetArgs = append([]string{}, argv[start:i]...)
			continue
		}
		rest = append(rest, arg)
		i++
	}
	return resetArgs, rest, nil
}

func parseResetArgs(args []string) (*reset.Sequence, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("-r/--reset requires at least 4 arguments (quantum, mask, two or more values)")
	}
	quantum, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid reset quantum %q: %w", args[0], err)
	}

	if len(args) < 2 {
		return nil, fmt.Errorf("-r/--reset requires mask and at least two values")
	}
	maskVal, err := parseBinOrHex(args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid reset mask %q: %w", args[1], err)
	}
	if maskVal > 0xFFFF {
		return nil, fmt.Errorf("reset mask %q out of range (> 0xFFFF)", args[1])
	}

	values := make([]uint16, 0, len(args)-2)
	for _, s := range args[2:] {
		v, err := parseBinOrHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid reset GPIO value %q: %w", s, err)
		}
		if v > 0xFFFF {
			return nil, fmt.Errorf("reset GPIO value %q out of range (> 0xFFFF)", s)
		}
		values = append(values, uint16(v))
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("-r/--reset requires at least two GPIO values (after mask)")
	}

	return &reset.Sequence{
		QuantumMS: uint32(quantum),
		Mask:      uint16(maskVal),
		Values:    values,
	}, nil
}

// parseBinOrHex parses a "0b..."-prefixed binary literal or a hex literal
// (with or without a "0x" prefix, hex being the default).
func parseBinOrHex(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	if strings.HasPrefix(lower, "0b") {
		digits := s[2:]
		if digits == "" {
			return 0, fmt.Errorf("empty binary literal")
		}
		var v uint32
		for _, ch := range digits {
			switch ch {
			case '0':
				v <<= 1
			case '1':
				v = (v << 1) | 1
			default:
				return 0, fmt.Errorf("invalid binary digit %q in %q", ch, s)
			}
		}
		return v, nil
	}

	digits := s
	if strings.HasPrefix(lower, "0x") {
		digits = s[2:]
	}
	if digits == "" {
		return 0, fmt.Errorf("empty hex literal")
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func normalizePort(raw string) string {
	if raw == "" {
		return ""
	}
	if runtime.GOOS == "windows" {
		if strings.HasPrefix(raw, `\\.\`) {
			return raw
		}
		upper := strings.ToUpper(raw)
		if strings.HasPrefix(upper, "COM") && !strings.ContainsAny(raw, `\/`) {
			return `\\.\` + raw
		}
		return raw
	}

	if strings.Contains(raw, "/") {
		return raw
	}
	return "/dev/" + raw
}

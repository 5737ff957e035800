package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel   string
	LogFormat  string
	LogFile    string
	DebugRTP   bool
	DebugNAL   bool
	DebugSDP   bool
	DebugICE   bool
	DebugAudio bool
	DebugNest  bool
	DebugRTSP  bool
	DebugAll   bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false,
		"Enable detailed NAL unit debugging (type, size, raw bytes)")
	fs.BoolVar(&f.DebugSDP, "debug-sdp", false,
		"Enable SDP offer/answer debugging")
	fs.BoolVar(&f.DebugICE, "debug-ice", false,
		"Enable ICE candidate debugging (trickle, normalization)")
	fs.BoolVar(&f.DebugAudio, "debug-audio", false,
		"Enable audio processing debugging (levels, filters)")
	fs.BoolVar(&f.DebugNest, "debug-nest", false,
		"Enable Nest SDM API debugging")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugNAL {
			cfg.EnableCategory(DebugNAL)
			cfg.Level = LevelDebug
		}
		if f.DebugSDP {
			cfg.EnableCategory(DebugSDP)
			cfg.Level = LevelDebug
		}
		if f.DebugICE {
			cfg.EnableCategory(DebugICE)
			cfg.Level = LevelDebug
		}
		if f.DebugAudio {
			cfg.EnableCategory(DebugAudio)
			cfg.Level = LevelDebug
		}
		if f.DebugNest {
			cfg.EnableCategory(DebugNest)
			cfg.Level = LevelDebug
		}
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./monitor

  Enable DEBUG level:
    ./monitor --log-level debug
    ./monitor -l debug

  Log to file:
    ./monitor --log-file monitor.log
    ./monitor -o monitor.log

  JSON format for structured logging:
    ./monitor --log-format json -o monitor.json

  Debug ICE candidate handling only:
    ./monitor --debug-ice

  Debug Nest SDM calls only:
    ./monitor --debug-nest

  Debug multiple categories:
    ./monitor --debug-rtp --debug-nal --debug-ice

  Debug everything:
    ./monitor --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./monitor -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugNAL {
			debugCategories = append(debugCategories, "nal")
		}
		if f.DebugSDP {
			debugCategories = append(debugCategories, "sdp")
		}
		if f.DebugICE {
			debugCategories = append(debugCategories, "ice")
		}
		if f.DebugAudio {
			debugCategories = append(debugCategories, "audio")
		}
		if f.DebugNest {
			debugCategories = append(debugCategories, "nest")
		}
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}

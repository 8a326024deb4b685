// Package config also provides configuration file loading for
// torrc-style "Key Value" files, offered as an alternative to (or a base
// layer under) the run's CLI flags.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadFromFile loads configuration from a torrc-style file, updating
// the fields it finds and leaving every other field in cfg untouched.
// Lines starting with # are comments; each configuration line follows
// the format: Key Value.
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := processConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// processConfigOption processes a single configuration option.
func processConfigOption(cfg *Config, key, value string) error {
	switch key {
	case "TorDataDir":
		cfg.TorDataDir = value

	case "From":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid From value: %s", value)
		}
		cfg.From = t

	case "To":
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid To value: %s", value)
		}
		cfg.To = t

	case "StreamModelPath":
		cfg.StreamModelPath = value

	case "PacketModelPath":
		cfg.PacketModelPath = value

	case "OutputTracePath":
		cfg.OutputTracePath = value

	case "Seed":
		seed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid Seed value: %s", value)
		}
		cfg.Seed = seed

	case "NumClients":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid NumClients value: %s", value)
		}
		cfg.NumClients = n

	case "LoadScale":
		scale, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid LoadScale value: %s", value)
		}
		cfg.LoadScale = scale

	case "AdvGuardsNum":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AdvGuardsNum value: %s", value)
		}
		cfg.AdvGuardsNum = n

	case "AdvGuardsBW":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AdvGuardsBW value: %s", value)
		}
		cfg.AdvGuardsBW = n

	case "AdvExitsNum":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AdvExitsNum value: %s", value)
		}
		cfg.AdvExitsNum = n

	case "AdvExitsBW":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AdvExitsBW value: %s", value)
		}
		cfg.AdvExitsBW = n

	case "MaxWorkers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MaxWorkers value: %s", value)
		}
		cfg.MaxWorkers = n

	case "LogLevel":
		cfg.LogLevel = strings.ToLower(value)

	// Ignore unknown options for forward compatibility.
	default:
	}

	return nil
}

// validatePath validates a file path to prevent directory traversal
// attacks. It ensures the path doesn't contain ".." components and is
// an absolute or safe relative path.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}
	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}

	return nil
}

// SaveToFile saves the configuration to a torrc-style file, so a
// generated or CLI-built Config can be captured for later reuse.
func SaveToFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Create(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	fmt.Fprintf(writer, "# torsim configuration file\n")
	fmt.Fprintf(writer, "# Generated automatically - edit with care\n\n")

	fmt.Fprintf(writer, "TorDataDir %s\n", cfg.TorDataDir)
	fmt.Fprintf(writer, "From %s\n", cfg.From.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "To %s\n\n", cfg.To.UTC().Format(time.RFC3339))

	fmt.Fprintf(writer, "StreamModelPath %s\n", cfg.StreamModelPath)
	fmt.Fprintf(writer, "PacketModelPath %s\n", cfg.PacketModelPath)
	fmt.Fprintf(writer, "OutputTracePath %s\n\n", cfg.OutputTracePath)

	fmt.Fprintf(writer, "Seed %d\n", cfg.Seed)
	fmt.Fprintf(writer, "NumClients %d\n", cfg.NumClients)
	fmt.Fprintf(writer, "LoadScale %s\n\n", strconv.FormatFloat(cfg.LoadScale, 'g', -1, 64))

	fmt.Fprintf(writer, "AdvGuardsNum %d\n", cfg.AdvGuardsNum)
	fmt.Fprintf(writer, "AdvGuardsBW %d\n", cfg.AdvGuardsBW)
	fmt.Fprintf(writer, "AdvExitsNum %d\n", cfg.AdvExitsNum)
	fmt.Fprintf(writer, "AdvExitsBW %d\n\n", cfg.AdvExitsBW)

	fmt.Fprintf(writer, "MaxWorkers %d\n", cfg.MaxWorkers)
	fmt.Fprintf(writer, "LogLevel %s\n", cfg.LogLevel)

	return writer.Flush()
}

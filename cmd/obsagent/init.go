package main

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cgast/obsagent/internal/config"
)

//go:embed templates/*.yaml
var templates embed.FS

// configTemplates are scaffolded by --config rather than offered as contracts.
var configTemplates = []string{"config.yaml", "platforms.yaml"}

// handleInit implements `obsagent init [--template=name] [--output=path] [--config]`.
func handleInit(args []string) error {
	templateName := ""
	outputPath := ""
	withConfig := false

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--template="):
			templateName = strings.TrimPrefix(arg, "--template=")
		case strings.HasPrefix(arg, "--output="):
			outputPath = strings.TrimPrefix(arg, "--output=")
		case arg == "--config":
			withConfig = true
		}
	}

	if withConfig {
		if err := scaffoldConfig(config.Dir); err != nil {
			return err
		}
	}
	if templateName == "" {
		if withConfig {
			return nil
		}
		return listTemplates()
	}
	if outputPath == "" {
		outputPath = templateName + ".contract.yaml"
	}
	return scaffoldFromTemplate(templateName, outputPath)
}

// contractTemplates returns the embedded contract template names.
func contractTemplates() []string {
	entries, _ := fs.ReadDir(templates, "templates")
	var names []string
	for _, e := range entries {
		if slices.Contains(configTemplates, e.Name()) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

func listTemplates() error {
	fmt.Println("Usage: obsagent init --template=<name> [--output=<path>] [--config]")
	fmt.Println()
	fmt.Println("Available templates:")
	for _, t := range contractTemplates() {
		fmt.Printf("  - %s\n", t)
	}
	return nil
}

func scaffoldFromTemplate(name, outputPath string) error {
	data, err := templates.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return fmt.Errorf("template %q not found (available: %s)", name, strings.Join(contractTemplates(), ", "))
	}
	if err := writeNew(outputPath, data); err != nil {
		return err
	}

	fmt.Printf("Created %s from template %q\n", outputPath, name)
	fmt.Println("Edit the commitments to match your agent, then run:")
	fmt.Printf("  obsagent validate %s\n", outputPath)
	fmt.Printf("  obsagent verify %s <execution.json>\n", outputPath)
	return nil
}

// scaffoldConfig writes the default config files into dir, leaving
// existing files alone.
func scaffoldConfig(dir string) error {
	for _, name := range configTemplates {
		data, err := templates.ReadFile("templates/" + name)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Keeping existing %s\n", path)
			continue
		}
		if err := writeNew(path, data); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", path)
	}
	return nil
}

// writeNew writes data to path, refusing to overwrite.
func writeNew(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file %q already exists (use --output to specify a different path)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

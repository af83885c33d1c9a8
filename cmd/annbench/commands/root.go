package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"kcl-lang.io/kcl-go"
	"kcl-lang.io/kcl-go/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:          "annbench",
	Short:        "Benchmark approximate nearest neighbour search backends",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return nil
	},
}

var (
	workdir    = "." // root of `main.k` file to load configurations from
	mainConfig = ""
	logLevel   = "info"
)

func init() {
	viper.SetEnvPrefix("ANNBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().StringVarP(&workdir, "workdir", "w", ".", "Root directory to load configuration files from")
	rootCmd.PersistentFlags().StringVarP(&mainConfig, "main", "m", "", "Path to the main configuration file (defaults to main.yaml, main.k, or main.kcl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func Execute() error {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(baselineCmd())
	rootCmd.AddCommand(summarizeCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd.Execute()
}

var errNoConfig = errors.New("no configuration file found")

func findConfigFile() string {
	if mainConfig != "" {
		return mainConfig
	}

	rootDir := workdir
	if rootDir == "" {
		rootDir = "."
	}
	for _, file := range []string{"main.yaml", "main.yml", "main.k", "main.kcl"} {
		fullPath := filepath.Join(rootDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			return fullPath
		}
	}
	return ""
}

// readConfigFile decodes the value at selector, a dotted path into the
// configuration document.
func readConfigFile[T any](selector string) (cfg T, err error) {
	path := findConfigFile()
	if path == "" {
		return cfg, errNoConfig
	}

	if strings.HasSuffix(path, ".k") || strings.HasSuffix(path, ".kcl") {
		return readKCLConfig[T](path, selector)
	}
	return readYamlConfig[T](path, selector)
}

func readYamlConfig[T any](file, selector string) (cfg T, err error) {
	var in io.Reader
	if file == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return cfg, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		in = f
	}
	return decodeYaml[T](in, selector)
}

func decodeYaml[T any](in io.Reader, selector string) (cfg T, err error) {
	if selector != "" {
		var path *yaml.Path
		path, err = yaml.PathString(fmt.Sprintf("$.%s", selector))
		if err != nil {
			return cfg, fmt.Errorf("invalid selector %q: %w", selector, err)
		}

		err = path.Read(in, &cfg)
	} else {
		err = yaml.NewDecoder(in).Decode(&cfg)
	}

	if err != nil {
		return cfg, fmt.Errorf("decode yaml config file: %w", err)
	}
	return cfg, nil
}

type kclMod struct {
	Dependencies map[string]kclDependency `toml:"dependencies"`
}

type kclDependency struct {
	Path    string `toml:"path"`
	Version string `toml:"version"`
}

var noKCLMod = errors.New("no kcl.mod set")

func tryKclMod(workdir string) (mod kclMod, rootDir string, err error) {
	rootDir, err = utils.FindPkgRoot(workdir)
	if err != nil {
		return mod, rootDir, noKCLMod
	}

	modFile := filepath.Join(rootDir, "kcl.mod")
	_, err = toml.DecodeFile(modFile, &mod)
	if err != nil {
		return mod, rootDir, fmt.Errorf("decode kcl.mod file: %w", err)
	}

	return mod, rootDir, nil
}

func readKCLConfig[T any](file, selector string) (cfg T, err error) {
	dir := workdir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("get current working directory: %w", err)
		}
	}

	opts := []kcl.Option{kcl.WithWorkDir(dir), kcl.WithLogger(os.Stderr)}
	if selector != "" {
		opts = append(opts, kcl.WithSelectors(selector))
	}

	mod, rootDir, err := tryKclMod(dir)
	if err != nil && !errors.Is(err, noKCLMod) {
		return cfg, err
	}
	for k, dep := range mod.Dependencies {
		if dep.Path == "" {
			continue
		}

		depPath := filepath.Clean(filepath.Join(rootDir, dep.Path))
		if _, err := os.Stat(depPath); err != nil {
			return cfg, fmt.Errorf("dependency %s not found: %w", k, err)
		}

		opts = append(opts, kcl.WithExternalPkgAndPath(k, depPath))
	}

	res, err := kcl.RunFiles([]string{file}, opts...)
	if err != nil {
		return cfg, err
	}

	return decodeYaml[T](strings.NewReader(res.GetRawYamlResult()), "")
}
